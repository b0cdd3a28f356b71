package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"secretboard/pkg/domain"
)

type listCmd struct {
	Limit   int  `help:"Show at most this many messages (0 for all)." default:"20"`
	Decrypt bool `help:"Reveal and decrypt each listed message."`
}

func (cmd *listCmd) Run(e *env) error {
	c, err := e.client(false)
	if err != nil {
		return err
	}
	s, err := e.session(c, e.cfg.NodeTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithTimeout(e.cfg.NodeTimeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		return err
	}

	msgs := s.Messages()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAUTHOR\tPOSTED\tMESSAGE")
	shown := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if cmd.Limit > 0 && shown == cmd.Limit {
			break
		}
		m := msgs[i]
		body := preview(m.Ciphertext)
		if cmd.Decrypt {
			view, err := s.Decrypt(ctx, m.ID)
			if err != nil {
				body = "<" + err.Error() + ">"
			} else {
				body = view.Plaintext
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.ID, m.Author, postedAt(m), body)
		shown++
	}
	return tw.Flush()
}

type readCmd struct {
	ID uint64 `arg:"" help:"Message id."`
}

func (cmd *readCmd) Run(e *env) error {
	c, err := e.client(false)
	if err != nil {
		return err
	}
	s, err := e.session(c, e.cfg.NodeTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithTimeout(e.cfg.NodeTimeout)
	defer cancel()

	msg, err := s.Reader().Get(ctx, cmd.ID)
	if err != nil {
		return err
	}
	view, err := s.Reader().Decrypt(ctx, msg)
	if err != nil {
		return err
	}
	fmt.Printf("#%d by %s at %s\n\n%s\n", msg.ID, msg.Author, postedAt(msg), view.Plaintext)
	return nil
}

type countCmd struct{}

func (cmd *countCmd) Run(e *env) error {
	c, err := e.client(false)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithTimeout(e.cfg.NodeTimeout)
	defer cancel()
	n, err := c.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func postedAt(m domain.Message) string {
	return time.Unix(m.Timestamp, 0).Local().Format(time.DateTime)
}

func preview(ciphertext string) string {
	if len(ciphertext) <= 18 {
		return ciphertext
	}
	return ciphertext[:18] + "..."
}
