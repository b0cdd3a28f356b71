package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"secretboard/pkg/domain"
)

type watchCmd struct {
	Decrypt bool `help:"Reveal and decrypt each message as it arrives."`
}

func (cmd *watchCmd) Run(e *env) error {
	c, err := e.client(false)
	if err != nil {
		return err
	}
	s, err := e.session(c, e.cfg.NodeTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := contextWithTimeout(0)
	defer cancel()

	err = c.Watch(ctx, func(ev domain.MessagePosted) error {
		msg := domain.Message(ev)
		body := preview(msg.Ciphertext)
		if cmd.Decrypt {
			rctx, rcancel := ctx, context.CancelFunc(func() {})
			if e.cfg.NodeTimeout > 0 {
				rctx, rcancel = context.WithTimeout(ctx, e.cfg.NodeTimeout)
			}
			view, err := s.Reader().Decrypt(rctx, msg)
			rcancel()
			if err != nil {
				body = "<" + err.Error() + ">"
			} else {
				body = view.Plaintext
			}
		}
		fmt.Printf("#%d %s %s: %s\n", msg.ID, msg.Author, postedAt(msg), body)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
