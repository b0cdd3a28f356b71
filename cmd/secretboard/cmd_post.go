package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

type postCmd struct {
	Message string `arg:"" optional:"" help:"Message text. Read from stdin when omitted or \"-\"."`
}

func (cmd *postCmd) Run(e *env) error {
	text, err := cmd.text()
	if err != nil {
		return err
	}
	c, err := e.client(true)
	if err != nil {
		return err
	}
	s, err := e.session(c, e.cfg.NodeTimeout)
	if err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(e.cfg.NodeTimeout)
	defer cancel()
	id, err := s.Post(ctx, text)
	if err != nil {
		return err
	}
	fmt.Printf("posted message %d\n", id)
	return nil
}

// text returns the message in NFC so that equal-looking input always
// encrypts to the same bytes.
func (cmd *postCmd) text() (string, error) {
	raw := cmd.Message
	if raw == "" || raw == "-" {
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
		if err != nil {
			return "", errors.Wrap(err, "read stdin")
		}
		raw = strings.TrimRight(string(b), "\r\n")
	}
	return norm.NFC.String(raw), nil
}
