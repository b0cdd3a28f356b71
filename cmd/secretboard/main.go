package main

import (
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/pkg/board"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/client"
	"secretboard/svc/util"
)

type cli struct {
	EnvFile string `help:"Dotenv file with NODE_URL and ACCOUNT_KEY." default:".env" type:"path"`

	Keygen keygenCmd `cmd:"" help:"Generate a new author account key."`
	Post   postCmd   `cmd:"" help:"Encrypt and post a message."`
	List   listCmd   `cmd:"" help:"List messages, newest first."`
	Read   readCmd   `cmd:"" help:"Decrypt and print one message."`
	Count  countCmd  `cmd:"" help:"Print the number of messages on the board."`
	Watch  watchCmd  `cmd:"" help:"Stream new messages as they are posted."`
}

// env is bound into every command's Run.
type env struct {
	cfg *cfg.ClientCfg
}

func main() {
	var cli cli

	ctx := kong.Parse(&cli,
		kong.Name("secretboard"),
		kong.Description("Post and read encrypted messages on a secretboard node."),
	)
	e, err := loadEnv(cli.EnvFile)
	ctx.FatalIfErrorf(err)
	defer e.cfg.AccountKey.Wipe()

	err = ctx.Run(e)
	ctx.FatalIfErrorf(err)
}

func loadEnv(path string) (*env, error) {
	if err := cfg.LoadDotEnv(path); err != nil {
		return nil, err
	}
	c, err := cfg.LoadClient()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	util.InitLogTo(os.Stderr, "secretboard", c.LogLevel, true)
	return &env{cfg: c}, nil
}

// account loads ACCOUNT_KEY. A missing key is an error only when required.
func (e *env) account(required bool) (*boardcrypto.Account, error) {
	key := e.cfg.AccountKey.Value()
	if key == "" {
		if required {
			return nil, errors.New("ACCOUNT_KEY is not set; run keygen first")
		}
		return nil, nil
	}
	acct, err := boardcrypto.LoadAccount(key)
	if err != nil {
		return nil, errors.Wrap(err, "ACCOUNT_KEY")
	}
	return acct, nil
}

func (e *env) client(requireAccount bool) (*client.Client, error) {
	acct, err := e.account(requireAccount)
	if err != nil {
		return nil, err
	}
	return client.New(e.cfg.NodeURL, acct, e.cfg.NodeTimeout)
}

// session connects to the node and asks it for the board's destination.
func (e *env) session(c *client.Client, timeout time.Duration) (*board.Session, error) {
	ctx, cancel := contextWithTimeout(timeout)
	defer cancel()
	dest, err := c.Board(ctx)
	if err != nil {
		return nil, err
	}
	return board.NewSession(c, c, board.SessionOpts{
		Author:           c.Author(),
		Destination:      dest,
		MaxContentLength: e.cfg.MaxContentLength,
	})
}
