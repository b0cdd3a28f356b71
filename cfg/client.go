package cfg

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ClientCfg configures the command line client.
type ClientCfg struct {
	NodeURL          string
	AccountKey       Secret
	MaxContentLength int
	NodeTimeout      time.Duration
	LogLevel         string
}

func LoadClient() (*ClientCfg, error) {
	c := &ClientCfg{}
	var err error
	c.NodeURL = getEnv("NODE_URL", "http://localhost:8080")
	c.AccountKey = NewSecret(getEnv("ACCOUNT_KEY", ""))
	if c.MaxContentLength, err = getInt("MAX_CONTENT_LENGTH", 420); err != nil {
		return nil, err
	}
	if c.NodeTimeout, err = getDuration("NODE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	c.LogLevel = getEnv("LOG_LEVEL", "warn")
	return c, nil
}

func (c *ClientCfg) Validate() error {
	u, err := url.Parse(c.NodeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("NODE_URL must be an http(s) URL, got %q", c.NodeURL)
	}
	if c.MaxContentLength < 0 {
		return errors.New("MAX_CONTENT_LENGTH must not be negative")
	}
	if c.NodeTimeout < 0 {
		return errors.New("NODE_TIMEOUT must not be negative")
	}
	return nil
}
