package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"secretboard/cfg"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout}, nil
}

func buildRedisTLSConfig(c *cfg.Cfg) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: c.RedisHostname,
	}
	if c.RedisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	if c.RedisCACert != "" {
		caCert, err := os.ReadFile(c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	if !c.IsProduction() && c.RedisDevCA != "" {
		devCert, err := os.ReadFile(c.RedisDevCA)
		if err != nil {
			return nil, errors.Wrap(err, "read dev CA cert")
		}
		if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
			return nil, errors.New("failed to append dev CA cert")
		}
	}
	return tlsConfig, nil
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts one request against key within window. A result above
// limit means the request was rejected and not counted.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Publish(ctx, channel, payload).Err(), "publish")
}

// Subscribe delivers payloads published on channel until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
