package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// contextWithTimeout returns a context cancelled on SIGINT/SIGTERM and, when
// timeout is positive, after timeout.
func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}
