package channels

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// Supervise runs connect in a retry loop with jittered exponential backoff
// in [1s, 30s]. It returns when connect succeeds, when connect reports a
// non-retryable error through fatal, or when ctx is cancelled.
func Supervise(ctx context.Context, log *slog.Logger, name string, connect func(context.Context) error, fatal func(error) bool) error {
	delay := backoffMin
	for {
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fatal != nil && fatal(err) {
			return err
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
		log.Warn("channel: reconnecting", "channel", name, "delay", jittered, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
