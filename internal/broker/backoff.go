package broker

import (
	"context"
	"time"
)

const (
	// Stream reconnect backoff: 1s, 2s, 4s, ... capped at 60s.
	streamBackoffBase = 1 * time.Second
	streamBackoffCap  = 60 * time.Second

	// Read retry backoff: 250ms, 500ms, 1s.
	readBackoffBase = 250 * time.Millisecond

	// ReadAttempts is the retry budget for idempotent read calls.
	ReadAttempts = 3
)

// StreamBackoff returns the delay before reconnect attempt n (0-based).
func StreamBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := streamBackoffBase << uint(attempt)
	if d <= 0 || d > streamBackoffCap {
		return streamBackoffCap
	}
	return d
}

// RetryRead runs fn up to ReadAttempts times, backing off between attempts,
// as long as the failure classifies as ErrTransient. Any other error, or a
// cancelled context, stops the loop immediately. Only read-only calls may
// go through here; mutating calls are never retried.
func RetryRead(ctx context.Context, fn func() error) error {
	var err error
	backoff := readBackoffBase
	for attempt := 0; attempt < ReadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
