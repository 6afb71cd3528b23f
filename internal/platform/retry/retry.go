// Package retry implements the bounded, fixed-delay retry used when the
// services connect to external infrastructure (broker, object store).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExhausted is returned (wrapped around the last failure) once every
// attempt of a Policy has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy retries an operation a fixed number of times with a fixed delay
// between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Do runs fn until it succeeds, the attempts are used up, or ctx is done.
// op names the operation in log lines.
func (p Policy) Do(ctx context.Context, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	if log == nil {
		log = slog.Default()
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn(op+" failed",
			slog.Int("attempt", attempt),
			slog.Int("retries_left", attempts-attempt),
			slog.String("error", err.Error()))
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrExhausted, err)
}
