package retry

import (
	"context"
	"fmt"
	"time"

	"LicitacionesExtractor/internal/faults"
)

// Policy is a parametrized retry-with-backoff applied explicitly at each
// transport call site. The delay doubles per attempt; rate-limit errors
// wait four times longer.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// Default mirrors the configured extraction retry settings.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Retryable: faults.Retryable}
}

// Do runs fn until it succeeds, the error is not retryable, or the
// attempts are exhausted. The last error is returned wrapped with the
// operation name.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = faults.Retryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.BaseDelay << attempt
		if faults.KindOf(lastErr) == faults.KindRateLimit {
			delay *= 4
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
