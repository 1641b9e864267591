// Package retry bounds every store and broker call: a small number of retries
// with exponential backoff, all inside one overall deadline. Retries are
// invisible to callers unless the budget is exhausted, at which point the
// result wraps apperr.ErrTransport.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Defaults applied by DefaultPolicy and to zero fields of a Policy.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Policy describes how an operation is retried.
type Policy struct {
	// Timeout bounds the whole operation, every attempt and backoff included.
	Timeout time.Duration

	// MaxRetries is the number of attempts after the first. Negative means none.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Retryable reports whether an error is transient. Nil retries nothing.
	Retryable func(error) bool

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the client-wide policy retrying errors accepted by retryable.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Retryable:      retryable,
	}
}

// WithRetryable returns a copy of p classifying errors with fn.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// Any combines classifiers: an error is transient if any of them says so.
func Any(fns ...func(error) bool) func(error) bool {
	return func(err error) bool {
		for _, fn := range fns {
			if fn != nil && fn(err) {
				return true
			}
		}
		return false
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the policy
// is exhausted.
//
// A non-transient error is returned unchanged. Exhaustion or the overall
// deadline yields an error wrapping both apperr.ErrTransport and the last
// error seen. Cancellation of the parent ctx is returned as the context error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalised()

	opCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(opCtx, p.backoff(attempt)); err != nil {
				break
			}
		}

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opCtx.Err() != nil {
			break
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = opCtx.Err()
	}
	return fmt.Errorf("%w: %w", apperr.ErrTransport, lastErr)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoff returns the delay before the given retry (1-based), doubling from
// InitialBackoff and capped at MaxBackoff.
func (p Policy) backoff(retry int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

func (p Policy) normalised() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsExhausted reports whether err came from a policy running out.
func IsExhausted(err error) bool {
	return errors.Is(err, apperr.ErrTransport)
}
