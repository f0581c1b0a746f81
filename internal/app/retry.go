package app

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"bracketBot/internal/ports"
)

// RetryPolicy bounds how often a failed operation is attempted again.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(err error) bool
}

// PlacementRetryable retries placements that may succeed once the price
// catches up: no fresh price yet, or the price ran past the entry.
func PlacementRetryable(err error) bool {
	return errors.Is(err, ports.ErrPriceUnavailable) || errors.Is(err, ports.ErrEntryCrossed)
}

// Attempt runs fn until it succeeds, fails with a non-retryable error or the
// attempts run out. The last error is returned unwrapped. attempt counts
// from 1.
func Attempt[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && retryable(err)
		}).
		WithDelay(p.Delay).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()

	return failsafe.With[T](policy).WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[T]) (T, error) {
		return fn(ctx, exec.Attempts())
	})
}
