// Package backoff provides cancellable delays and bounded retry with
// jittered exponential backoff.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// DefaultMaxFailures bounds retry attempts when Options.MaxFailures is zero.
const DefaultMaxFailures = 50

// ExhaustedError is returned by Retry when the attempt budget is consumed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// TimeoutError is returned by Retry when the elapsed-time budget is consumed.
type TimeoutError struct {
	Elapsed  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retry timed out after %s (%d attempts): %v", e.Elapsed, e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Delay waits for d or until ctx is cancelled, whichever comes first.
// The underlying timer is released on cancellation.
func Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JitteredDelay returns a delay drawn uniformly from [0, cap], where cap
// grows linearly from minDelay at failureCount=0 to maxDelay at
// failureCount >= maxFailureCount (full jitter).
func JitteredDelay(failureCount int, minDelay, maxDelay time.Duration, maxFailureCount int) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	if maxFailureCount < 1 {
		maxFailureCount = 1
	}
	if failureCount > maxFailureCount {
		failureCount = maxFailureCount
	}

	span := float64(maxDelay-minDelay) * float64(failureCount) / float64(maxFailureCount)
	ceiling := minDelay + time.Duration(span)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Options configures Retry.
type Options struct {
	// MaxFailures bounds attempts; zero means DefaultMaxFailures.
	MaxFailures int
	// MaxElapsed bounds total wall-clock time; zero means unlimited.
	MaxElapsed time.Duration
	// MinDelay and MaxDelay shape the jittered delay between attempts.
	MinDelay time.Duration
	MaxDelay time.Duration
	// OnError is invoked after each failed attempt. Returning false stops
	// retrying and surfaces the error as-is.
	OnError func(err error, attempt int) bool
}

func (o Options) maxFailures() int {
	if o.MaxFailures <= 0 {
		return DefaultMaxFailures
	}
	return o.MaxFailures
}

// Retry invokes action until it succeeds, the attempt or time budget is
// consumed, OnError vetoes another attempt, or ctx is cancelled. Cancellation
// aborts an in-progress delay immediately and returns the ctx error, which is
// distinguishable from *ExhaustedError and *TimeoutError.
func Retry(ctx context.Context, action func() error, opts Options) error {
	_, err := RetryValue(ctx, func() (struct{}, error) {
		return struct{}{}, action()
	}, opts)
	return err
}

// RetryValue is Retry for actions that produce a value.
func RetryValue[T any](ctx context.Context, action func() (T, error), opts Options) (T, error) {
	var zero T
	start := time.Now()
	maxFailures := opts.maxFailures()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if attempt >= maxFailures {
			return zero, &ExhaustedError{Attempts: attempt, Last: lastErr}
		}
		if opts.MaxElapsed > 0 && time.Since(start) >= opts.MaxElapsed {
			return zero, &TimeoutError{Elapsed: time.Since(start), Attempts: attempt, Last: lastErr}
		}

		v, err := action()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if opts.OnError != nil && !opts.OnError(err, attempt+1) {
			return zero, err
		}

		if opts.MaxElapsed > 0 && time.Since(start) >= opts.MaxElapsed {
			return zero, &TimeoutError{Elapsed: time.Since(start), Attempts: attempt + 1, Last: lastErr}
		}
		if attempt+1 >= maxFailures {
			return zero, &ExhaustedError{Attempts: attempt + 1, Last: lastErr}
		}

		if err := Delay(ctx, JitteredDelay(attempt, opts.MinDelay, opts.MaxDelay, maxFailures)); err != nil {
			return zero, err
		}
	}
}
