package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is 3 attempts with a 1s base delay
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Second}
}

// Backoff returns the wait after the given failed attempt (1-based):
// Delay * 2^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Delay << uint(attempt-1)
}

// Observer is notified for every attempt after the first
type Observer interface {
	RecordRetry(operation string)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs operations under a Policy
type Retrier struct {
	policy   Policy
	logger   *logrus.Logger
	sleep    SleepFunc
	observer Observer
}

// New creates a retrier for the given policy
func New(policy Policy, logger *logrus.Logger) *Retrier {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Retrier{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
}

// WithSleep replaces the backoff sleep, mainly for tests
func (r *Retrier) WithSleep(sleep SleepFunc) *Retrier {
	r.sleep = sleep
	return r
}

// WithObserver attaches a retry observer
func (r *Retrier) WithObserver(observer Observer) *Retrier {
	r.observer = observer
	return r
}

// Policy returns the active policy
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds or the policy is exhausted. The last error
// is returned as is.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if attempt > 1 && r.observer != nil {
			r.observer.RecordRetry(operation)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == r.policy.Attempts {
			break
		}

		wait := r.policy.Backoff(attempt)
		r.logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"wait":      wait,
			"error":     err.Error(),
		}).Warn("Store operation failed, retrying...")

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"operation": operation,
		"attempts":  r.policy.Attempts,
	}).WithError(lastErr).Error("Store operation failed after all attempts")

	return lastErr
}

// Value is Do for operations that produce a result
func Value[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
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
