package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Outcome summarises one ExecuteWithRetry call.
type Outcome struct {
	Success bool
	// Attempts counts every execution including the first.
	Attempts int
	// Err is the last failure; nil on success.
	Err error
	// Exhausted is true when the policy ran out of retries. It stays false
	// when a terminal error or a cancelled context ended the loop.
	Exhausted bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs operations with bounded retry. The zero value uses
// DefaultPolicy and real timers.
type Executor struct {
	// Policy is the default schedule; a zero Policy means DefaultPolicy.
	Policy Policy
	// Sleep replaces the inter-attempt wait; tests inject a recorder here.
	Sleep SleepFunc
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration
	// Classify decides whether a failure is retried. Defaults to IsRetryableError.
	Classify func(error) bool
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewExecutor returns an executor for policy.
func NewExecutor(policy Policy) *Executor {
	return &Executor{Policy: policy}
}

// ExecuteWithRetry runs op until it succeeds, fails terminally, exhausts the
// policy or ctx is cancelled. An explicit policy overrides the executor's.
func (e *Executor) ExecuteWithRetry(ctx context.Context, op func(context.Context) error, policy ...Policy) Outcome {
	p := e.policy(policy...)
	schedule := p.NewBackOff()
	classify := e.classifier()

	attempts := 0
	for {
		attempts++
		err := e.attempt(ctx, op)
		if err == nil {
			return Outcome{Success: true, Attempts: attempts}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Attempts: attempts, Err: errors.Join(err, ctxErr)}
		}
		if !classify(err) {
			return Outcome{Attempts: attempts, Err: err}
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return Outcome{Attempts: attempts, Err: err, Exhausted: true}
		}
		if e.OnRetry != nil {
			e.OnRetry(attempts, err, delay)
		}
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return Outcome{Attempts: attempts, Err: errors.Join(err, sleepErr)}
		}
	}
}

// CalculateDelay is a shortcut for the executor policy's CalculateDelay.
func (e *Executor) CalculateDelay(attemptIndex int) time.Duration {
	return e.policy().CalculateDelay(attemptIndex)
}

// HealthCheck reports whether error classification behaves as expected.
func (e *Executor) HealthCheck() map[string]bool {
	classify := e.classifier()
	ok := classify(NewStatusError(503, "")) &&
		!classify(NewStatusError(400, "")) &&
		classify(&CodedError{Code: "ECONNREFUSED"})
	return map[string]bool{"canIdentifyRetryableErrors": ok}
}

func (e *Executor) attempt(ctx context.Context, op func(context.Context) error) error {
	if e.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

func (e *Executor) policy(override ...Policy) Policy {
	if len(override) > 0 {
		return override[0].Normalize()
	}
	if e.Policy.MaxRetries == 0 && len(e.Policy.Delays) == 0 && e.Policy.BackoffMultiplier == 0 {
		return DefaultPolicy()
	}
	return e.Policy.Normalize()
}

func (e *Executor) classifier() func(error) bool {
	if e.Classify != nil {
		return e.Classify
	}
	return IsRetryableError
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d on a timer and returns early with ctx.Err().
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
