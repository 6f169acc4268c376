// Package retry runs store operations with bounded, jittered exponential
// backoff. Only faults classified as transient are retried.
package retry

import (
	"context"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	"github.com/pkg/errors"
)

type Policy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	MinInterval time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	Jitter      float64
	// AttemptTimeout bounds each attempt; zero means no bound.
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		MinInterval:    100 * time.Millisecond,
		MaxInterval:    2 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		AttemptTimeout: 5 * time.Second,
	}
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Observer is told about every failed attempt that will be retried.
type Observer func(op string, attempt int, err error)

type Executor struct {
	policy    Policy
	transient Classifier
	observe   Observer
}

func New(policy Policy, transient Classifier, observe Observer) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Executor{policy: policy, transient: transient, observe: observe}
}

// ExhaustedError is returned when every attempt failed with a transient fault.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return errors.Wrapf(e.Err, "%s: gave up after %d attempts", e.Op, e.Attempts).Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, fails permanently, or the attempts run out.
// It returns the number of attempts made.
func (x *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := backoff.Exponential(
		backoff.WithMinInterval(x.policy.MinInterval),
		backoff.WithMaxInterval(x.policy.MaxInterval),
		backoff.WithMultiplier(x.policy.Multiplier),
		backoff.WithJitterFactor(x.policy.Jitter),
		backoff.WithMaxRetries(x.policy.MaxAttempts),
	).Start(ctx)

	var err error
	attempt := 0
	for attempt < x.policy.MaxAttempts && backoff.Continue(b) {
		if ctx.Err() != nil {
			break
		}
		attempt++

		err = x.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !x.transient(err) {
			return attempt, err
		}
		if attempt < x.policy.MaxAttempts && x.observe != nil {
			x.observe(op, attempt, err)
		}
	}

	if err == nil {
		// the context ended before the first attempt
		return attempt, ctx.Err()
	}
	if ctx.Err() != nil && !x.transient(ctx.Err()) {
		return attempt, err
	}
	return attempt, &ExhaustedError{Op: op, Attempts: attempt, Err: err}
}

func (x *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if x.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, x.policy.AttemptTimeout)
	defer cancel()
	return fn(ctx)
}
