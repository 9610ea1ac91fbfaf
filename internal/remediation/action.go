package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when an attempt outlives its deadline.
	ErrTimeout = errors.New("remediation timed out")

	// ErrPanicked is returned when an action panics.
	ErrPanicked = errors.New("remediation panicked")
)

// Action performs the external corrective step behind a remediation problem.
// Implementations must return once ctx is done.
type Action interface {
	Attempt(ctx context.Context, target string) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, target string) error

// Attempt calls f.
func (f ActionFunc) Attempt(ctx context.Context, target string) error { return f(ctx, target) }

// Simulated waits Delay and then returns Fail. It stands in for a real
// deployment system in demos and tests.
type Simulated struct {
	Fail  error
	Delay time.Duration
}

// Attempt sleeps for Delay unless ctx ends first.
func (s Simulated) Attempt(ctx context.Context, _ string) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Fail
}

type timeoutAction struct {
	next    Action
	timeout time.Duration
}

// WithTimeout bounds every attempt of next to d. The caller gets ErrTimeout
// at the deadline even if next ignores its context; next keeps running in
// the background until it notices.
func WithTimeout(next Action, d time.Duration) Action {
	return &timeoutAction{next: next, timeout: d}
}

func (t *timeoutAction) Attempt(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrPanicked, rec)
			}
		}()
		done <- t.next.Attempt(ctx, target)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, t.timeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return ctx.Err()
	}
}
