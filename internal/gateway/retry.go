package gateway

import (
	"context"
	"time"
)

// Backoff yields the wait before retry number attempt (1-based: the wait
// after the first failure is Backoff(1)).
type Backoff interface {
	Attempts() int
	Wait(attempt int) time.Duration
}

// Linear waits Delay*attempt between attempts.
type Linear struct {
	Tries int
	Delay time.Duration
}

// Exponential waits min(Initial*2^(attempt-1), Max) between attempts.
type Exponential struct {
	Tries   int
	Initial time.Duration
	Max     time.Duration
}

// Attempts implements Backoff.
func (l Linear) Attempts() int { return atLeastOne(l.Tries) }

// Wait implements Backoff.
func (l Linear) Wait(attempt int) time.Duration { return l.Delay * time.Duration(attempt) }

// Attempts implements Backoff.
func (e Exponential) Attempts() int { return atLeastOne(e.Tries) }

// Wait implements Backoff.
func (e Exponential) Wait(attempt int) time.Duration {
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Do runs fn until it succeeds or the policy is exhausted, returning the
// last error. Waiting honours ctx.
func Do[T any](ctx context.Context, b Backoff, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	n := b.Attempts()
	for attempt := 1; attempt <= n; attempt++ {
		var out T
		out, err = fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if attempt == n {
			break
		}
		t := time.NewTimer(b.Wait(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, err
}
