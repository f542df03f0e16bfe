// Package retry implements the bounded retry-with-backoff helper the
// ingest READ stage uses, with context cancellation so a contribution's
// cancel() can interrupt a pending backoff sleep.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetriableCallState is what a retried function reports about its own
// attempt.
type RetriableCallState int

const (
	// RetriableFailure means the call failed but another attempt should
	// be made (subject to NumRetries).
	RetriableFailure RetriableCallState = iota
	// NonRetriableFailure means the call failed terminally; no further
	// attempts are made.
	NonRetriableFailure
	// Success means the call succeeded.
	Success
)

// RetryParams bounds how CallWithRetries spaces out attempts: exponential
// backoff starting at Backoff, doubling each attempt, capped at MaxDelay,
// for at most NumRetries additional attempts after the first.
type RetryParams struct {
	NumRetries int
	MaxDelay   time.Duration
	Backoff    time.Duration
}

// CallWithRetries invokes f, retrying with exponential backoff (jittered
// uniformly over [0, delay]) while f returns RetriableFailure, up to
// rp.NumRetries additional times. It returns the number of retries
// actually performed and f's final state.
func CallWithRetries(rp RetryParams, f func() RetriableCallState) (int, RetriableCallState) {
	return CallWithRetriesContext(context.Background(), rp, func(context.Context) RetriableCallState {
		return f()
	})
}

// CallWithRetriesContext is CallWithRetries with cancellation: if ctx is
// done while waiting out a backoff delay, the loop stops immediately and
// reports NonRetriableFailure.
func CallWithRetriesContext(ctx context.Context, rp RetryParams, f func(context.Context) RetriableCallState) (int, RetriableCallState) {
	delay := rp.Backoff
	retries := 0
	for {
		state := f(ctx)
		if state != RetriableFailure {
			return retries, state
		}
		if retries >= rp.NumRetries {
			return retries, state
		}

		wait := time.Duration(rand.Int63n(int64(delay) + 1))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return retries, NonRetriableFailure
		}

		retries++
		delay *= 2
		if delay > rp.MaxDelay {
			delay = rp.MaxDelay
		}
	}
}

// NewExponentialBackOff returns a cenkalti/backoff policy mirroring
// RetryParams, for callers (the Controller's per-worker reconnect path)
// that want the library's own Retry driver instead of CallWithRetries'
// hand-rolled loop.
func NewExponentialBackOff(rp RetryParams) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.Backoff
	b.MaxInterval = rp.MaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(rp.NumRetries))
}
