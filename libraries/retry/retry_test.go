package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallWithRetriesSucceedsEventually(t *testing.T) {
	attempts := 0
	retries, state := CallWithRetries(RetryParams{NumRetries: 3, MaxDelay: 5 * time.Millisecond, Backoff: time.Millisecond}, func() RetriableCallState {
		attempts++
		if attempts < 3 {
			return RetriableFailure
		}
		return Success
	})
	assert.Equal(t, 2, retries)
	assert.Equal(t, Success, state)
	assert.Equal(t, 3, attempts)
}

func TestCallWithRetriesExhausted(t *testing.T) {
	attempts := 0
	retries, state := CallWithRetries(RetryParams{NumRetries: 2, MaxDelay: 5 * time.Millisecond, Backoff: time.Millisecond}, func() RetriableCallState {
		attempts++
		return RetriableFailure
	})
	assert.Equal(t, 2, retries)
	assert.Equal(t, RetriableFailure, state)
	assert.Equal(t, 3, attempts)
}

func TestCallWithRetriesNonRetriableStopsImmediately(t *testing.T) {
	attempts := 0
	retries, state := CallWithRetries(RetryParams{NumRetries: 5, MaxDelay: 5 * time.Millisecond, Backoff: time.Millisecond}, func() RetriableCallState {
		attempts++
		return NonRetriableFailure
	})
	assert.Equal(t, 0, retries)
	assert.Equal(t, NonRetriableFailure, state)
	assert.Equal(t, 1, attempts)
}

func TestCallWithRetriesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	retries, state := CallWithRetriesContext(ctx, RetryParams{NumRetries: 10, MaxDelay: time.Second, Backoff: 50 * time.Millisecond}, func(context.Context) RetriableCallState {
		attempts++
		if attempts == 1 {
			cancel()
		}
		return RetriableFailure
	})
	assert.Equal(t, 0, retries)
	assert.Equal(t, NonRetriableFailure, state)
	require.Equal(t, 1, attempts)
}
