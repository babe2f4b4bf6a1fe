package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientErr() error {
	return sqlite3.Error{Code: sqlite3.ErrBusy}
}

func TestRetryPerformsBoundedAttemptsWithIncreasingDelays(t *testing.T) {
	store := newTestStore(t, Options{
		RetryAttempts:  4,
		RetryBaseDelay: 10 * time.Millisecond,
	})

	var stamps []time.Time
	err := store.Retry(context.Background(), func() error {
		stamps = append(stamps, time.Now())
		return transientErr()
	})

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.True(t, IsTransient(exhausted.Err))

	require.Len(t, stamps, 4)
	var gaps []time.Duration
	for i := 1; i < len(stamps); i++ {
		gaps = append(gaps, stamps[i].Sub(stamps[i-1]))
	}
	// Strictly increasing delays: 10ms, 20ms, 40ms (with scheduling slack).
	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1])
	}
	assert.GreaterOrEqual(t, gaps[0], 10*time.Millisecond)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	store := newTestStore(t, Options{RetryAttempts: 5, RetryBaseDelay: time.Millisecond})

	calls := 0
	err := store.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryNonTransientErrors(t *testing.T) {
	store := newTestStore(t, Options{RetryAttempts: 5, RetryBaseDelay: time.Millisecond})

	fatal := sqlite3.Error{Code: sqlite3.ErrConstraint}
	calls := 0
	err := store.Retry(context.Background(), func() error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	var sqliteErr sqlite3.Error
	require.ErrorAs(t, err, &sqliteErr)
	assert.Equal(t, sqlite3.ErrConstraint, sqliteErr.Code)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	store := newTestStore(t, Options{RetryAttempts: 10, RetryBaseDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := store.Retry(ctx, func() error { return transientErr() })

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsTransient(errors.New("plain error")))
	assert.False(t, IsTransient(nil))
}
