package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// RetryExhaustedError wraps the final error of a retried operation together
// with the number of attempts made.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("storage: operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient SQLite failure worth
// retrying (lock contention). Constraint violations, corruption and other
// fatal errors are not transient.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// Retry runs op up to the configured attempt bound, sleeping between
// attempts with a doubling delay. Non-transient errors propagate
// immediately; a transient error surviving every attempt is returned
// wrapped in RetryExhaustedError.
func (s *Store) Retry(ctx context.Context, op func() error) error {
	attempts := s.opts.RetryAttempts
	delay := s.opts.RetryBaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &RetryExhaustedError{Attempts: attempt, Err: err}
		}
		delay *= 2
	}

	return &RetryExhaustedError{Attempts: attempts, Err: err}
}
