package retry

import (
	"errors"
	"fmt"

	"github.com/bissquit/trackbuffer/internal/domain"
)

// Retry outcomes.
var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrTerminal         = errors.New("terminal send failure")
)

// RetryableError marks a send failure that may succeed on a later attempt.
type RetryableError struct {
	Status domain.Status
	Err    error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

// Unwrap returns the underlying error.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports true.
func (e *RetryableError) IsRetryable() bool {
	return true
}

// PermanentError marks a send failure that will not succeed if repeated.
type PermanentError struct {
	Status domain.Status
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false.
func (e *PermanentError) IsRetryable() bool {
	return false
}

// NewRetryableError wraps err as a transient failure.
func NewRetryableError(status domain.Status, err error) error {
	return &RetryableError{Status: status, Err: err}
}

// NewPermanentError wraps err as a terminal failure.
func NewPermanentError(status domain.Status, err error) error {
	return &PermanentError{Status: status, Err: err}
}

// classify reports whether a failed attempt may be retried. An error that
// declares itself retryable or permanent wins over the status.
func classify(status domain.Status, err error) bool {
	var r interface{ IsRetryable() bool }
	if err != nil && errors.As(err, &r) {
		return r.IsRetryable()
	}
	if status == "" {
		return true
	}
	return status.Retryable()
}
