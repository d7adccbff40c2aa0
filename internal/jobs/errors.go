package jobs

import "errors"

// NonRetryableError marks run failures that should not be retried by the dispatcher.
type NonRetryableError struct {
	msg string
	err error
}

// NonRetryable wraps err so the dispatcher gives up after this attempt
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{msg: err.Error(), err: err}
}

func (e *NonRetryableError) Error() string {
	return e.msg
}

func (e *NonRetryableError) Unwrap() error {
	return e.err
}

// IsNonRetryable reports whether the provided error originated from a non-retryable failure.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	var target *NonRetryableError
	return errors.As(err, &target)
}
