package llm

import (
	"errors"
	"fmt"
)

// StatusError is a non-200 answer from a model API
type StatusError struct {
	Provider string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
}

// Temporary reports whether retrying later may succeed
func (e *StatusError) Temporary() bool {
	return e.Status == 429 || e.Status == 529 || e.Status >= 500
}

// Permanent reports whether the request can never succeed with the current
// credentials, such as a bad key or unknown model
func (e *StatusError) Permanent() bool {
	return e.Status == 401 || e.Status == 403 || e.Status == 404
}

// IsPermanent reports whether err wraps a permanent StatusError
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// IsTemporary reports whether err wraps a StatusError worth retrying later
func IsTemporary(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Temporary()
}

// LimitError is returned once the daily call budget is spent
type LimitError struct {
	Type    string
	Limit   int
	Current int
	Message string
}

func (e *LimitError) Error() string {
	return e.Message
}

// IsLimit reports whether err wraps a LimitError
func IsLimit(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
