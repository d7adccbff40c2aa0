package table

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when the table service reports a missing record or table
var ErrNotFound = errors.New("table: record not found")

// APIError is a non-2xx response from the table service
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("table api: HTTP %d %s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("table api: HTTP %d %s", e.Status, e.Type)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Temporary reports whether retrying the request may succeed
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
