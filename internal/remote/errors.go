package remote

import (
	"fmt"
	"net/http"

	"finsync/internal/core"
)

// Error is a failed gateway call. It unwraps to one of core.ErrNetwork,
// core.ErrValidation, core.ErrAuth or core.ErrNotFound.
type Error struct {
	Op         string
	StatusCode int // 0 for transport failures
	Message    string
	Kind       error
	Err        error // underlying transport error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Kind, e.StatusCode)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return core.ErrAuth
	case status == http.StatusNotFound:
		return core.ErrNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return core.ErrNetwork
	case status >= 400:
		return core.ErrValidation
	}
	return nil
}
