package api

import (
	"fmt"
	"net/http"

	"recall/internal/fault"
)

// APIError is a structured error returned by the HTTP API.
type APIError struct {
	Status    int
	Code      string
	ErrorCode int
	Message   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Status > 0 {
		return fmt.Sprintf("api error: %d", e.Status)
	}
	return "api error"
}

// classify maps an API error onto the sync error kinds. Conflicts are
// permanent rejections; throttling and server failures are transient.
func classify(err *APIError) error {
	switch {
	case err.Status == http.StatusConflict:
		return fault.Reject(err.Code, err.Message)
	case err.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", fault.ErrNotAuthenticated, err)
	case err.Status == http.StatusTooManyRequests, err.Status >= 500:
		return fault.Transient(err)
	default:
		return err
	}
}
