package api

import "recall/internal/models"

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SignInRequest authenticates a device. An unknown username registers a new
// account.
type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// SignInResponse carries the session token for subsequent requests.
type SignInResponse struct {
	AccountID    string `json:"account_id"`
	IsNewAccount bool   `json:"is_new_account"`
	Token        string `json:"token"`
}

// MutationRequest submits one buffered entry. The relay deduplicates by the
// session's device id and the entry sequence.
type MutationRequest struct {
	Entry models.Entry `json:"entry"`
}

// MutationResponse acknowledges a mutation.
type MutationResponse struct {
	Revision   int64          `json:"revision"`
	Position   int64          `json:"position"`
	Duplicate  bool           `json:"duplicate"`
	Superseded map[string]any `json:"superseded,omitempty"`
}

// ChangesResponse is one page of the change log for an entity type.
type ChangesResponse struct {
	Batches []models.Batch `json:"batches"`
}

// Stream message types sent over the change websocket.
const (
	StreamBatch = "batch"
	StreamError = "error"
)

// StreamMessage is one websocket frame of a change stream.
type StreamMessage struct {
	Type  string        `json:"type"`
	Batch *models.Batch `json:"batch,omitempty"`
	Error string        `json:"error,omitempty"`
	Code  string        `json:"code,omitempty"`
}
