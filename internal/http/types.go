package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Dirty      bool   `json:"dirty"`
	LastChange int64  `json:"last_change,omitempty"`
	ChangeLog  int    `json:"changelog_entries"`
}

// StateResponse carries one path and its value.
type StateResponse struct {
	Path  string         `json:"path"`
	Value document.Value `json:"value"`
}

// SetStateRequest is the request body for PUT /api/v1/state.
type SetStateRequest struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// MergeStateRequest is the request body for POST /api/v1/state/merge.
type MergeStateRequest struct {
	Path   string                     `json:"path"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// DeleteStateResponse is the response body for DELETE /api/v1/state.
type DeleteStateResponse struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed"`
}

// ChangesResponse is the response body for GET /api/v1/changes.
type ChangesResponse struct {
	Source  string            `json:"source"`
	Entries []changelog.Entry `json:"entries"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Question string `json:"question"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error            string `json:"error"`
	PriorStateIntact bool   `json:"prior_state_intact,omitempty"`
}
