// Package mgmt provides the local management and ingest API for the agent.
package mgmt

import (
	"time"

	"github.com/p-blackswan/codetime-agent/internal/flush"
	"github.com/p-blackswan/codetime-agent/internal/health"
)

// --- Request DTOs ---

// SessionRequest is the payload for PUT /api/v1/session.
type SessionRequest struct {
	JWT string `json:"jwt"`
}

// --- Response DTOs ---

// IngestResponse is the response for POST /api/v1/events.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// FlushResponse is the response for POST /api/v1/flush.
type FlushResponse struct {
	Result flush.Result `json:"result"`
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	Engine          flush.Status `json:"engine"`
	SpoolRecords    int          `json:"spool_records"`
	ActiveProject   string       `json:"active_project,omitempty"`
	ActiveDirectory string       `json:"active_directory,omitempty"`
	ActiveKeystroke int64        `json:"active_keystrokes"`
	Summary         string       `json:"summary,omitempty"`
	Uptime          string       `json:"uptime"`
}

// TrackResponse is the response for POST /api/v1/track.
type TrackResponse struct {
	Playing bool `json:"playing"`
}

// PauseResponse is the response for the telemetry pause/resume endpoints.
type PauseResponse struct {
	Paused bool `json:"paused"`
}

// SessionResponse is the response for PUT /api/v1/session.
type SessionResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// ReadinessResponse is the response for GET /readyz.
type ReadinessResponse struct {
	Status string                   `json:"status"`
	Checks map[string]health.Status `json:"checks"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
