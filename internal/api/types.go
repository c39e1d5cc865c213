package api

import (
	"encoding/json"
	"time"
)

// Error codes returned in ErrorResponse.Error.
const (
	ErrCodeUnauthorized            = "unauthorized"
	ErrCodeForbidden               = "forbidden"
	ErrCodeInvalidCaller           = "invalid_caller"
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeUnknownProvider         = "unknown_provider"
	ErrCodeNotFound                = "not_found"
	ErrCodeReauthorizationRequired = "reauthorization_required"
	ErrCodeInstallationInactive    = "installation_inactive"
	ErrCodeInternal                = "internal_error"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	URL string `json:"url"`
}

type LinkResourceRequest struct {
	ResourceID string `json:"resource_id"`
	Label      string `json:"label,omitempty"`
}

type ResourceResponse struct {
	ID             string `json:"id"`
	InstallationID string `json:"installation_id"`
	Provider       string `json:"provider"`
	ResourceID     string `json:"resource_id"`
	Label          string `json:"label,omitempty"`
	Status         string `json:"status"`
}

type RebuildResponse struct {
	Routes int `json:"routes"`
}

// DeadLetter is one dead-lettered delivery. The payload is included so
// operators can inspect what arrived.
type DeadLetter struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	DeliveryID string          `json:"delivery_id"`
	EventType  string          `json:"event_type"`
	ResourceID string          `json:"resource_id"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type DeadLetterList struct {
	Items []DeadLetter `json:"items"`
}

type ReplayRequest struct {
	IDs []string `json:"ids"`
}

// ReplayResult reports the outcome for one id: replayed, unresolved,
// not_dead_lettered, not_found or failed.
type ReplayResult struct {
	ID             string `json:"id"`
	Outcome        string `json:"outcome"`
	InstallationID string `json:"installation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ReplayResponse struct {
	Results []ReplayResult `json:"results"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	QueueDepth    int               `json:"queue_depth"`
	Checks        map[string]string `json:"checks"`
}
