package webhook

import (
	"context"
	"net/url"

	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/queue"
)

// RunQueuer enqueues verified deliveries as durable pipeline runs.
type RunQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Connections is the slice of the connection manager the ingress needs.
type Connections interface {
	SigningSecret(ctx context.Context, provider, externalID string) (string, error)
	Callback(ctx context.Context, provider string, query url.Values) (connect.CallbackResult, error)
}

// Config holds ingress server configuration.
type Config struct {
	Listen      string
	MaxBodySize int64
	// MaxAttempts bounds pipeline retries for each enqueued run.
	MaxAttempts int
}

// AcceptedResponse is the JSON response for an accepted delivery.
type AcceptedResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"deliveryId"`
}

// ConnectedResponse is returned by the callback when there is nowhere to redirect.
type ConnectedResponse struct {
	Status         string `json:"status"`
	InstallationID string `json:"installationId"`
}

// ErrorResponse is the JSON response for ingress errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error codes returned to providers and browsers.
const (
	ErrCodeUnknownProvider  = "unknown_provider"
	ErrCodeInvalidSignature = "invalid_signature"
	ErrCodeInvalidJSON      = "invalid_json"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeInvalidState     = "invalid_state"
	ErrCodeDenied           = "authorization_denied"
	ErrCodeExchangeFailed   = "exchange_failed"
	ErrCodeClaimed          = "installation_claimed"
	ErrCodeInternal         = "internal_error"
)

const DefaultMaxBodySize = 1048576 // 1 MB
