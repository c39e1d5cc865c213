package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write refused by a forward-only status rule.
	ErrConflict = errors.New("conflict")
	// ErrInstallationClaimed marks an external account already connected by
	// another org.
	ErrInstallationClaimed = errors.New("installation is connected to another org")
)

type InstallationStatus string

const (
	InstallationPending InstallationStatus = "pending"
	InstallationActive  InstallationStatus = "active"
	InstallationError   InstallationStatus = "error"
	InstallationRevoked InstallationStatus = "revoked"
)

type ResourceStatus string

const (
	ResourceActive  ResourceStatus = "active"
	ResourceRemoved ResourceStatus = "removed"
)

type DeliveryStatus string

const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDLQ       DeliveryStatus = "dlq"
)

// DLQ reasons recorded alongside DeliveryDLQ.
const (
	ReasonUnresolved       = "unresolved"
	ReasonPublishExhausted = "publish_exhausted"
)

// Installation is one OAuth connection between an organization and one
// provider account. WebhookSecret is stored sealed.
type Installation struct {
	ID                    string
	Provider              string
	ExternalID            string
	AccountLabel          string
	ConnectedBy           string
	OrgID                 string
	Status                InstallationStatus
	WebhookSecret         string
	WebhookSubscriptionID string
	Metadata              Metadata
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Token holds sealed credentials for an installation.
type Token struct {
	InstallationID string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	TokenType      string
	Scope          string
	UpdatedAt      time.Time
}

// Resource is a provider entity linked to an installation for routing.
type Resource struct {
	ID                 string
	InstallationID     string
	Provider           string
	ProviderResourceID string
	Label              string
	Status             ResourceStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Route is the resolved owner of a provider resource id.
type Route struct {
	InstallationID string `json:"installation_id"`
	OrgID          string `json:"org_id"`
}

// RouteEntry pairs a resource key with its route, used for cache rebuilds.
type RouteEntry struct {
	Provider   string
	ResourceID string
	Route      Route
}

// Delivery is the audit record of one webhook delivery.
type Delivery struct {
	ID             string
	Provider       string
	DeliveryID     string
	EventType      string
	ResourceID     string
	InstallationID string
	RunID          string
	Status         DeliveryStatus
	DLQReason      string
	Payload        json.RawMessage
	ReceivedAt     time.Time
	UpdatedAt      time.Time
}

// Metadata is the per-provider metadata attached to an installation. The
// concrete type is the discriminant; see the provider-specific structs.
type Metadata interface {
	ProviderName() string
}

type GitHubMetadata struct {
	InstallationID int64  `json:"installation_id"`
	AccountType    string `json:"account_type,omitempty"`
	TargetID       int64  `json:"target_id,omitempty"`
	SetupAction    string `json:"setup_action,omitempty"`
}

type LinearMetadata struct {
	OrganizationURLKey string `json:"organization_url_key,omitempty"`
	ViewerID           string `json:"viewer_id,omitempty"`
}

type VercelMetadata struct {
	ConfigurationID string `json:"configuration_id"`
	TeamID          string `json:"team_id,omitempty"`
}

type SentryMetadata struct {
	InstallationUUID string `json:"installation_uuid"`
	OrgSlug          string `json:"org_slug,omitempty"`
}

func (GitHubMetadata) ProviderName() string { return "github" }
func (LinearMetadata) ProviderName() string { return "linear" }
func (VercelMetadata) ProviderName() string { return "vercel" }
func (SentryMetadata) ProviderName() string { return "sentry" }

type metadataEnvelope struct {
	Provider string          `json:"provider"`
	Data     json.RawMessage `json:"data"`
}

// MarshalMetadata encodes m with its discriminant. Nil encodes as "{}".
func MarshalMetadata(m Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(metadataEnvelope{Provider: m.ProviderName(), Data: data})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// UnmarshalMetadata decodes a stored metadata blob back into its concrete type.
func UnmarshalMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	var m Metadata
	switch env.Provider {
	case "github":
		var v GitHubMetadata
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decode github metadata: %w", err)
		}
		m = v
	case "linear":
		var v LinearMetadata
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decode linear metadata: %w", err)
		}
		m = v
	case "vercel":
		var v VercelMetadata
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decode vercel metadata: %w", err)
		}
		m = v
	case "sentry":
		var v SentryMetadata
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decode sentry metadata: %w", err)
		}
		m = v
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown metadata provider %q", env.Provider)
	}
	return m, nil
}
