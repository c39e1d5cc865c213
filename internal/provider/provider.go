// Package provider implements the closed set of SaaS providers relaygate
// connects to. Each provider covers one OAuth flavour and one webhook
// signing scheme behind the Provider interface.
package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/relaygate/internal/store"
)

var (
	// ErrRefreshUnsupported means the provider issues no refreshable tokens.
	ErrRefreshUnsupported = errors.New("token refresh not supported by provider")
	ErrUnknownProvider    = errors.New("unknown provider")
)

// SecretScope says where a provider's webhook signing secret lives.
type SecretScope int

const (
	// AppSecret is one secret for the whole provider app.
	AppSecret SecretScope = iota
	// InstallationSecret is generated per installation at webhook registration.
	InstallationSecret
)

type AuthorizeOptions struct {
	RedirectURI string
}

// CallbackParams is what the provider sent back to the OAuth callback.
type CallbackParams struct {
	Code        string
	State       string
	RedirectURI string
	Query       url.Values
}

// TokenSet is a plaintext credential. It only exists transiently.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    *time.Time
}

// Expired reports whether the token is unusable at now, treating anything
// within skew of expiry as expired. Non-expiring tokens never expire.
func (t TokenSet) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*t.ExpiresAt)
}

// Grant is the outcome of a successful code exchange.
type Grant struct {
	ExternalID   string
	AccountLabel string
	// Token is nil for providers that mint credentials on demand.
	Token    *TokenSet
	Metadata store.Metadata
	// CompletionURL is a provider-mandated final redirect, empty if none.
	CompletionURL string
}

// InstallationRef identifies the provider-side installation for calls
// made after the callback.
type InstallationRef struct {
	ID         string
	ExternalID string
	Metadata   store.Metadata
}

// Provider is the contract every provider satisfies.
type Provider interface {
	Name() string
	AuthorizationURL(state string, opts AuthorizeOptions) string
	ExchangeCode(ctx context.Context, params CallbackParams) (*Grant, error)
	// RefreshToken returns ErrRefreshUnsupported when the provider has no
	// refresh path.
	RefreshToken(ctx context.Context, ref InstallationRef, tok TokenSet) (*TokenSet, error)
	RevokeToken(ctx context.Context, ref InstallationRef, tok TokenSet) error

	SecretScope() SecretScope
	// WebhookSecret is the app-level signing secret, empty for
	// InstallationSecret providers.
	WebhookSecret() string
	VerifyWebhook(body []byte, headers http.Header, secret string) bool

	DeliveryID(headers http.Header, payload []byte) string
	EventType(headers http.Header, payload []byte) string
	ResourceID(headers http.Header, payload []byte) string
	// AccountID names the installation a delivery belongs to, read before
	// verification to find an InstallationSecret.
	AccountID(headers http.Header, payload []byte) string
}

// WebhookRegistrar is implemented by providers that need an explicit
// webhook subscription per installation.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, ref InstallationRef, tok TokenSet, callbackURL, secret string) (string, error)
	DeregisterWebhook(ctx context.Context, ref InstallationRef, tok TokenSet, subscriptionID string) error
}

// TokenMinter is implemented by providers whose installation credentials
// are short-lived and regenerated on demand instead of stored.
type TokenMinter interface {
	MintToken(ctx context.Context, ref InstallationRef) (*TokenSet, error)
}
