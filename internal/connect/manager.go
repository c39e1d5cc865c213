// Package connect owns the connection lifecycle: OAuth authorize and
// callback, the token vault, resource linking and teardown.
package connect

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/relaygate/internal/cache"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

var (
	// ErrInvalidState means the callback state is unknown, expired, already
	// used, or issued for another provider.
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrReauthorizationRequired means no usable credential can be produced
	// without the user connecting again.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	ErrAuthorizationDenied     = errors.New("authorization denied by user")
	ErrInstallationInactive    = errors.New("installation is not active")
	ErrInvalidRequest          = errors.New("invalid request")
	// ErrInstallationClaimed means the external account is already active
	// under another org.
	ErrInstallationClaimed = errors.New("installation is connected to another org")
)

type Options struct {
	// PublicURL is the externally reachable base of the ingress listener.
	PublicURL   string
	StateTTL    time.Duration
	RefreshSkew time.Duration
}

// Manager drives installations through their lifecycle.
type Manager struct {
	providers *provider.Registry
	store     *store.Store
	states    cache.StateCache
	routes    cache.RoutingCache
	cipher    *secure.Cipher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func New(reg *provider.Registry, st *store.Store, states cache.StateCache, routes cache.RoutingCache, cipher *secure.Cipher, opts Options) *Manager {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.RefreshSkew < 0 {
		opts.RefreshSkew = 0
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Manager{
		providers: reg,
		store:     st,
		states:    states,
		routes:    routes,
		cipher:    cipher,
		opts:      opts,
		logger:    log.WithComponent("connect"),
		now:       time.Now,
	}
}

// CallbackURL is where a provider sends the user back after consent.
func (m *Manager) CallbackURL(providerName string) string {
	return m.opts.PublicURL + "/oauth/" + providerName + "/callback"
}

// WebhookURL is the ingress path a provider delivers webhooks to.
func (m *Manager) WebhookURL(providerName string) string {
	return m.opts.PublicURL + "/webhooks/" + providerName
}

// Sealed columns are bound to their installation and field so ciphertext
// cannot be moved between rows or columns.
func aad(installationID, field string) string {
	return field + ":" + installationID
}

const (
	fieldAccessToken   = "access_token"
	fieldRefreshToken  = "refresh_token"
	fieldWebhookSecret = "webhook_secret"
)

func (m *Manager) ref(inst store.Installation) provider.InstallationRef {
	return provider.InstallationRef{ID: inst.ID, ExternalID: inst.ExternalID, Metadata: inst.Metadata}
}

// validRedirect accepts absolute http(s) URLs and host-relative paths.
func validRedirect(target string) bool {
	if target == "" {
		return true
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
