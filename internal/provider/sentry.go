package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

// Sentry is an integration platform app. Tokens expire after hours and are
// refreshed against the same authorizations endpoint.
type Sentry struct {
	clientID      string
	clientSecret  string
	slug          string
	webhookSecret string
	apiBase       string
	client        *http.Client
}

func NewSentry(pc config.ProviderConfig, client *http.Client) (*Sentry, error) {
	if err := requireFields(map[string]string{
		"client_id":     pc.ClientID,
		"client_secret": pc.ClientSecret,
		"slug":          pc.Slug,
	}); err != nil {
		return nil, err
	}
	secret := pc.WebhookSecret
	if secret == "" {
		secret = pc.ClientSecret
	}
	return &Sentry{
		clientID:      pc.ClientID,
		clientSecret:  pc.ClientSecret,
		slug:          pc.Slug,
		webhookSecret: secret,
		apiBase:       trimBase(pc.APIBaseURL, "https://sentry.io"),
		client:        client,
	}, nil
}

func (s *Sentry) Name() string { return "sentry" }

func (s *Sentry) AuthorizationURL(state string, _ AuthorizeOptions) string {
	return s.apiBase + "/sentry-apps/" + url.PathEscape(s.slug) + "/external-install/?state=" + url.QueryEscape(state)
}

type sentryAuthorization struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes"`
}

func (a sentryAuthorization) tokenSet() *TokenSet {
	tok := &TokenSet{AccessToken: a.Token, RefreshToken: a.RefreshToken, TokenType: "bearer"}
	for i, sc := range a.Scopes {
		if i > 0 {
			tok.Scope += " "
		}
		tok.Scope += sc
	}
	if !a.ExpiresAt.IsZero() {
		exp := a.ExpiresAt.UTC()
		tok.ExpiresAt = &exp
	}
	return tok
}

func (s *Sentry) ExchangeCode(ctx context.Context, params CallbackParams) (*Grant, error) {
	installID := params.Query.Get("installationId")
	if installID == "" {
		return nil, fmt.Errorf("sentry callback: installationId missing")
	}
	if params.Code == "" {
		return nil, fmt.Errorf("sentry callback: code missing")
	}

	auth, err := s.authorize(ctx, installID, map[string]string{
		"grant_type": "authorization_code",
		"code":       params.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry exchange: %w", err)
	}

	// The install stays pending on Sentry's side until it is verified.
	if err := doJSON(ctx, s.client, http.MethodPut, s.installationURL(installID), auth.Token,
		map[string]string{"status": "installed"}, nil); err != nil {
		return nil, fmt.Errorf("sentry verify install: %w", err)
	}

	orgSlug := params.Query.Get("orgSlug")
	return &Grant{
		ExternalID:   installID,
		AccountLabel: orgSlug,
		Token:        auth.tokenSet(),
		Metadata:     store.SentryMetadata{InstallationUUID: installID, OrgSlug: orgSlug},
	}, nil
}

func (s *Sentry) RefreshToken(ctx context.Context, ref InstallationRef, tok TokenSet) (*TokenSet, error) {
	if tok.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}
	auth, err := s.authorize(ctx, ref.ExternalID, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": tok.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry refresh: %w", err)
	}
	return auth.tokenSet(), nil
}

func (s *Sentry) RevokeToken(ctx context.Context, ref InstallationRef, tok TokenSet) error {
	if err := doJSON(ctx, s.client, http.MethodDelete, s.installationURL(ref.ExternalID), tok.AccessToken, nil, nil); err != nil {
		return fmt.Errorf("sentry delete installation: %w", err)
	}
	return nil
}

func (s *Sentry) SecretScope() SecretScope { return AppSecret }
func (s *Sentry) WebhookSecret() string    { return s.webhookSecret }

func (s *Sentry) VerifyWebhook(body []byte, headers http.Header, secret string) bool {
	return secure.VerifyHMAC(secure.SHA256, secret, body, headers.Get("Sentry-Hook-Signature"), "")
}

func (s *Sentry) DeliveryID(headers http.Header, _ []byte) string {
	return headerOr(headers, "Request-ID", FallbackDeliveryID())
}

func (s *Sentry) EventType(headers http.Header, payload []byte) string {
	return joinEvent(headers.Get("Sentry-Hook-Resource"), field(payload, "action"))
}

func (s *Sentry) ResourceID(_ http.Header, payload []byte) string {
	return firstField(payload, "data.issue.project.id", "data.event.project", "data.error.project")
}

func (s *Sentry) AccountID(_ http.Header, payload []byte) string {
	return field(payload, "installation.uuid")
}

func (s *Sentry) installationURL(id string) string {
	return s.apiBase + "/api/0/sentry-app-installations/" + url.PathEscape(id) + "/"
}

func (s *Sentry) authorize(ctx context.Context, installID string, grant map[string]string) (sentryAuthorization, error) {
	grant["client_id"] = s.clientID
	grant["client_secret"] = s.clientSecret
	var out sentryAuthorization
	if err := doJSON(ctx, s.client, http.MethodPost, s.installationURL(installID)+"authorizations/", "", grant, &out); err != nil {
		return sentryAuthorization{}, err
	}
	if out.Token == "" {
		return sentryAuthorization{}, fmt.Errorf("empty token")
	}
	return out, nil
}
