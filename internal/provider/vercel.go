package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

// Vercel is an integration. Its tokens never expire and its callback
// carries the "next" URL the browser must be sent to to finish the install.
type Vercel struct {
	slug          string
	webhookSecret string
	oauth         *oauthClient
	apiBase       string
	authBase      string
	client        *http.Client
}

func NewVercel(pc config.ProviderConfig, client *http.Client) (*Vercel, error) {
	if err := requireFields(map[string]string{
		"client_id":     pc.ClientID,
		"client_secret": pc.ClientSecret,
		"slug":          pc.Slug,
	}); err != nil {
		return nil, err
	}
	apiBase := trimBase(pc.APIBaseURL, "https://api.vercel.com")
	secret := pc.WebhookSecret
	if secret == "" {
		// Vercel signs integration webhooks with the client secret.
		secret = pc.ClientSecret
	}
	return &Vercel{
		slug:          pc.Slug,
		webhookSecret: secret,
		oauth: &oauthClient{
			cfg: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Endpoint: oauth2.Endpoint{
					TokenURL:  apiBase + "/v2/oauth/access_token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			client: client,
		},
		apiBase:  apiBase,
		authBase: trimBase(pc.AuthBaseURL, "https://vercel.com"),
		client:   client,
	}, nil
}

func (v *Vercel) Name() string { return "vercel" }

func (v *Vercel) AuthorizationURL(state string, _ AuthorizeOptions) string {
	return v.authBase + "/integrations/" + url.PathEscape(v.slug) + "/new?state=" + url.QueryEscape(state)
}

func (v *Vercel) ExchangeCode(ctx context.Context, params CallbackParams) (*Grant, error) {
	tok, err := v.oauth.exchange(ctx, params.Code, params.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("vercel: %w", err)
	}

	configID := params.Query.Get("configurationId")
	if configID == "" {
		if s, ok := tok.Extra("installation_id").(string); ok {
			configID = s
		}
	}
	if configID == "" {
		return nil, fmt.Errorf("vercel callback: configurationId missing")
	}
	teamID := params.Query.Get("teamId")
	if teamID == "" {
		if s, ok := tok.Extra("team_id").(string); ok {
			teamID = s
		}
	}
	label := teamID
	if label == "" {
		label = "personal"
	}

	grant := &Grant{
		ExternalID:   configID,
		AccountLabel: label,
		Token:        fromOAuth2(tok),
		Metadata:     store.VercelMetadata{ConfigurationID: configID, TeamID: teamID},
	}
	if next := params.Query.Get("next"); next != "" && isHTTPURL(next) {
		grant.CompletionURL = next
	}
	return grant, nil
}

func (v *Vercel) RefreshToken(context.Context, InstallationRef, TokenSet) (*TokenSet, error) {
	return nil, ErrRefreshUnsupported
}

// RevokeToken removes the integration configuration, which invalidates
// its token.
func (v *Vercel) RevokeToken(ctx context.Context, ref InstallationRef, tok TokenSet) error {
	u := v.apiBase + "/v1/integrations/configuration/" + url.PathEscape(ref.ExternalID)
	if m, ok := ref.Metadata.(store.VercelMetadata); ok && m.TeamID != "" {
		u += "?teamId=" + url.QueryEscape(m.TeamID)
	}
	if err := doJSON(ctx, v.client, http.MethodDelete, u, tok.AccessToken, nil, nil); err != nil {
		return fmt.Errorf("vercel delete configuration: %w", err)
	}
	return nil
}

func (v *Vercel) SecretScope() SecretScope { return AppSecret }
func (v *Vercel) WebhookSecret() string    { return v.webhookSecret }

func (v *Vercel) VerifyWebhook(body []byte, headers http.Header, secret string) bool {
	return secure.VerifyHMAC(secure.SHA1, secret, body, headers.Get("X-Vercel-Signature"), "")
}

func (v *Vercel) DeliveryID(_ http.Header, payload []byte) string {
	if id := field(payload, "id"); id != "" {
		return id
	}
	return FallbackDeliveryID()
}

func (v *Vercel) EventType(_ http.Header, payload []byte) string {
	return joinEvent(field(payload, "type"), "")
}

func (v *Vercel) ResourceID(_ http.Header, payload []byte) string {
	return firstField(payload, "payload.project.id", "payload.projectId")
}

func (v *Vercel) AccountID(_ http.Header, payload []byte) string {
	return firstField(payload, "payload.team.id", "payload.user.id")
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" && !strings.ContainsAny(u.Host, " \t")
}
