package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

var linearDefaultScopes = []string{"read", "write", "admin"}

var linearResourceTypes = []string{"Issue", "Comment", "Project", "Cycle", "IssueLabel"}

// Linear is an OAuth2 app. Webhooks are not part of the app, so each
// installation registers its own with a generated secret.
type Linear struct {
	oauth   *oauthClient
	apiBase string
	client  *http.Client
}

func NewLinear(pc config.ProviderConfig, client *http.Client) (*Linear, error) {
	if err := requireFields(map[string]string{
		"client_id":     pc.ClientID,
		"client_secret": pc.ClientSecret,
	}); err != nil {
		return nil, err
	}
	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = linearDefaultScopes
	}
	authBase := trimBase(pc.AuthBaseURL, "https://linear.app")
	apiBase := trimBase(pc.APIBaseURL, "https://api.linear.app")
	return &Linear{
		oauth: &oauthClient{
			cfg: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:   authBase + "/oauth/authorize",
					TokenURL:  apiBase + "/oauth/token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			client: client,
		},
		apiBase: apiBase,
		client:  client,
	}, nil
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) AuthorizationURL(state string, opts AuthorizeOptions) string {
	return l.oauth.authCodeURL(state, opts.RedirectURI,
		oauth2.SetAuthURLParam("actor", "application"),
		oauth2.SetAuthURLParam("prompt", "consent"))
}

func (l *Linear) ExchangeCode(ctx context.Context, params CallbackParams) (*Grant, error) {
	tok, err := l.oauth.exchange(ctx, params.Code, params.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}

	var viewer struct {
		Viewer struct {
			ID           string `json:"id"`
			Organization struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				URLKey string `json:"urlKey"`
			} `json:"organization"`
		} `json:"viewer"`
	}
	if err := l.graphql(ctx, tok.AccessToken, `query { viewer { id organization { id name urlKey } } }`, nil, &viewer); err != nil {
		return nil, fmt.Errorf("linear viewer: %w", err)
	}
	org := viewer.Viewer.Organization
	if org.ID == "" {
		return nil, fmt.Errorf("linear viewer: organization id missing")
	}
	return &Grant{
		ExternalID:   org.ID,
		AccountLabel: org.Name,
		Token:        fromOAuth2(tok),
		Metadata: store.LinearMetadata{
			OrganizationURLKey: org.URLKey,
			ViewerID:           viewer.Viewer.ID,
		},
	}, nil
}

func (l *Linear) RefreshToken(ctx context.Context, _ InstallationRef, tok TokenSet) (*TokenSet, error) {
	return l.oauth.refresh(ctx, tok)
}

func (l *Linear) RevokeToken(ctx context.Context, _ InstallationRef, tok TokenSet) error {
	form := url.Values{"token": {tok.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+"/oauth/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("linear revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Body: "revoke failed"}
	}
	return nil
}

func (l *Linear) RegisterWebhook(ctx context.Context, _ InstallationRef, tok TokenSet, callbackURL, secret string) (string, error) {
	var out struct {
		WebhookCreate struct {
			Success bool `json:"success"`
			Webhook struct {
				ID string `json:"id"`
			} `json:"webhook"`
		} `json:"webhookCreate"`
	}
	vars := map[string]any{
		"input": map[string]any{
			"url":            callbackURL,
			"secret":         secret,
			"allPublicTeams": true,
			"resourceTypes":  linearResourceTypes,
			"label":          "relaygate",
		},
	}
	err := l.graphql(ctx, tok.AccessToken,
		`mutation($input: WebhookCreateInput!) { webhookCreate(input: $input) { success webhook { id } } }`, vars, &out)
	if err != nil {
		return "", fmt.Errorf("linear webhookCreate: %w", err)
	}
	if !out.WebhookCreate.Success || out.WebhookCreate.Webhook.ID == "" {
		return "", fmt.Errorf("linear webhookCreate: not successful")
	}
	return out.WebhookCreate.Webhook.ID, nil
}

func (l *Linear) DeregisterWebhook(ctx context.Context, _ InstallationRef, tok TokenSet, subscriptionID string) error {
	var out struct {
		WebhookDelete struct {
			Success bool `json:"success"`
		} `json:"webhookDelete"`
	}
	err := l.graphql(ctx, tok.AccessToken, `mutation($id: String!) { webhookDelete(id: $id) { success } }`,
		map[string]any{"id": subscriptionID}, &out)
	if err != nil {
		return fmt.Errorf("linear webhookDelete: %w", err)
	}
	if !out.WebhookDelete.Success {
		return fmt.Errorf("linear webhookDelete: not successful")
	}
	return nil
}

func (l *Linear) SecretScope() SecretScope { return InstallationSecret }
func (l *Linear) WebhookSecret() string    { return "" }

func (l *Linear) VerifyWebhook(body []byte, headers http.Header, secret string) bool {
	return secure.VerifyHMAC(secure.SHA256, secret, body, headers.Get("Linear-Signature"), "")
}

func (l *Linear) DeliveryID(headers http.Header, _ []byte) string {
	return headerOr(headers, "Linear-Delivery", FallbackDeliveryID())
}

func (l *Linear) EventType(headers http.Header, payload []byte) string {
	return joinEvent(headerOr(headers, "Linear-Event", field(payload, "type")), field(payload, "action"))
}

func (l *Linear) ResourceID(_ http.Header, payload []byte) string {
	return firstField(payload, "data.teamId", "data.team.id")
}

func (l *Linear) AccountID(_ http.Header, payload []byte) string {
	return field(payload, "organizationId")
}

type graphqlError struct {
	Message string `json:"message"`
}

func (l *Linear) graphql(ctx context.Context, token, query string, vars map[string]any, out any) error {
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError   `json:"errors"`
	}
	body := map[string]any{"query": query}
	if vars != nil {
		body["variables"] = vars
	}
	if err := doJSON(ctx, l.client, http.MethodPost, l.apiBase+"/graphql", token, body, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return fmt.Errorf("graphql: empty data")
	}
	return json.Unmarshal(resp.Data, out)
}
