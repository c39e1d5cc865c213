package provider

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

// GitHub is a GitHub App. Installation tokens last an hour and are minted
// from an app JWT, so nothing is stored at callback time. The app must
// request user authorization during installation so the callback carries a
// code tying the installation to the user who made it.
type GitHub struct {
	key           *rsa.PrivateKey
	oauth         *oauthClient
	client        *http.Client
	now           func() time.Time
	appID         string
	slug          string
	webhookSecret string
	apiBase       string
	authBase      string
}

func NewGitHub(pc config.ProviderConfig, client *http.Client) (*GitHub, error) {
	if err := requireFields(map[string]string{
		"app_id":         pc.AppID,
		"slug":           pc.Slug,
		"client_id":      pc.ClientID,
		"client_secret":  pc.ClientSecret,
		"private_key":    pc.PrivateKey,
		"webhook_secret": pc.WebhookSecret,
	}); err != nil {
		return nil, err
	}
	key, err := secure.ParseRSAPrivateKey(pc.PrivateKey)
	if err != nil {
		return nil, err
	}
	authBase := trimBase(pc.AuthBaseURL, "https://github.com")
	return &GitHub{
		appID:         pc.AppID,
		slug:          pc.Slug,
		key:           key,
		webhookSecret: pc.WebhookSecret,
		apiBase:       trimBase(pc.APIBaseURL, "https://api.github.com"),
		authBase:      authBase,
		client:        client,
		now:           time.Now,
		oauth: &oauthClient{
			cfg: oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   authBase + "/login/oauth/authorize",
					TokenURL:  authBase + "/login/oauth/access_token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			client: client,
		},
	}, nil
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) AuthorizationURL(state string, _ AuthorizeOptions) string {
	return g.authBase + "/apps/" + url.PathEscape(g.slug) + "/installations/new?state=" + url.QueryEscape(state)
}

type githubInstallation struct {
	ID      int64 `json:"id"`
	Account struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
}

// githubInstallationsPerPage is the largest page /user/installations serves.
const githubInstallationsPerPage = 100

// ExchangeCode redeems the user code and accepts the installation only if
// that user can access it. The installation itself is then read with the
// app JWT.
func (g *GitHub) ExchangeCode(ctx context.Context, params CallbackParams) (*Grant, error) {
	raw := params.Query.Get("installation_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("github callback: invalid installation_id %q", raw)
	}
	user, err := g.oauth.exchange(ctx, params.Code, params.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("github callback: %w", err)
	}
	ok, err := g.userCanAccess(ctx, user.AccessToken, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("github callback: installation %d is not accessible to the authorizing user", id)
	}
	jwt, err := secure.SignAppJWT(g.appID, g.key, g.now())
	if err != nil {
		return nil, err
	}

	var inst githubInstallation
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/app/installations/%d", id), jwt, nil, &inst); err != nil {
		return nil, fmt.Errorf("github get installation: %w", err)
	}
	return &Grant{
		ExternalID:   strconv.FormatInt(inst.ID, 10),
		AccountLabel: inst.Account.Login,
		Metadata: store.GitHubMetadata{
			InstallationID: inst.ID,
			AccountType:    inst.Account.Type,
			TargetID:       inst.Account.ID,
			SetupAction:    params.Query.Get("setup_action"),
		},
	}, nil
}

// userCanAccess pages through the installations visible to a user token.
func (g *GitHub) userCanAccess(ctx context.Context, userToken string, id int64) (bool, error) {
	for page := 1; ; page++ {
		var out struct {
			Installations []githubInstallation `json:"installations"`
		}
		path := fmt.Sprintf("/user/installations?per_page=%d&page=%d", githubInstallationsPerPage, page)
		if err := g.do(ctx, http.MethodGet, path, userToken, nil, &out); err != nil {
			return false, fmt.Errorf("github list user installations: %w", err)
		}
		for _, inst := range out.Installations {
			if inst.ID == id {
				return true, nil
			}
		}
		if len(out.Installations) < githubInstallationsPerPage {
			return false, nil
		}
	}
}

// MintToken creates a fresh installation access token.
func (g *GitHub) MintToken(ctx context.Context, ref InstallationRef) (*TokenSet, error) {
	id, err := githubInstallationID(ref)
	if err != nil {
		return nil, err
	}
	jwt, err := secure.SignAppJWT(g.appID, g.key, g.now())
	if err != nil {
		return nil, err
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/app/installations/%d/access_tokens", id), jwt, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("github mint token: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("github mint token: empty token")
	}
	tok := &TokenSet{AccessToken: out.Token, TokenType: "token"}
	if !out.ExpiresAt.IsZero() {
		exp := out.ExpiresAt.UTC()
		tok.ExpiresAt = &exp
	}
	return tok, nil
}

func (g *GitHub) RefreshToken(context.Context, InstallationRef, TokenSet) (*TokenSet, error) {
	return nil, ErrRefreshUnsupported
}

// RevokeToken uninstalls the app from the account.
func (g *GitHub) RevokeToken(ctx context.Context, ref InstallationRef, _ TokenSet) error {
	id, err := githubInstallationID(ref)
	if err != nil {
		return err
	}
	jwt, err := secure.SignAppJWT(g.appID, g.key, g.now())
	if err != nil {
		return err
	}
	if err := g.do(ctx, http.MethodDelete, fmt.Sprintf("/app/installations/%d", id), jwt, nil, nil); err != nil {
		return fmt.Errorf("github delete installation: %w", err)
	}
	return nil
}

func (g *GitHub) SecretScope() SecretScope { return AppSecret }
func (g *GitHub) WebhookSecret() string    { return g.webhookSecret }

func (g *GitHub) VerifyWebhook(body []byte, headers http.Header, secret string) bool {
	return secure.VerifyHMAC(secure.SHA256, secret, body, headers.Get("X-Hub-Signature-256"), "sha256=")
}

func (g *GitHub) DeliveryID(headers http.Header, _ []byte) string {
	return headerOr(headers, "X-GitHub-Delivery", FallbackDeliveryID())
}

func (g *GitHub) EventType(headers http.Header, payload []byte) string {
	return joinEvent(headers.Get("X-GitHub-Event"), field(payload, "action"))
}

func (g *GitHub) ResourceID(_ http.Header, payload []byte) string {
	return firstField(payload, "repository.id", "installation.id")
}

func (g *GitHub) AccountID(_ http.Header, payload []byte) string {
	return field(payload, "installation.id")
}

func (g *GitHub) do(ctx context.Context, method, path, bearer string, body, out any) error {
	return doJSON(ctx, g.client, method, g.apiBase+path, bearer, body, out)
}

func githubInstallationID(ref InstallationRef) (int64, error) {
	if m, ok := ref.Metadata.(store.GitHubMetadata); ok && m.InstallationID > 0 {
		return m.InstallationID, nil
	}
	id, err := strconv.ParseInt(ref.ExternalID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("github installation id %q: %w", ref.ExternalID, err)
	}
	return id, nil
}
