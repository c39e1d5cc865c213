package connect

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mattjoyce/relaygate/internal/cache"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/store"
)

// AuthorizeRequest carries the authenticated caller starting a connection.
type AuthorizeRequest struct {
	OrgID          string
	UserID         string
	RedirectTarget string
}

// CallbackResult is a completed connection and where to send the user.
type CallbackResult struct {
	Installation store.Installation
	Created      bool
	RedirectURL  string
}

// Authorize stores a one-time state for the caller and returns the
// provider's consent URL carrying it.
func (m *Manager) Authorize(ctx context.Context, providerName string, req AuthorizeRequest) (string, error) {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	if req.OrgID == "" || req.UserID == "" {
		return "", fmt.Errorf("%w: caller org and user are required", ErrInvalidRequest)
	}
	if !validRedirect(req.RedirectTarget) {
		return "", fmt.Errorf("%w: redirect target must be a path or http(s) url", ErrInvalidRequest)
	}

	state, err := secure.RandomToken(32)
	if err != nil {
		return "", err
	}
	nonce, err := secure.RandomToken(16)
	if err != nil {
		return "", err
	}
	err = m.states.PutState(ctx, state, cache.OAuthState{
		Provider:       providerName,
		OrgID:          req.OrgID,
		UserID:         req.UserID,
		RedirectTarget: req.RedirectTarget,
		Nonce:          nonce,
		CreatedAt:      m.now().UTC(),
	}, m.opts.StateTTL)
	if err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	m.logger.Info("authorization started", "provider", providerName, "org_id", req.OrgID, "user_id", req.UserID)
	return p.AuthorizationURL(state, provider.AuthorizeOptions{RedirectURI: m.CallbackURL(providerName)}), nil
}

// Callback completes a connection. The state is consumed before anything
// else so a replayed callback fails even if the exchange below does.
func (m *Manager) Callback(ctx context.Context, providerName string, query url.Values) (CallbackResult, error) {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return CallbackResult{}, err
	}
	params := provider.CallbackParams{
		Code:        query.Get("code"),
		State:       query.Get("state"),
		RedirectURI: m.CallbackURL(providerName),
		Query:       query,
	}
	if params.State == "" {
		return CallbackResult{}, ErrInvalidState
	}
	st, err := m.states.ConsumeState(ctx, params.State)
	if errors.Is(err, cache.ErrMiss) {
		return CallbackResult{}, ErrInvalidState
	}
	if err != nil {
		return CallbackResult{}, fmt.Errorf("consume oauth state: %w", err)
	}
	if st.Provider != providerName {
		return CallbackResult{}, ErrInvalidState
	}
	if denied := query.Get("error"); denied != "" {
		return CallbackResult{}, fmt.Errorf("%w: %s", ErrAuthorizationDenied, denied)
	}

	grant, err := p.ExchangeCode(ctx, params)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("exchange code: %w", err)
	}

	inst, created, err := m.store.UpsertInstallation(ctx, store.Installation{
		Provider:     providerName,
		ExternalID:   grant.ExternalID,
		AccountLabel: grant.AccountLabel,
		ConnectedBy:  st.UserID,
		OrgID:        st.OrgID,
		Status:       store.InstallationActive,
		Metadata:     grant.Metadata,
	})
	if errors.Is(err, store.ErrInstallationClaimed) {
		m.logger.Warn("callback refused for installation owned by another org",
			"provider", providerName, "external_id", grant.ExternalID, "org_id", st.OrgID, "user_id", st.UserID)
		return CallbackResult{}, ErrInstallationClaimed
	}
	if err != nil {
		return CallbackResult{}, err
	}
	logger := log.WithInstallation(log.WithProvider(m.logger, providerName), inst.ID)

	if grant.Token != nil {
		if err := m.saveToken(ctx, inst.ID, *grant.Token); err != nil {
			return CallbackResult{}, err
		}
	}

	if reg, ok := p.(provider.WebhookRegistrar); ok && grant.Token != nil {
		if err := m.subscribe(ctx, reg, &inst, *grant.Token); err != nil {
			if serr := m.store.UpdateInstallationStatus(ctx, inst.ID, store.InstallationError); serr != nil {
				logger.Error("failed to mark installation errored", "error", serr)
			}
			return CallbackResult{}, fmt.Errorf("register webhook: %w", err)
		}
	}

	redirect := st.RedirectTarget
	if grant.CompletionURL != "" {
		redirect = grant.CompletionURL
	}
	logger.Info("installation connected", "external_id", inst.ExternalID, "created", created)
	return CallbackResult{Installation: inst, Created: created, RedirectURL: redirect}, nil
}

// subscribe registers a fresh webhook with a new secret, replacing any
// subscription a reactivated installation still carries.
func (m *Manager) subscribe(ctx context.Context, reg provider.WebhookRegistrar, inst *store.Installation, tok provider.TokenSet) error {
	if inst.WebhookSubscriptionID != "" {
		if err := reg.DeregisterWebhook(ctx, m.ref(*inst), tok, inst.WebhookSubscriptionID); err != nil {
			m.logger.Warn("failed to remove previous webhook", "installation_id", inst.ID, "error", err)
		}
	}

	secret, err := secure.RandomToken(32)
	if err != nil {
		return err
	}
	subID, err := reg.RegisterWebhook(ctx, m.ref(*inst), tok, m.WebhookURL(inst.Provider), secret)
	if err != nil {
		return err
	}
	sealed, err := m.cipher.Encrypt(secret, aad(inst.ID, fieldWebhookSecret))
	if err != nil {
		return err
	}
	if err := m.store.SetWebhookSubscription(ctx, inst.ID, subID, sealed); err != nil {
		return err
	}
	inst.WebhookSubscriptionID = subID
	inst.WebhookSecret = sealed
	return nil
}

// SigningSecret returns the plaintext per-installation webhook secret for
// the provider account that sent a delivery.
func (m *Manager) SigningSecret(ctx context.Context, providerName, externalID string) (string, error) {
	if externalID == "" {
		return "", store.ErrNotFound
	}
	inst, err := m.store.FindInstallationByExternalID(ctx, providerName, externalID)
	if err != nil {
		return "", err
	}
	if inst.Status != store.InstallationActive || inst.WebhookSecret == "" {
		return "", store.ErrNotFound
	}
	return m.cipher.Decrypt(inst.WebhookSecret, aad(inst.ID, fieldWebhookSecret))
}
