package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/store"
)

// AccessToken is a usable provider credential handed to internal callers.
type AccessToken struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func fromTokenSet(t provider.TokenSet) AccessToken {
	return AccessToken{AccessToken: t.AccessToken, TokenType: t.TokenType, ExpiresAt: t.ExpiresAt}
}

// AccessToken returns a usable credential for the installation, minting,
// decrypting or refreshing as the provider requires. It never returns an
// expired token.
//
// Concurrent calls for one expired token may both refresh; the last write
// wins.
func (m *Manager) AccessToken(ctx context.Context, installationID string) (AccessToken, error) {
	inst, err := m.store.GetInstallation(ctx, installationID)
	if err != nil {
		return AccessToken{}, err
	}
	switch inst.Status {
	case store.InstallationActive:
	case store.InstallationError:
		return AccessToken{}, ErrReauthorizationRequired
	default:
		return AccessToken{}, fmt.Errorf("%w: %s", ErrInstallationInactive, inst.Status)
	}

	p, err := m.providers.Get(inst.Provider)
	if err != nil {
		return AccessToken{}, err
	}

	if minter, ok := p.(provider.TokenMinter); ok {
		tok, err := minter.MintToken(ctx, m.ref(inst))
		if err != nil {
			return AccessToken{}, fmt.Errorf("mint token: %w", err)
		}
		return fromTokenSet(*tok), nil
	}

	tok, err := m.loadToken(ctx, inst.ID)
	if errors.Is(err, store.ErrNotFound) {
		return AccessToken{}, ErrReauthorizationRequired
	}
	if err != nil {
		return AccessToken{}, err
	}
	if !tok.Expired(m.now(), m.opts.RefreshSkew) {
		return fromTokenSet(tok), nil
	}
	if tok.RefreshToken == "" {
		return AccessToken{}, ErrReauthorizationRequired
	}

	logger := m.logger.With("installation_id", inst.ID, "provider", inst.Provider)
	fresh, err := p.RefreshToken(ctx, m.ref(inst), tok)
	if errors.Is(err, provider.ErrRefreshUnsupported) {
		return AccessToken{}, ErrReauthorizationRequired
	}
	if err != nil {
		if grantRejected(err) {
			logger.Warn("refresh token rejected", "error", err)
			if serr := m.store.UpdateInstallationStatus(ctx, inst.ID, store.InstallationError); serr != nil {
				logger.Error("failed to mark installation errored", "error", serr)
			}
			return AccessToken{}, ErrReauthorizationRequired
		}
		return AccessToken{}, fmt.Errorf("refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		// Providers that do not rotate keep the original refresh token valid.
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.saveToken(ctx, inst.ID, *fresh); err != nil {
		return AccessToken{}, err
	}
	logger.Info("token refreshed")
	return fromTokenSet(*fresh), nil
}

// grantRejected reports whether the provider refused the refresh token
// itself, as opposed to failing transiently.
func grantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return true
		}
		return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
	}
	var ae *provider.APIError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusBadRequest || ae.Status == http.StatusUnauthorized
	}
	return false
}

func (m *Manager) saveToken(ctx context.Context, installationID string, tok provider.TokenSet) error {
	access, err := m.cipher.Encrypt(tok.AccessToken, aad(installationID, fieldAccessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	var refresh string
	if tok.RefreshToken != "" {
		refresh, err = m.cipher.Encrypt(tok.RefreshToken, aad(installationID, fieldRefreshToken))
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	return m.store.SaveToken(ctx, store.Token{
		InstallationID: installationID,
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresAt:      tok.ExpiresAt,
		TokenType:      tok.TokenType,
		Scope:          tok.Scope,
	})
}

func (m *Manager) loadToken(ctx context.Context, installationID string) (provider.TokenSet, error) {
	row, err := m.store.GetToken(ctx, installationID)
	if err != nil {
		return provider.TokenSet{}, err
	}
	access, err := m.cipher.Decrypt(row.AccessToken, aad(installationID, fieldAccessToken))
	if err != nil {
		return provider.TokenSet{}, fmt.Errorf("open access token: %w", err)
	}
	tok := provider.TokenSet{
		AccessToken: access,
		TokenType:   row.TokenType,
		Scope:       row.Scope,
		ExpiresAt:   row.ExpiresAt,
	}
	if row.RefreshToken != "" {
		tok.RefreshToken, err = m.cipher.Decrypt(row.RefreshToken, aad(installationID, fieldRefreshToken))
		if err != nil {
			return provider.TokenSet{}, fmt.Errorf("open refresh token: %w", err)
		}
	}
	return tok, nil
}
