package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/relaygate/internal/storage"
)

// SaveToken upserts the sealed token for an installation.
func (s *Store) SaveToken(ctx context.Context, tok Token) error {
	if tok.InstallationID == "" || tok.AccessToken == "" {
		return fmt.Errorf("installation id and access token are required")
	}
	if tok.TokenType == "" {
		tok.TokenType = "bearer"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tokens(installation_id, access_token, refresh_token, expires_at, token_type, scope, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(installation_id) DO UPDATE SET
  access_token = excluded.access_token,
  refresh_token = excluded.refresh_token,
  expires_at = excluded.expires_at,
  token_type = excluded.token_type,
  scope = excluded.scope,
  updated_at = excluded.updated_at;
`, tok.InstallationID, tok.AccessToken, storage.NullString(tok.RefreshToken), storage.NullTime(tok.ExpiresAt),
		tok.TokenType, tok.Scope, s.timestamp())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, installationID string) (Token, error) {
	var (
		tok       Token
		refresh   sql.NullString
		expiresAt sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT installation_id, access_token, refresh_token, expires_at, token_type, scope, updated_at
FROM tokens
WHERE installation_id = ?;
`, installationID).Scan(&tok.InstallationID, &tok.AccessToken, &refresh, &expiresAt, &tok.TokenType, &tok.Scope, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("get token: %w", err)
	}
	tok.RefreshToken = refresh.String
	tok.ExpiresAt = storage.ParseNullTime(expiresAt)
	tok.UpdatedAt = storage.ParseTime(updatedAt)
	return tok, nil
}

// DeleteToken drops stored credentials; installations themselves are never deleted.
func (s *Store) DeleteToken(ctx context.Context, installationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE installation_id = ?;`, installationID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
