// Package auth authenticates internal callers: service tokens with scopes
// for the internal API, and signed caller assertions naming the end user
// on whose behalf a connection is started.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mattjoyce/relaygate/internal/secure"
)

// Scopes granted to service tokens.
const (
	ScopeConnect = "connect"
	ScopeVault   = "vault"
	ScopeAdmin   = "admin"
	ScopeAll     = "*"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing service token")
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens.
// Every configured token is compared so timing does not reveal which one
// matched.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	var (
		found Principal
		ok    bool
	)
	for _, t := range tokens {
		if t.Token != "" && secure.ConstantTimeEqual(presented, t.Token) && !ok {
			found = Principal{Name: t.Name, Scopes: normalizeScopes(t.Scopes)}
			ok = true
		}
	}
	return found, ok
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Admin can inspect connections, but vault access is always explicit.
	if _, ok := out[ScopeAdmin]; ok {
		out[ScopeConnect] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
