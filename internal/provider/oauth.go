package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// oauthClient wraps an oauth2.Config so exchanges and refreshes run on
// the provider's bounded HTTP client.
type oauthClient struct {
	cfg    oauth2.Config
	client *http.Client
}

func (o *oauthClient) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

func (o *oauthClient) authCodeURL(state, redirectURI string, opts ...oauth2.AuthCodeOption) string {
	cfg := o.cfg
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, opts...)
}

func (o *oauthClient) exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	cfg := o.cfg
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(o.ctx(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

func (o *oauthClient) refresh(ctx context.Context, tok TokenSet) (*TokenSet, error) {
	if tok.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}
	// An expired token with a refresh token makes the source refresh.
	src := o.cfg.TokenSource(o.ctx(ctx), &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return fromOAuth2(fresh), nil
}

func fromOAuth2(tok *oauth2.Token) *TokenSet {
	out := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		out.Scope = s
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	return out
}
