// Package auth manages the OAuth credential chain of the primary market data
// provider: interactive authorization, refresh, and persistence.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

const providerName = "schwab"

// Exchanger performs the OAuth grants against the provider.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*models.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*models.Credential, error)
}

// SchwabOAuth implements Exchanger with HTTP Basic client authentication.
type SchwabOAuth struct {
	cfg        *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// OAuthOption configures SchwabOAuth.
type OAuthOption func(*SchwabOAuth)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) OAuthOption {
	return func(o *SchwabOAuth) { o.httpClient = c }
}

// NewSchwabOAuth creates an exchanger from app credentials and endpoints.
func NewSchwabOAuth(creds config.SchwabCredentials, endpoints config.SchwabConfig, opts ...OAuthOption) *SchwabOAuth {
	o := &SchwabOAuth{
		cfg: &oauth2.Config{
			ClientID:     creds.AppKey,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  endpoints.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AuthCodeURL returns the URL the user must visit to authorize the app.
func (o *SchwabOAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

func (o *SchwabOAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// Exchange trades an authorization code for a new credential chain.
func (o *SchwabOAuth) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	issuedAt := o.now()
	tok, err := o.cfg.Exchange(o.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError("exchange", err)
	}
	cred := credentialFromToken(tok, issuedAt)
	cred.RefreshIssuedAt = issuedAt
	return cred, nil
}

// Refresh trades a refresh token for a new access token.
func (o *SchwabOAuth) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	issuedAt := o.now()
	src := o.cfg.TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}
	cred := credentialFromToken(tok, issuedAt)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// classifyTokenError maps rejected grants to ErrAuthExpired and everything
// else to a ProviderError.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return apperrors.NewProviderError(providerName, op, "", 0, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	switch {
	case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client", re.ErrorCode == "unauthorized_client",
		status == http.StatusUnauthorized, status == http.StatusBadRequest:
		return apperrors.Wrapf(apperrors.ErrAuthExpired, "%s rejected (status %d, %s)", op, status, re.ErrorCode)
	case status == http.StatusTooManyRequests:
		return apperrors.NewProviderError(providerName, op, "", status, apperrors.ErrRateLimited)
	default:
		return apperrors.NewProviderError(providerName, op, "", status, err)
	}
}

func credentialFromToken(tok *oauth2.Token, issuedAt time.Time) *models.Credential {
	cred := &models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     issuedAt,
		ExpiresIn:    expiresIn(tok, issuedAt),
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		cred.IDToken = s
	}
	if s, ok := tok.Extra("scope").(string); ok {
		cred.Scope = s
	}
	return cred
}

// expiresIn prefers the raw expires_in field and falls back to Expiry.
func expiresIn(tok *oauth2.Token, issuedAt time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(issuedAt).Round(time.Second)
	}
	return models.AccessTokenLifetime
}
