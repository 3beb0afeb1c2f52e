package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-scanner/internal/config"
	apperrors "market-scanner/internal/errors"
)

func newTestOAuth(t *testing.T, handler http.HandlerFunc) *SchwabOAuth {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewSchwabOAuth(
		config.SchwabCredentials{AppKey: "app-key", ClientSecret: "secret"},
		config.SchwabConfig{
			AuthURL:     srv.URL + "/v1/oauth/authorize",
			TokenURL:    srv.URL + "/v1/oauth/token",
			RedirectURL: "https://127.0.0.1",
		},
		WithHTTPClient(srv.Client()),
	)
}

func writeToken(w http.ResponseWriter, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestExchangeSendsBasicAuth(t *testing.T) {
	var form url.Values
	o := newTestOAuth(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app-key", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		form = r.PostForm

		writeToken(w, map[string]interface{}{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    1800,
			"scope":         "api",
			"id_token":      "id.jwt",
		})
	})

	fixed := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }

	cred, err := o.Exchange(context.Background(), "abc@")
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "abc@", form.Get("code"))
	assert.Equal(t, "https://127.0.0.1", form.Get("redirect_uri"))

	assert.Equal(t, "access", cred.AccessToken)
	assert.Equal(t, "refresh", cred.RefreshToken)
	assert.Equal(t, "id.jwt", cred.IDToken)
	assert.Equal(t, "api", cred.Scope)
	assert.Equal(t, 30*time.Minute, cred.ExpiresIn)
	assert.True(t, fixed.Equal(cred.RefreshIssuedAt))
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	o := newTestOAuth(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		writeToken(w, map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   1800,
		})
	})

	cred, err := o.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "old-refresh", cred.RefreshToken)
	assert.True(t, cred.RefreshIssuedAt.IsZero())
}

func TestRefreshInvalidGrantIsAuthExpired(t *testing.T) {
	o := newTestOAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token expired"}`))
	})

	_, err := o.Refresh(context.Background(), "stale")
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
}

func TestRefreshServerErrorIsProviderError(t *testing.T) {
	o := newTestOAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := o.Refresh(context.Background(), "rt")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.NotErrorIs(t, err, apperrors.ErrAuthExpired)
}

func TestRefreshTooManyRequestsIsRateLimited(t *testing.T) {
	o := newTestOAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := o.Refresh(context.Background(), "rt")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestAuthCodeURL(t *testing.T) {
	o := NewSchwabOAuth(
		config.SchwabCredentials{AppKey: "app-key"},
		config.SchwabConfig{AuthURL: "https://api.schwabapi.com/v1/oauth/authorize", RedirectURL: "https://127.0.0.1"},
	)

	u, err := url.Parse(o.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "app-key", u.Query().Get("client_id"))
	assert.Equal(t, "https://127.0.0.1", u.Query().Get("redirect_uri"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
}
