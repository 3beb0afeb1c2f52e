package models

import (
	"time"
)

// Token validity windows enforced by the primary provider.
const (
	AccessTokenLifetime  = 30 * time.Minute
	RefreshTokenLifetime = 7 * 24 * time.Hour
)

// Credential is one issued OAuth token set. Credentials are never mutated;
// every refresh produces a new one and the newest by IssuedAt is authoritative.
type Credential struct {
	ID           string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	IssuedAt     time.Time
	ExpiresIn    time.Duration

	// RefreshIssuedAt anchors the refresh token's validity window. It is the
	// time of the interactive authentication that started the chain.
	RefreshIssuedAt time.Time
}

// AccessExpiresAt returns when the access token stops being accepted.
func (c *Credential) AccessExpiresAt() time.Time {
	ttl := c.ExpiresIn
	if ttl <= 0 {
		ttl = AccessTokenLifetime
	}
	return c.IssuedAt.Add(ttl)
}

// RefreshAnchor returns the start of the refresh token's validity window.
func (c *Credential) RefreshAnchor() time.Time {
	if c.RefreshIssuedAt.IsZero() {
		return c.IssuedAt
	}
	return c.RefreshIssuedAt
}

// RefreshExpiresAt returns when the refresh token stops being accepted.
func (c *Credential) RefreshExpiresAt() time.Time {
	return c.RefreshAnchor().Add(RefreshTokenLifetime)
}

// AccessRemaining returns the access token lifetime left at now.
func (c *Credential) AccessRemaining(now time.Time) time.Duration {
	return c.AccessExpiresAt().Sub(now)
}

// RefreshRemaining returns the refresh token lifetime left at now.
func (c *Credential) RefreshRemaining(now time.Time) time.Duration {
	return c.RefreshExpiresAt().Sub(now)
}

// RefreshExpired reports whether the refresh token is past its window.
func (c *Credential) RefreshExpired(now time.Time) bool {
	return !now.Before(c.RefreshExpiresAt())
}
