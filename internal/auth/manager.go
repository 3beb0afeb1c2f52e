package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// State describes where the credential chain stands.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateValid           State = "VALID"
	StateExpiring        State = "EXPIRING"
	StateRefreshing      State = "REFRESHING"
	StateRefreshExpired  State = "REFRESH_EXPIRED"
)

// DefaultSafetyMargin is how much access-token life must remain for a cached
// token to be handed out without refreshing.
const DefaultSafetyMargin = 60 * time.Second

// refreshTimeout bounds a refresh that outlives the caller that started it.
const refreshTimeout = 30 * time.Second

// CredentialStore is the persistence the manager needs.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred *models.Credential) error
	LoadLatestCredential(ctx context.Context) (*models.Credential, error)
}

// Manager hands out valid access tokens and keeps the credential chain fresh.
// It is safe for concurrent use; concurrent refreshes collapse into one.
type Manager struct {
	exchanger Exchanger
	store     CredentialStore
	logger    zerolog.Logger
	margin    time.Duration
	now       func() time.Time

	mu         sync.RWMutex
	cred       *models.Credential
	rejected   bool
	refreshing bool

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. Call Load to resume a persisted chain.
func NewManager(exchanger Exchanger, store CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		exchanger: exchanger,
		store:     store,
		logger:    zerolog.Nop(),
		margin:    DefaultSafetyMargin,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "auth").Logger()
	return m
}

// Load resumes from the newest persisted credential. A missing credential is not an error.
func (m *Manager) Load(ctx context.Context) error {
	cred, err := m.store.LoadLatestCredential(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to load credential")
	}

	m.mu.Lock()
	m.cred = cred
	m.rejected = false
	m.mu.Unlock()

	if cred == nil {
		m.logger.Info().Msg("No stored credential, interactive login required")
		return nil
	}

	m.logger.Info().
		Time("issued_at", cred.IssuedAt).
		Time("refresh_expires_at", cred.RefreshExpiresAt()).
		Msg("Loaded credential")
	return nil
}

func (m *Manager) current() *models.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// usable reports the cached credential and whether it can still be refreshed.
func (m *Manager) usable(now time.Time) (*models.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, m.cred != nil && !m.rejected && !m.cred.RefreshExpired(now)
}

// adoptStored switches to the newest stored credential when it was issued
// after the cached one, e.g. by a login run from another process.
func (m *Manager) adoptStored(ctx context.Context) *models.Credential {
	stored, err := m.store.LoadLatestCredential(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to reload credential")
		return m.current()
	}

	m.mu.Lock()
	adopted := stored != nil && (m.cred == nil || stored.IssuedAt.After(m.cred.IssuedAt))
	if adopted {
		m.cred = stored
		m.rejected = false
	}
	cur := m.cred
	m.mu.Unlock()

	if adopted {
		m.logger.Info().
			Time("issued_at", stored.IssuedAt).
			Time("refresh_expires_at", stored.RefreshExpiresAt()).
			Msg("Adopted newer stored credential")
	}
	return cur
}

// GetValidToken returns an access token with at least the safety margin of
// life left, refreshing first when needed.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	cred, ok := m.usable(m.now())
	if !ok {
		cred = m.adoptStored(ctx)
	}
	if cred == nil {
		return "", apperrors.ErrNotAuthenticated
	}

	now := m.now()
	if cred.RefreshExpired(now) {
		return "", apperrors.Wrapf(apperrors.ErrAuthExpired, "refresh token expired at %s", cred.RefreshExpiresAt().Format(time.RFC3339))
	}
	if cred.AccessRemaining(now) > m.margin {
		return cred.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, false, "")
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the refresh token unless another caller already produced
// a token with enough life left.
func (m *Manager) Refresh(ctx context.Context) (*models.Credential, error) {
	return m.refresh(ctx, false, "")
}

// ForceRefresh refreshes even if the cached token looks valid. It is used after
// the provider rejected the current access token. Concurrent callers that saw
// the same rejected token share one refresh.
func (m *Manager) ForceRefresh(ctx context.Context) (*models.Credential, error) {
	seen := ""
	if cred := m.current(); cred != nil {
		seen = cred.AccessToken
	}
	return m.refresh(ctx, true, seen)
}

func (m *Manager) refresh(ctx context.Context, force bool, seen string) (*models.Credential, error) {
	cred, err := m.flight(ctx, force, seen)
	// A forced refresh that joined a plain one may get the rejected token back.
	if err == nil && force && seen != "" && cred.AccessToken == seen {
		return m.flight(ctx, true, seen)
	}
	return cred, err
}

func (m *Manager) flight(ctx context.Context, force bool, seen string) (*models.Credential, error) {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail everyone sharing the flight.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, force, seen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Credential), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool, seen string) (*models.Credential, error) {
	now := m.now()
	cur, ok := m.usable(now)
	if !ok {
		cur = m.adoptStored(ctx)
	}
	if cur == nil {
		return nil, apperrors.ErrNotAuthenticated
	}

	if cur.RefreshExpired(now) {
		m.logger.Error().
			Time("refresh_expires_at", cur.RefreshExpiresAt()).
			Msg("Refresh token expired, interactive login required")
		return nil, apperrors.Wrapf(apperrors.ErrAuthExpired, "refresh token expired at %s", cur.RefreshExpiresAt().Format(time.RFC3339))
	}

	// Someone refreshed between our check and this flight
	if force && cur.AccessToken != seen {
		return cur, nil
	}
	if !force && cur.AccessRemaining(now) > m.margin {
		return cur, nil
	}

	m.setRefreshing(true)
	defer m.setRefreshing(false)

	start := time.Now()
	next, err := m.exchanger.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrAuthExpired) {
			m.mu.Lock()
			m.rejected = true
			m.mu.Unlock()
		}
		m.logger.Error().
			Err(err).
			Str("error_kind", apperrors.Kind(err)).
			Dur("duration", time.Since(start)).
			Msg("Token refresh failed")
		return nil, err
	}

	next.ID = uuid.NewString()
	next.RefreshIssuedAt = cur.RefreshAnchor()

	// The new token is live at the provider whether or not it persists.
	if err := m.store.SaveCredential(ctx, next); err != nil {
		m.logger.Error().
			Err(err).
			Str("error_kind", apperrors.Kind(err)).
			Msg("Failed to persist refreshed credential")
	}

	m.mu.Lock()
	m.cred = next
	m.rejected = false
	m.mu.Unlock()

	m.logger.Info().
		Dur("duration", time.Since(start)).
		Time("access_expires_at", next.AccessExpiresAt()).
		Dur("refresh_remaining", next.RefreshRemaining(now)).
		Msg("Access token refreshed")

	return next, nil
}

func (m *Manager) setRefreshing(v bool) {
	m.mu.Lock()
	m.refreshing = v
	m.mu.Unlock()
}

// Authenticate runs the interactive authorization-code flow and replaces the
// credential chain.
func (m *Manager) Authenticate(ctx context.Context, prompt Prompter) (*models.Credential, error) {
	authURL := m.exchanger.AuthCodeURL(uuid.NewString())

	pasted, err := prompt(ctx, authURL)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read redirect URL")
	}

	code, err := ExtractCode(pasted)
	if err != nil {
		return nil, err
	}

	cred, err := m.exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	cred.ID = uuid.NewString()
	if cred.RefreshIssuedAt.IsZero() {
		cred.RefreshIssuedAt = cred.IssuedAt
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, apperrors.Wrap(err, "failed to save credential")
	}

	m.mu.Lock()
	m.cred = cred
	m.rejected = false
	m.mu.Unlock()

	m.logger.Info().
		Time("refresh_expires_at", cred.RefreshExpiresAt()).
		Msg("Authenticated")
	return cred, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(m.now())
}

func (m *Manager) stateLocked(now time.Time) State {
	switch {
	case m.cred == nil:
		return StateUnauthenticated
	case m.rejected || m.cred.RefreshExpired(now):
		return StateRefreshExpired
	case m.refreshing:
		return StateRefreshing
	case m.cred.AccessRemaining(now) <= m.margin:
		return StateExpiring
	default:
		return StateValid
	}
}

// Status is a point-in-time view of the credential chain.
type Status struct {
	State            State         `json:"state"`
	IssuedAt         time.Time     `json:"issued_at,omitempty"`
	AccessExpiresAt  time.Time     `json:"access_expires_at,omitempty"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at,omitempty"`
	AccessRemaining  time.Duration `json:"access_remaining"`
	RefreshRemaining time.Duration `json:"refresh_remaining"`
}

// Status returns a snapshot for display.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	st := Status{State: m.stateLocked(now)}
	if m.cred == nil {
		return st
	}

	st.IssuedAt = m.cred.IssuedAt
	st.AccessExpiresAt = m.cred.AccessExpiresAt()
	st.RefreshExpiresAt = m.cred.RefreshExpiresAt()
	st.AccessRemaining = max(0, m.cred.AccessRemaining(now))
	st.RefreshRemaining = max(0, m.cred.RefreshRemaining(now))
	return st
}
