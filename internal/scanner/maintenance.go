package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"market-scanner/internal/auth"
	apperrors "market-scanner/internal/errors"
)

// Maintenance schedules.
const (
	ExpiryCheckSpec = "0 0 7 * * *" // daily 07:00 market time
	KeepWarmSpec    = "@every 1m"
)

// ExpiryWarning is how close to the end of the refresh window the daily check
// starts warning.
const ExpiryWarning = 24 * time.Hour

// TokenKeeper is the token manager as seen by maintenance jobs.
type TokenKeeper interface {
	GetValidToken(ctx context.Context) (string, error)
	Status() auth.Status
}

// Maintenance runs the credential housekeeping jobs on a cron.
type Maintenance struct {
	cron   *cron.Cron
	tokens TokenKeeper
	alert  func(AuthAlert)
	logger zerolog.Logger
	now    func() time.Time
}

// NewMaintenance creates the job runner. alert may be nil.
func NewMaintenance(tokens TokenKeeper, loc *time.Location, alert func(AuthAlert), logger zerolog.Logger) *Maintenance {
	if loc == nil {
		loc = time.UTC
	}
	return &Maintenance{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		tokens: tokens,
		alert:  alert,
		logger: logger.With().Str("component", "maintenance").Logger(),
		now:    time.Now,
	}
}

// Register adds the expiry check and, when keepWarm is set, the keep-warm job.
func (m *Maintenance) Register(keepWarm bool) error {
	if _, err := m.cron.AddFunc(ExpiryCheckSpec, func() { m.CheckExpiry() }); err != nil {
		return fmt.Errorf("register expiry check: %w", err)
	}
	if keepWarm {
		if _, err := m.cron.AddFunc(KeepWarmSpec, func() { m.KeepWarm(context.Background()) }); err != nil {
			return fmt.Errorf("register keep-warm: %w", err)
		}
	}
	return nil
}

// Start runs the cron and an immediate expiry check.
func (m *Maintenance) Start() {
	m.CheckExpiry()
	m.cron.Start()
	m.logger.Debug().Int("jobs", len(m.cron.Entries())).Msg("Maintenance started")
}

// Stop stops the cron and waits for running jobs.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// CheckExpiry warns when the refresh window ends within ExpiryWarning and
// alerts once it has ended. It returns the state it observed.
func (m *Maintenance) CheckExpiry() auth.Status {
	st := m.tokens.Status()

	switch {
	case st.State == auth.StateUnauthenticated:
		m.logger.Warn().Msg("No credential stored, run login")
		m.publish(apperrors.ErrNotAuthenticated)
	case st.State == auth.StateRefreshExpired:
		m.logger.Error().Time("refresh_expires_at", st.RefreshExpiresAt).Msg("Refresh token expired, run login")
		m.publish(apperrors.ErrAuthExpired)
	case st.RefreshRemaining < ExpiryWarning:
		m.logger.Warn().
			Dur("refresh_remaining", st.RefreshRemaining).
			Time("refresh_expires_at", st.RefreshExpiresAt).
			Msg("Refresh token expires soon, run login to renew")
	default:
		m.logger.Debug().Dur("refresh_remaining", st.RefreshRemaining).Msg("Refresh token valid")
	}
	return st
}

// KeepWarm refreshes the access token when it is inside the safety margin so
// a loop waking up after an idle period does not pay for the refresh.
func (m *Maintenance) KeepWarm(ctx context.Context) {
	st := m.tokens.Status()
	if st.State == auth.StateUnauthenticated || st.State == auth.StateRefreshExpired {
		return
	}
	if _, err := m.tokens.GetValidToken(ctx); err != nil {
		m.logger.Warn().Err(err).Str("error_kind", apperrors.Kind(err)).Msg("Keep-warm refresh failed")
		if apperrors.Is(err, apperrors.ErrAuthExpired) {
			m.publish(err)
		}
	}
}

func (m *Maintenance) publish(err error) {
	if m.alert == nil {
		return
	}
	m.alert(AuthAlert{Err: err, At: m.now()})
}
