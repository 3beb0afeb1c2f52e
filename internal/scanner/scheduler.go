// Package scanner runs one discovery and reconciliation loop per trading
// session.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/logging"
	"market-scanner/internal/models"
	"market-scanner/internal/reconcile"
	"market-scanner/pkg/utils"
)

// Discoverer lists the tickers to reconcile in a cycle.
type Discoverer interface {
	Discover(ctx context.Context, session models.SessionType, limit int) ([]string, error)
}

// Reconciler refreshes one ticker.
type Reconciler interface {
	Run(ctx context.Context, session models.SessionType, ticker string) (*reconcile.Result, error)
}

// Ticker outcomes besides the reconcile outcomes.
const (
	OutcomeFailed      = "failed"
	OutcomeAuthExpired = "auth_expired"
	OutcomeRateLimited = "rate_limited"
	OutcomeSkipped     = "skipped"
)

// TickerResult is the result of one ticker within a cycle.
type TickerResult struct {
	Ticker   string
	Outcome  string
	Err      error
	Duration time.Duration
}

// CycleReport summarizes one pass over the discovered tickers.
type CycleReport struct {
	Session   models.SessionType
	Cycle     int
	StartedAt time.Time
	Duration  time.Duration
	Tickers   []TickerResult
	Succeeded int
	Failed    int
	Skipped   int
	// Idle is set when the cycle did nothing: no sources answered or the
	// session was outside market hours.
	Idle bool
}

// AuthAlert signals that the credential chain needs an interactive login.
type AuthAlert struct {
	Session models.SessionType
	Ticker  string
	Err     error
	At      time.Time
}

// LoopStatus describes a running session loop.
type LoopStatus struct {
	Session   models.SessionType `json:"session"`
	Interval  time.Duration      `json:"interval"`
	StartedAt time.Time          `json:"started_at"`
	Cycles    int                `json:"cycles"`
	Backoff   time.Duration      `json:"backoff"`
	LastCycle *CycleReport       `json:"last_cycle,omitempty"`
}

// Config holds loop settings.
type Config struct {
	// Limit is the per-source discovery limit; 0 means all.
	Limit              int
	TickerTimeout      time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	RespectMarketHours bool
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Limit:          15,
		TickerTimeout:  2 * time.Minute,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

type loop struct {
	session  models.SessionType
	interval time.Duration
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	cycles  int
	backoff time.Duration
	last    *CycleReport
}

// Scheduler owns the session loops.
type Scheduler struct {
	discoverer Discoverer
	reconciler Reconciler
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
	onCycle    func(CycleReport)

	mu     sync.Mutex
	loops  map[models.SessionType]*loop
	alerts chan AuthAlert
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides time.Now for market-hours checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCycleHook is called after every cycle from the loop goroutine.
func WithCycleHook(fn func(CycleReport)) Option {
	return func(s *Scheduler) { s.onCycle = fn }
}

// NewScheduler creates a scheduler. No loop runs until Start.
func NewScheduler(discoverer Discoverer, reconciler Reconciler, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickerTimeout <= 0 {
		cfg.TickerTimeout = def.TickerTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}

	s := &Scheduler{
		discoverer: discoverer,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		now:        time.Now,
		loops:      make(map[models.SessionType]*loop),
		alerts:     make(chan AuthAlert, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scanner").Logger()
	return s
}

// AuthAlerts delivers credential alerts. Alerts are dropped while the buffer
// is full.
func (s *Scheduler) AuthAlerts() <-chan AuthAlert {
	return s.alerts
}

// Alert publishes a credential alert without blocking.
func (s *Scheduler) Alert(a AuthAlert) {
	select {
	case s.alerts <- a:
	default:
		s.logger.Warn().Err(a.Err).Msg("Auth alert dropped, channel full")
	}
}

// Start launches the loop for session. After-market scanning is reserved:
// it is accepted and does nothing.
func (s *Scheduler) Start(session models.SessionType, interval time.Duration) error {
	logger := logging.WithSession(s.logger, string(session))

	switch session {
	case models.SessionPreMarket, models.SessionRegularMarket:
	case models.SessionAfterMarket:
		logger.Info().Msg("After-market scanning is not enabled")
		return nil
	default:
		return apperrors.NewValidationError("session", session, "unknown session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[session]; ok {
		return apperrors.Wrapf(apperrors.ErrAlreadyRunning, "%s scanner", session)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		session:  session,
		interval: interval,
		started:  s.now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.loops[session] = l

	go s.run(ctx, l)

	logger.Info().Dur("interval", interval).Msg("Scanner started")
	return nil
}

// Stop cancels the loop for session and waits for its current ticker. It
// reports whether a loop was running.
func (s *Scheduler) Stop(session models.SessionType) bool {
	s.mu.Lock()
	l, ok := s.loops[session]
	if ok {
		delete(s.loops, session)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	l.cancel()
	<-l.done
	logger := logging.WithSession(s.logger, string(session))
	logger.Info().Msg("Scanner stopped")
	return true
}

// StopAll stops every loop and waits for them.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	loops := make([]*loop, 0, len(s.loops))
	for session, l := range s.loops {
		loops = append(loops, l)
		delete(s.loops, session)
	}
	s.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
	if len(loops) > 0 {
		s.logger.Info().Int("loops", len(loops)).Msg("All scanners stopped")
	}
}

// Running reports whether a loop runs for session.
func (s *Scheduler) Running(session models.SessionType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[session]
	return ok
}

// Status returns the running loops in session order.
func (s *Scheduler) Status() []LoopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LoopStatus, 0, len(s.loops))
	for _, session := range models.AllSessions {
		l, ok := s.loops[session]
		if !ok {
			continue
		}
		l.mu.Lock()
		st := LoopStatus{
			Session:   l.session,
			Interval:  l.interval,
			StartedAt: l.started,
			Cycles:    l.cycles,
			Backoff:   l.backoff,
		}
		if l.last != nil {
			last := *l.last
			st.LastCycle = &last
		}
		l.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// ============================================================================
// Loop
// ============================================================================

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer close(l.done)
	logger := logging.WithSession(s.logger, string(l.session))

	for {
		report := s.cycle(ctx, l, logger)

		l.mu.Lock()
		l.cycles++
		report.Cycle = l.cycles
		l.last = &report
		wait := l.interval + l.backoff
		l.mu.Unlock()

		if s.onCycle != nil && ctx.Err() == nil {
			s.onCycle(report)
		}

		if err := utils.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, l *loop, logger zerolog.Logger) (report CycleReport) {
	report = CycleReport{Session: l.session, StartedAt: s.now()}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	if s.cfg.RespectMarketHours && !utils.InSession(l.session, s.now()) {
		logger.Debug().
			Time("next_open", utils.NextSessionStart(l.session, s.now())).
			Msg("Outside session hours, skipping cycle")
		report.Idle = true
		return report
	}

	tickers, err := s.discoverer.Discover(ctx, l.session, s.cfg.Limit)
	if err != nil {
		if ctx.Err() != nil {
			return report
		}
		logger.Warn().Err(err).Str("error_kind", apperrors.Kind(err)).Msg("Discovery returned no tickers")
	}
	if len(tickers) == 0 {
		report.Idle = true
		return report
	}

	authBlocked := false
	for _, ticker := range tickers {
		// Stop is honored between tickers only.
		if ctx.Err() != nil {
			break
		}
		if authBlocked {
			report.Tickers = append(report.Tickers, TickerResult{Ticker: ticker, Outcome: OutcomeSkipped})
			report.Skipped++
			continue
		}

		res := s.reconcileOne(ctx, l.session, ticker)
		report.Tickers = append(report.Tickers, res)

		switch res.Outcome {
		case OutcomeAuthExpired:
			report.Failed++
			authBlocked = true
			logger.Error().Err(res.Err).Msg("Authorization expired, skipping the rest of the cycle")
			s.Alert(AuthAlert{Session: l.session, Ticker: ticker, Err: res.Err, At: s.now()})
		case OutcomeRateLimited:
			report.Failed++
			wait := l.bumpBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff)
			logger.Warn().Dur("backoff", wait).Str("ticker", ticker).Msg("Rate limited, backing off")
			if utils.Sleep(ctx, wait) != nil {
				return report
			}
		case OutcomeFailed:
			report.Failed++
		default:
			report.Succeeded++
			l.resetBackoff()
		}
	}

	logger.Info().
		Int("tickers", len(tickers)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("duration", time.Since(start)).
		Msg("Scan cycle complete")
	return report
}

// reconcileOne runs one ticker on a context detached from the stop signal so
// an in-flight ticker always completes, bounded by the ticker timeout.
func (s *Scheduler) reconcileOne(ctx context.Context, session models.SessionType, ticker string) TickerResult {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TickerTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.reconciler.Run(tctx, session, ticker)
	out := TickerResult{Ticker: ticker, Err: err, Duration: time.Since(start)}

	switch {
	case err == nil:
		out.Outcome = string(res.Outcome)
	case apperrors.Is(err, apperrors.ErrAuthExpired), apperrors.Is(err, apperrors.ErrNotAuthenticated):
		out.Outcome = OutcomeAuthExpired
	case apperrors.Is(err, apperrors.ErrRateLimited):
		out.Outcome = OutcomeRateLimited
	default:
		out.Outcome = OutcomeFailed
		logging.LogReconcile(logging.WithSession(s.logger, string(session)), ticker, out.Outcome, out.Duration, err)
	}
	return out
}

func (l *loop) bumpBackoff(initial, ceiling time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backoff == 0 {
		l.backoff = initial
	} else {
		l.backoff = min(l.backoff*2, ceiling)
	}
	return l.backoff
}

func (l *loop) resetBackoff() {
	l.mu.Lock()
	l.backoff = 0
	l.mu.Unlock()
}
