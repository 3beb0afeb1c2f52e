package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"market-scanner/internal/auth"
	"market-scanner/internal/discovery"
	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
	"market-scanner/internal/resilience"
	"market-scanner/internal/scanner"
	"market-scanner/pkg/utils"
)

// addScanCommands adds the discovery, reconciliation and scan loop commands.
func addScanCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newScanCmd(app))
	rootCmd.AddCommand(newDiscoverCmd(app))
	rootCmd.AddCommand(newReconcileCmd(app))
	rootCmd.AddCommand(newMarketCmd())
}

// sessionsFromFlags parses --session values, falling back to the config.
func sessionsFromFlags(cmd *cobra.Command, app *App) ([]models.SessionType, error) {
	raw, _ := cmd.Flags().GetStringSlice("session")
	if len(raw) == 0 {
		return app.Config.Scanner.SessionTypes()
	}
	out := make([]models.SessionType, 0, len(raw))
	for _, r := range raw {
		st, err := models.ParseSession(r)
		if err != nil {
			return nil, apperrors.NewValidationError("session", r, err.Error())
		}
		out = append(out, st)
	}
	return out, nil
}

func schedulerConfig(app *App) (scanner.Config, error) {
	limit, err := app.Config.Scanner.Limit()
	if err != nil {
		return scanner.Config{}, err
	}
	cfg := scanner.DefaultConfig()
	cfg.Limit = limit
	cfg.RespectMarketHours = app.Config.Scanner.RespectMarketHours
	if app.Config.Scanner.TickerTimeout > 0 {
		cfg.TickerTimeout = app.Config.Scanner.TickerTimeout
	}
	if app.Config.Scanner.MaxBackoff > 0 {
		cfg.MaxBackoff = app.Config.Scanner.MaxBackoff
	}
	return cfg, nil
}

// ============================================================================
// scan
// ============================================================================

func newScanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the session scan loops until interrupted",
		Long: `Start one scan loop per session. Each cycle discovers the top movers from
the session's sources, then reconciles every ticker in order: a ticker
already seen today gets a quote update, a new or stale one gets a full
refresh including fundamentals, short interest and news.

Loops stop on SIGINT or SIGTERM after the ticker in progress finishes.`,
		Example: `  scanner scan
  scanner scan --session pre_market
  scanner scan --session pre --session regular --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			sessions, err := sessionsFromFlags(cmd, app)
			if err != nil {
				return err
			}
			schedCfg, err := schedulerConfig(app)
			if err != nil {
				return err
			}

			engine, err := app.Engine(ctx)
			if err != nil {
				output.Error("Cannot start scanner: %v", err)
				return err
			}
			agg, err := discovery.NewAggregatorFromConfig(app.Config, app.Primary, app.Logger)
			if err != nil {
				return err
			}

			if st := app.Tokens.Status(); st.State == auth.StateUnauthenticated {
				output.Warning("No Schwab credential stored, run 'scanner login' first")
			}

			var mu sync.Mutex
			sched := scanner.NewScheduler(agg, engine, schedCfg,
				scanner.WithLogger(app.Logger),
				scanner.WithCycleHook(func(rep scanner.CycleReport) {
					mu.Lock()
					defer mu.Unlock()
					printCycle(output, rep)
				}),
			)

			maint := scanner.NewMaintenance(app.Tokens, app.Config.Scanner.Location(), sched.Alert, app.Logger)
			if err := maint.Register(app.Config.Scanner.KeepWarm); err != nil {
				return err
			}
			maint.Start()
			defer maint.Stop()

			report := newHealthChecker(ctx, app, false, agg).CheckAll(ctx)
			for _, c := range report.Components {
				ev := app.Logger.Info()
				if c.Status != resilience.HealthStatusHealthy {
					ev = app.Logger.Warn()
				}
				ev.Str("component", c.Name).Str("status", string(c.Status)).Msg(c.Message)
			}

			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case a := <-sched.AuthAlerts():
						mu.Lock()
						output.Warning("Authorization needed (%s): %v", alertSource(a), a.Err)
						output.Info("Run 'scanner login' to re-authorize; loops keep running")
						mu.Unlock()
					}
				}
			}()

			interval := app.Config.Scanner.Interval()
			for _, session := range sessions {
				if err := sched.Start(session, interval); err != nil {
					sched.StopAll()
					return err
				}
			}
			if !output.IsJSON() {
				output.Info("Scanning %s every %s (Ctrl-C to stop)", joinSessions(sessions), interval)
			}

			<-ctx.Done()

			if !output.IsJSON() {
				output.Dim("Stopping scanners...")
			}
			sched.StopAll()
			return nil
		},
	}

	cmd.Flags().StringSlice("session", nil, "session to scan (pre_market, regular_market); repeatable")

	return cmd
}

func alertSource(a scanner.AuthAlert) string {
	if a.Session == "" {
		return "maintenance"
	}
	if a.Ticker == "" {
		return string(a.Session)
	}
	return fmt.Sprintf("%s/%s", a.Session, a.Ticker)
}

func joinSessions(sessions []models.SessionType) string {
	names := make([]string, len(sessions))
	for i, s := range sessions {
		names[i] = s.Label()
	}
	return strings.Join(names, ", ")
}

// cycleJSON is the JSON line printed per cycle.
type cycleJSON struct {
	Session   models.SessionType `json:"session"`
	Cycle     int                `json:"cycle"`
	StartedAt time.Time          `json:"started_at"`
	Duration  string             `json:"duration"`
	Idle      bool               `json:"idle"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Tickers   []tickerJSON       `json:"tickers"`
}

type tickerJSON struct {
	Ticker  string `json:"ticker"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func printCycle(output *Output, rep scanner.CycleReport) {
	if output.IsJSON() {
		out := cycleJSON{
			Session:   rep.Session,
			Cycle:     rep.Cycle,
			StartedAt: rep.StartedAt,
			Duration:  rep.Duration.Round(time.Millisecond).String(),
			Idle:      rep.Idle,
			Succeeded: rep.Succeeded,
			Failed:    rep.Failed,
			Skipped:   rep.Skipped,
			Tickers:   make([]tickerJSON, 0, len(rep.Tickers)),
		}
		for _, t := range rep.Tickers {
			tj := tickerJSON{Ticker: t.Ticker, Outcome: t.Outcome}
			if t.Err != nil {
				tj.Error = t.Err.Error()
			}
			out.Tickers = append(out.Tickers, tj)
		}
		output.JSON(out)
		return
	}

	header := fmt.Sprintf("%s cycle %d at %s", rep.Session.Label(), rep.Cycle, FormatTime(rep.StartedAt))
	if rep.Idle {
		output.Dim("%s: idle", header)
		return
	}
	output.Bold("%s: %d ok, %d failed, %d skipped in %s",
		header, rep.Succeeded, rep.Failed, rep.Skipped, rep.Duration.Round(time.Millisecond))

	table := NewTable(output, "Ticker", "Outcome", "Time", "Error")
	for _, t := range rep.Tickers {
		errText := ""
		if t.Err != nil {
			errText = TruncateString(t.Err.Error(), 60)
		}
		table.AddRow(t.Ticker, outcomeText(output, t.Outcome), t.Duration.Round(time.Millisecond).String(), errText)
	}
	table.Render()
	output.Println()
}

func outcomeText(output *Output, outcome string) string {
	switch outcome {
	case scanner.OutcomeFailed, scanner.OutcomeAuthExpired, scanner.OutcomeRateLimited:
		return output.Red(outcome)
	case scanner.OutcomeSkipped:
		return output.Yellow(outcome)
	default:
		return output.Green(outcome)
	}
}

// ============================================================================
// discover
// ============================================================================

func newDiscoverCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover [session]",
		Short: "List the tickers the next cycle would scan",
		Long: `Query the configured discovery sources for a session once and print the
merged, deduplicated symbols. Nothing is written to the database.`,
		Example: `  scanner discover pre_market
  scanner discover regular --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			session := models.SessionPreMarket
			if len(args) == 1 {
				s, err := models.ParseSession(args[0])
				if err != nil {
					return err
				}
				session = s
			} else if current, ok := utils.GetMarketStatus().Session(); ok && current.Active() {
				session = current
			}

			limit, err := app.Config.Scanner.Limit()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("limit") {
				limit, _ = cmd.Flags().GetInt("limit")
			}

			// Schwab movers need a credential; the scraped and API sources do not.
			if _, _, err := app.Providers(ctx); err != nil {
				app.Logger.Warn().Err(err).Msg("Primary provider unavailable, Schwab movers disabled")
			}
			agg, err := discovery.NewAggregatorFromConfig(app.Config, app.Primary, app.Logger)
			if err != nil {
				return err
			}

			symbols, discoverErr := agg.Discover(ctx, session, limit)
			results := agg.LastResults(session)

			if output.IsJSON() {
				type sourceJSON struct {
					Source string `json:"source"`
					Count  int    `json:"count"`
					Error  string `json:"error,omitempty"`
				}
				sources := make([]sourceJSON, 0, len(results))
				for _, r := range results {
					sj := sourceJSON{Source: r.Source, Count: r.Count}
					if r.Err != nil {
						sj.Error = r.Err.Error()
					}
					sources = append(sources, sj)
				}
				if err := output.JSON(map[string]interface{}{
					"session": session,
					"symbols": symbols,
					"sources": sources,
				}); err != nil {
					return err
				}
				return discoverErr
			}

			output.Bold("%s discovery", session.Label())
			for _, r := range results {
				if r.Err != nil {
					output.Printf("  %-24s %s\n", r.Source, output.Red(TruncateString(r.Err.Error(), 60)))
				} else {
					output.Printf("  %-24s %d symbols\n", r.Source, r.Count)
				}
			}
			output.Println()

			if discoverErr != nil {
				output.Error("Discovery failed: %v", discoverErr)
				return discoverErr
			}
			if len(symbols) == 0 {
				output.Warning("No symbols discovered")
				return nil
			}
			output.Println(strings.Join(symbols, " "))
			return nil
		},
	}

	cmd.Flags().Int("limit", 0, "per-source symbol limit (0 = all)")

	return cmd
}

// ============================================================================
// reconcile
// ============================================================================

func newReconcileCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <ticker>...",
		Short: "Reconcile tickers once and print the stored record",
		Example: `  scanner reconcile AAPL
  scanner reconcile NVDA TSLA --session regular_market`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			raw, _ := cmd.Flags().GetString("session")
			session, err := models.ParseSession(raw)
			if err != nil {
				return err
			}

			engine, err := app.Engine(ctx)
			if err != nil {
				output.Error("Cannot reconcile: %v", err)
				return err
			}

			var (
				failed []error
				scans  []*models.ScanResult
			)
			for _, ticker := range args {
				tctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				res, err := engine.Run(tctx, session, ticker)
				cancel()
				if err != nil {
					output.Error("%s: %v", strings.ToUpper(ticker), err)
					failed = append(failed, err)
					if apperrors.Is(err, apperrors.ErrAuthExpired) || apperrors.Is(err, apperrors.ErrNotAuthenticated) {
						output.Info("Run 'scanner login' to re-authorize")
						break
					}
					continue
				}

				if output.IsJSON() {
					output.JSON(map[string]interface{}{
						"outcome":       res.Outcome,
						"record":        res.Record,
						"scan":          res.Scan,
						"news_inserted": res.NewsInserted,
					})
					continue
				}
				showRecord(output, res.Record, string(res.Outcome), res.NewsInserted)
				if res.Scan != nil {
					scans = append(scans, res.Scan)
				}
			}

			if len(scans) > 1 {
				table := NewTable(output, ScanHeaders...)
				for _, r := range scans {
					table.AddRow(ScanRow(r)...)
				}
				table.Render()
			}

			if len(failed) > 0 {
				return apperrors.Join(failed...)
			}
			return nil
		},
	}

	cmd.Flags().String("session", string(models.SessionRegularMarket), "session projection to write")

	return cmd
}

func showRecord(output *Output, rec *models.StockRecord, outcome string, newsInserted int) {
	name := ""
	if rec.CompanyName != nil {
		name = " " + *rec.CompanyName
	}
	output.Bold("%s%s", rec.Ticker, name)
	output.Printf("  Outcome:         %s\n", outcomeText(output, outcome))
	output.Printf("  Last:            %s (%s)\n", FormatPrice(rec.Quote.LastPrice), FormatChange(rec.Quote.ChangePercent))
	output.Printf("  Volume:          %s\n", FormatShares(rec.Quote.Volume))
	output.Printf("  Quote time:      %s\n", FormatDateTime(rec.Quote.QuoteTime))

	f := rec.Fundamentals
	output.Printf("  Market cap:      %s\n", FormatMarketCap(f.MarketCap))
	output.Printf("  Float:           %s\n", FormatShares(f.StockFloat))
	output.Printf("  Float rotation:  %s\n", FormatRotation(models.FloatRotation(rec.Quote.Volume, f.StockFloat)))
	output.Printf("  Sector:          %s / %s\n", FormatText(f.Sector, 30), FormatText(f.Industry, 40))

	s := rec.ShortInterest
	output.Printf("  Short %% float:  %s\n", utils.FormatOptionalFloat(s.ShortPercentFloat, func(v float64) string {
		return fmt.Sprintf("%.2f%%", v*100)
	}))
	if newsInserted > 0 {
		output.Printf("  News stored:     %d\n", newsInserted)
	}
	output.Println()
}

// ============================================================================
// market
// ============================================================================

func newMarketCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "market",
		Short: "Show the US market status and next session starts",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			now := time.Now()
			status := utils.MarketStatusAt(now)

			if output.IsJSON() {
				output.JSON(map[string]interface{}{
					"status":              status,
					"next_pre_market":     utils.NextSessionStart(models.SessionPreMarket, now),
					"next_regular_market": utils.NextSessionStart(models.SessionRegularMarket, now),
				})
				return
			}

			output.Printf("  Market:          %s\n", output.MarketStatus(status))
			output.Printf("  Next pre-market: %s\n", FormatDateTime(utils.NextSessionStart(models.SessionPreMarket, now)))
			output.Printf("  Next open:       %s\n", FormatDateTime(utils.NextSessionStart(models.SessionRegularMarket, now)))
		},
	}
}
