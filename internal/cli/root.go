// Package cli provides the command-line interface for the market scanner.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"market-scanner/internal/auth"
	"market-scanner/internal/broker"
	"market-scanner/internal/config"
	"market-scanner/internal/enrich"
	"market-scanner/internal/logging"
	"market-scanner/internal/news"
	"market-scanner/internal/reconcile"
	"market-scanner/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-03-01"
)

// App holds the application dependencies. Everything past Config and Logger
// is built on first use so that commands like "version" never touch the
// database or the network.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger

	Store     store.Gateway
	Tokens    *auth.Manager
	OAuth     *auth.SchwabOAuth
	Primary   broker.Provider
	Secondary enrich.Provider
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "scanner",
		Short: "US equity pre-market and regular-session scanner",
		Long: `Market Scanner discovers top-moving US equities during the pre-market and
regular sessions, refreshes their quotes and fundamentals from Schwab and
Yahoo Finance, and keeps a canonical per-ticker record in the database.

Run 'scanner login' once to authorize the Schwab app, then 'scanner scan'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.ConfigDir = configDir
			if app.ConfigDir == "" {
				app.ConfigDir = config.DefaultConfigDir()
			}

			app.Logger = logging.NewLoggerWithConfig(logConfig(cfg))
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/market-scanner)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addScanCommands(rootCmd, app)
	addDatabaseCommands(rootCmd, app)

	return rootCmd
}

func logConfig(cfg *config.Config) logging.LogConfig {
	c := cfg.Logging
	lc := logging.LogConfig{
		Level:      c.Level,
		Format:     c.Format,
		Console:    true,
		File:       c.File,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
	// Production logs are collected, not read on a terminal.
	if cfg.IsProduction() {
		lc.Format = "json"
	}
	return lc
}

// ============================================================================
// Dependency wiring
// ============================================================================

// OpenStore opens the configured storage gateway once.
func (a *App) OpenStore(ctx context.Context) (store.Gateway, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	gw, err := store.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Store = gw
	return gw, nil
}

// TokenManager builds the Schwab OAuth exchanger and the token manager and
// resumes the persisted credential chain.
func (a *App) TokenManager(ctx context.Context) (*auth.Manager, error) {
	if a.Tokens != nil {
		return a.Tokens, nil
	}
	if !a.Config.HasSchwab() {
		return nil, fmt.Errorf("schwab app key and secret not configured: set APP_KEY_SCHWAB and CLIENT_SECRET_SCHWAB or edit %s/credentials.toml", a.ConfigDir)
	}

	gw, err := a.OpenStore(ctx)
	if err != nil {
		return nil, err
	}

	a.OAuth = auth.NewSchwabOAuth(a.Config.Credentials.Schwab, a.Config.Schwab)
	opts := []auth.Option{auth.WithLogger(a.Logger)}
	if a.Config.Schwab.RefreshMargin > 0 {
		opts = append(opts, auth.WithSafetyMargin(a.Config.Schwab.RefreshMargin))
	}
	tokens := auth.NewManager(a.OAuth, gw, opts...)
	if err := tokens.Load(ctx); err != nil {
		return nil, err
	}
	a.Tokens = tokens
	return tokens, nil
}

// Providers builds the primary and, when enabled, the secondary provider.
func (a *App) Providers(ctx context.Context) (broker.Provider, enrich.Provider, error) {
	if a.Primary != nil {
		return a.Primary, a.Secondary, nil
	}

	tokens, err := a.TokenManager(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.Primary = broker.NewSchwabClientFromConfig(a.Config.Schwab, tokens, a.Logger)
	if a.Config.Providers.YahooEnabled {
		a.Secondary = enrich.NewYahooProviderFromConfig(a.Config.Providers, a.Logger)
	}
	return a.Primary, a.Secondary, nil
}

// Engine builds the reconciliation engine over the configured providers.
func (a *App) Engine(ctx context.Context) (*reconcile.Engine, error) {
	primary, secondary, err := a.Providers(ctx)
	if err != nil {
		return nil, err
	}

	opts := []reconcile.Option{
		reconcile.WithLocation(a.Config.Scanner.Location()),
		reconcile.WithNewsStore(news.NewDeduplicator(a.Store, a.Logger)),
		reconcile.WithLogger(a.Logger),
	}
	if secondary != nil {
		opts = append(opts, reconcile.WithSecondary(secondary))
	}
	return reconcile.NewEngine(primary, a.Store, opts...), nil
}

// Close releases the storage gateway.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

// ============================================================================
// Core commands
// ============================================================================

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newHealthCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Market Scanner v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			redacted := redactConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(redacted)
			}
			return showConfig(output, redacted)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
				if !app.Config.HasSchwab() {
					output.Warning("Schwab credentials are not set; scan and login will fail")
				}
			}
			return nil
		},
	})

	return cmd
}

// redactConfig returns a copy without secrets.
func redactConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.Credentials = config.Credentials{}
	if c.Database.Password != "" {
		c.Database.Password = "********"
	}
	return &c
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("General")
	output.Printf("  Environment:     %s\n", cfg.Environment)
	output.Println()

	output.Bold("Database")
	output.Printf("  Driver:          %s\n", cfg.Database.Driver)
	if cfg.Database.Driver == "sqlite" {
		output.Printf("  Path:            %s\n", cfg.Database.SQLitePath)
	} else {
		output.Printf("  Host:            %s:%d\n", cfg.Database.Host, cfg.Database.Port)
		output.Printf("  Name:            %s\n", cfg.Database.Name)
		output.Printf("  User:            %s\n", cfg.Database.User)
		output.Printf("  Pool:            %d-%d\n", cfg.Database.MinConns, cfg.Database.MaxConns)
	}
	output.Println()

	output.Bold("Scanner")
	output.Printf("  Sessions:        %v\n", cfg.Scanner.Sessions)
	output.Printf("  Sleep:           %ds\n", cfg.Scanner.SleepSeconds)
	output.Printf("  Output length:   %s\n", cfg.Scanner.OutputLength)
	output.Printf("  Market hours:    %v\n", cfg.Scanner.RespectMarketHours)
	output.Printf("  Timezone:        %s\n", cfg.Scanner.Timezone)
	output.Printf("  Pre-market:      %v\n", cfg.Scanner.PreMarketSources)
	output.Printf("  Regular market:  %v\n", cfg.Scanner.RegularSources)
	output.Printf("  Keep warm:       %v\n", cfg.Scanner.KeepWarm)
	output.Println()

	output.Bold("Providers")
	output.Printf("  Schwab:          %s\n", cfg.Schwab.MarketDataURL)
	output.Printf("  Rate limit:      %.1f req/s (burst %d)\n", cfg.Schwab.RequestsPerSecond, cfg.Schwab.Burst)
	output.Printf("  Yahoo:           %v\n", cfg.Providers.YahooEnabled)
	output.Printf("  News count:      %d\n", cfg.Providers.NewsCount)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:           %s\n", cfg.Logging.Level)
	output.Printf("  Format:          %s\n", cfg.Logging.Format)
	if cfg.Logging.File {
		output.Printf("  File:            %s\n", cfg.Logging.FilePath)
	}

	return nil
}
