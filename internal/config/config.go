// Package config provides configuration management for the market scanner.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "market-scanner/internal/errors"
	"market-scanner/internal/models"
)

// Environment names accepted by ENVIRONMENT.
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvProduction  = "production"
)

// OutputLengthAll is the SCANNER_OUTPUT_LENGTH value meaning "no limit".
const OutputLengthAll = "total"

// Config holds all application configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Schwab      SchwabConfig    `mapstructure:"schwab"`
	Scanner     ScannerConfig   `mapstructure:"scanner"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Credentials Credentials     `mapstructure:"-"` // Loaded separately
}

// DatabaseConfig holds storage gateway configuration.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // postgres, sqlite, memory
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Name       string `mapstructure:"name"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	SSLMode    string `mapstructure:"ssl_mode"`
	MinConns   int    `mapstructure:"min_conns"`
	MaxConns   int    `mapstructure:"max_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SchwabConfig holds primary provider endpoints and client tuning.
type SchwabConfig struct {
	MarketDataURL     string        `mapstructure:"market_data_url"`
	AuthURL           string        `mapstructure:"auth_url"`
	TokenURL          string        `mapstructure:"token_url"`
	RedirectURL       string        `mapstructure:"redirect_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RefreshMargin     time.Duration `mapstructure:"refresh_margin"`
}

// ScannerConfig holds scan loop configuration.
type ScannerConfig struct {
	Sessions           []string      `mapstructure:"sessions"`
	SleepSeconds       int           `mapstructure:"sleep_seconds"`
	OutputLength       string        `mapstructure:"output_length"` // number or "total"
	RespectMarketHours bool          `mapstructure:"respect_market_hours"`
	Timezone           string        `mapstructure:"timezone"`
	TickerTimeout      time.Duration `mapstructure:"ticker_timeout"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	PreMarketSources   []string      `mapstructure:"pre_market_sources"`
	RegularSources     []string      `mapstructure:"regular_market_sources"`
	KeepWarm           bool          `mapstructure:"keep_warm"`
}

// ProvidersConfig holds secondary provider and scraper settings.
type ProvidersConfig struct {
	YahooEnabled    bool          `mapstructure:"yahoo_enabled"`
	NewsCount       int           `mapstructure:"news_count"`
	ScrapeUserAgent string        `mapstructure:"scrape_user_agent"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCoolDown time.Duration `mapstructure:"breaker_cool_down"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text, json
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Schwab       SchwabCredentials `mapstructure:"schwab"`
	AlphaVantage APIKeyCredentials `mapstructure:"alpha_vantage"`
	Polygon      APIKeyCredentials `mapstructure:"polygon"`
	FMP          APIKeyCredentials `mapstructure:"fmp"`
	Alpaca       AlpacaCredentials `mapstructure:"alpaca"`
	Intrinio     APIKeyCredentials `mapstructure:"intrinio"`
}

// SchwabCredentials holds the developer app registration.
type SchwabCredentials struct {
	AppKey       string `mapstructure:"app_key"`
	ClientSecret string `mapstructure:"client_secret"`
}

// APIKeyCredentials holds a single API key.
type APIKeyCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// AlpacaCredentials holds Alpaca data API keys.
type AlpacaCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/market-scanner"
	}
	return filepath.Join(home, ".config", "market-scanner")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files are
// written as templates and defaults are used, so a purely env-driven
// deployment works without any TOML on disk.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env in the working directory wins over one in the config directory;
	// godotenv never overrides variables already set in the process.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg.Database.SQLitePath = expandHome(cfg.Database.SQLitePath)
	cfg.Logging.FilePath = expandHome(cfg.Logging.FilePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "scanner")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.sqlite_path", filepath.Join(DefaultConfigDir(), "scanner.db"))

	v.SetDefault("schwab.market_data_url", "https://api.schwabapi.com/marketdata/v1")
	v.SetDefault("schwab.auth_url", "https://api.schwabapi.com/v1/oauth/authorize")
	v.SetDefault("schwab.token_url", "https://api.schwabapi.com/v1/oauth/token")
	v.SetDefault("schwab.redirect_url", "https://127.0.0.1")
	v.SetDefault("schwab.requests_per_second", 2.0)
	v.SetDefault("schwab.burst", 4)
	v.SetDefault("schwab.timeout", 15*time.Second)
	v.SetDefault("schwab.max_retries", 3)
	v.SetDefault("schwab.refresh_margin", 60*time.Second)

	v.SetDefault("scanner.sessions", []string{string(models.SessionPreMarket), string(models.SessionRegularMarket)})
	v.SetDefault("scanner.sleep_seconds", 10)
	v.SetDefault("scanner.output_length", "15")
	v.SetDefault("scanner.respect_market_hours", false)
	v.SetDefault("scanner.timezone", "America/New_York")
	v.SetDefault("scanner.ticker_timeout", 2*time.Minute)
	v.SetDefault("scanner.max_backoff", 5*time.Minute)
	v.SetDefault("scanner.pre_market_sources", []string{"schwab_movers", "stockanalysis_premarket"})
	v.SetDefault("scanner.regular_market_sources", []string{"schwab_movers", "stockanalysis_gainers", "stockanalysis_active"})
	v.SetDefault("scanner.keep_warm", true)

	v.SetDefault("providers.yahoo_enabled", true)
	v.SetDefault("providers.news_count", 10)
	v.SetDefault("providers.scrape_user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15")
	v.SetDefault("providers.http_timeout", 15*time.Second)
	v.SetDefault("providers.breaker_failures", 5)
	v.SetDefault("providers.breaker_cool_down", 2*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "scanner.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := createTemplateCredentials(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(creds)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// envInt parses an integer variable, leaving dst untouched when unset.
func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return apperrors.NewValidationError(name, raw, "must be an integer")
	}
	*dst = n
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *Config) error {
	envString("ENVIRONMENT", &cfg.Environment)

	// Database
	envString("DB_DRIVER", &cfg.Database.Driver)
	envString("DB_HOST", &cfg.Database.Host)
	envString("DB_NAME", &cfg.Database.Name)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_SQLITE_PATH", &cfg.Database.SQLitePath)
	if err := envInt("DB_PORT", &cfg.Database.Port); err != nil {
		return err
	}
	if err := envInt("DB_MIN_CONN", &cfg.Database.MinConns); err != nil {
		return err
	}
	if err := envInt("DB_MAX_CONN", &cfg.Database.MaxConns); err != nil {
		return err
	}

	// Schwab app registration
	envString("APP_KEY_SCHWAB", &cfg.Credentials.Schwab.AppKey)
	envString("CLIENT_SECRET_SCHWAB", &cfg.Credentials.Schwab.ClientSecret)

	// Scanner
	if err := envInt("SCANNER_SLEEP_TIME", &cfg.Scanner.SleepSeconds); err != nil {
		return err
	}
	envString("SCANNER_OUTPUT_LENGTH", &cfg.Scanner.OutputLength)

	// Logging
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)

	// Optional mover APIs
	envString("ALPHA_VANTAGE_API_KEY", &cfg.Credentials.AlphaVantage.APIKey)
	envString("POLYGON_API_KEY", &cfg.Credentials.Polygon.APIKey)
	envString("FMP_API_KEY", &cfg.Credentials.FMP.APIKey)
	envString("ALPACA_CLIENT_ID", &cfg.Credentials.Alpaca.ClientID)
	envString("ALPACA_CLIENT_SECRET", &cfg.Credentials.Alpaca.ClientSecret)
	envString("INTRINIO_API_KEY", &cfg.Credentials.Intrinio.APIKey)

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		return apperrors.NewValidationError("environment", c.Environment, "must be development, testing or production")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return apperrors.NewValidationError("database", c.Database.Host, "host and name are required for postgres")
		}
		if c.Database.MinConns < 0 || c.Database.MaxConns < 1 || c.Database.MinConns > c.Database.MaxConns {
			return apperrors.NewValidationError("database.max_conns", c.Database.MaxConns, "need 0 <= min_conns <= max_conns and max_conns >= 1")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return apperrors.NewValidationError("database.sqlite_path", "", "required for sqlite")
		}
	case "memory":
	default:
		return apperrors.NewValidationError("database.driver", c.Database.Driver, "must be postgres, sqlite or memory")
	}

	if c.Scanner.SleepSeconds < 0 {
		return apperrors.NewValidationError("scanner.sleep_seconds", c.Scanner.SleepSeconds, "must be non-negative")
	}
	if _, err := c.Scanner.Limit(); err != nil {
		return err
	}
	if _, err := c.Scanner.SessionTypes(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Scanner.Timezone); err != nil {
		return apperrors.NewValidationError("scanner.timezone", c.Scanner.Timezone, err.Error())
	}

	if c.Schwab.RequestsPerSecond <= 0 {
		return apperrors.NewValidationError("schwab.requests_per_second", c.Schwab.RequestsPerSecond, "must be positive")
	}
	if c.Schwab.RefreshMargin < 0 || c.Schwab.RefreshMargin >= models.AccessTokenLifetime {
		return apperrors.NewValidationError("schwab.refresh_margin", c.Schwab.RefreshMargin, "must be between 0 and the access token lifetime")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return apperrors.NewValidationError("logging.format", c.Logging.Format, "must be text or json")
	}

	return nil
}

// Limit parses OutputLength; 0 means no limit.
func (s ScannerConfig) Limit() (int, error) {
	raw := strings.TrimSpace(s.OutputLength)
	if raw == "" {
		return 15, nil
	}
	if strings.EqualFold(raw, OutputLengthAll) {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperrors.NewValidationError("scanner.output_length", raw, `must be a positive integer or "total"`)
	}
	return n, nil
}

// Interval returns the sleep between scan cycles.
func (s ScannerConfig) Interval() time.Duration {
	return time.Duration(s.SleepSeconds) * time.Second
}

// SessionTypes parses the configured sessions.
func (s ScannerConfig) SessionTypes() ([]models.SessionType, error) {
	out := make([]models.SessionType, 0, len(s.Sessions))
	for _, raw := range s.Sessions {
		st, err := models.ParseSession(raw)
		if err != nil {
			return nil, apperrors.NewValidationError("scanner.sessions", raw, err.Error())
		}
		out = append(out, st)
	}
	return out, nil
}

// Location returns the market timezone.
func (s ScannerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasSchwab reports whether the Schwab app credentials are configured.
func (c *Config) HasSchwab() bool {
	return c.Credentials.Schwab.AppKey != "" && c.Credentials.Schwab.ClientSecret != ""
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
