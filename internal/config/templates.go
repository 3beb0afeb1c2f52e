package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Market Scanner Configuration
# Environment variables (DB_HOST, SCANNER_SLEEP_TIME, LOG_LEVEL, ...) override these values.

environment = "development"

[database]
driver = "postgres"  # postgres, sqlite, memory
host = "localhost"
port = 5432
name = "scanner"
user = "postgres"
password = ""
ssl_mode = "prefer"
min_conns = 1
max_conns = 10
sqlite_path = "~/.config/market-scanner/scanner.db"

[schwab]
market_data_url = "https://api.schwabapi.com/marketdata/v1"
auth_url = "https://api.schwabapi.com/v1/oauth/authorize"
token_url = "https://api.schwabapi.com/v1/oauth/token"
redirect_url = "https://127.0.0.1"
requests_per_second = 2.0
burst = 4
timeout = "15s"
max_retries = 3
refresh_margin = "60s"

[scanner]
sessions = ["pre_market", "regular_market"]
sleep_seconds = 10
output_length = "15"  # or "total"
respect_market_hours = false
timezone = "America/New_York"
ticker_timeout = "2m"
max_backoff = "5m"
pre_market_sources = ["schwab_movers", "stockanalysis_premarket"]
regular_market_sources = ["schwab_movers", "stockanalysis_gainers", "stockanalysis_active"]
keep_warm = true

[providers]
yahoo_enabled = true
news_count = 10
http_timeout = "15s"
breaker_failures = 5
breaker_cool_down = "2m"

[logging]
level = "info"
format = "text"  # text, json
file = true
file_path = "~/.config/market-scanner/logs/scanner.log"
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# Market Scanner Credentials
# Keep this file private (chmod 600)

[schwab]
app_key = ""
client_secret = ""

# Optional mover sources, enabled when a key is present
[alpha_vantage]
api_key = ""

[polygon]
api_key = ""

[fmp]
api_key = ""

[alpaca]
client_id = ""
client_secret = ""

[intrinio]
api_key = ""
`

func createTemplateConfig(configDir string) error {
	return writeTemplate(configDir, "config.toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write %s template: %w", name, err)
	}

	return nil
}
