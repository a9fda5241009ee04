/*
Package config loads server configuration.

PURPOSE:
  Defaults plus an optional TOML file. Every field has a sane default so
  the server runs with no config file at all; the file only overrides.

EXAMPLE (ledger.toml):

  [server]
  listen = ":8080"
  cors_origins = ["https://app.example.com"]

  [database]
  path = "./data/ledger.db"

  [ledger]
  free_monthly_credits = 100
  refresh_interval_days = 30
  page_size_max = 100

  [sweeper]
  enabled = true
  interval = "10m"
  batch_size = 100
*/
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warp/credit-ledger/credit"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
}

type ServerConfig struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file; ":memory:" for ephemeral dev mode.
	Path string `toml:"path"`
}

type LedgerConfig struct {
	FreeMonthlyCredits  int64 `toml:"free_monthly_credits"`
	RefreshIntervalDays int   `toml:"refresh_interval_days"`
	PageSizeMin         int   `toml:"page_size_min"`
	PageSizeMax         int   `toml:"page_size_max"`
	PageSizeDefault     int   `toml:"page_size_default"`
}

type SweeperConfig struct {
	Enabled bool `toml:"enabled"`
	// Interval between background sweep passes, as a Go duration string.
	Interval  string `toml:"interval"`
	BatchSize int    `toml:"batch_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	s := credit.DefaultSettings()
	return Config{
		Server: ServerConfig{
			Listen:      ":8080",
			CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{
			Path: "ledger.db",
		},
		Ledger: LedgerConfig{
			FreeMonthlyCredits:  s.FreeMonthlyCredits,
			RefreshIntervalDays: int(s.RefreshInterval / (24 * time.Hour)),
			PageSizeMin:         s.PageSizeMin,
			PageSizeMax:         s.PageSizeMax,
			PageSizeDefault:     s.PageSizeDefault,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  "10m",
			BatchSize: 100,
		},
	}
}

// Load reads the TOML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.SweepInterval(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Settings maps the ledger section onto engine settings.
func (c Config) Settings() credit.Settings {
	return credit.Settings{
		FreeMonthlyCredits: c.Ledger.FreeMonthlyCredits,
		RefreshInterval:    time.Duration(c.Ledger.RefreshIntervalDays) * 24 * time.Hour,
		PageSizeMin:        c.Ledger.PageSizeMin,
		PageSizeMax:        c.Ledger.PageSizeMax,
		PageSizeDefault:    c.Ledger.PageSizeDefault,
	}
}

// SweepInterval parses the sweeper interval.
func (c Config) SweepInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sweeper.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid sweeper interval %q: %w", c.Sweeper.Interval, err)
	}
	return d, nil
}
