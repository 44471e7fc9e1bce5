// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	DefaultPageSize int `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `mapstructure:"MAX_PAGE_SIZE"`
	ScanBudget      int `mapstructure:"SCAN_BUDGET"`

	CursorSecret   string        `mapstructure:"CURSOR_SECRET"`
	CursorTTL      time.Duration `mapstructure:"CURSOR_TTL"`
	RejectDangling bool          `mapstructure:"REJECT_DANGLING_REFS"`

	MetricsAddr string `mapstructure:"METRICS_ADDR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_PAGE_SIZE", 50)
	v.SetDefault("MAX_PAGE_SIZE", 500)
	v.SetDefault("SCAN_BUDGET", 100000)
	v.SetDefault("CURSOR_TTL", "24h")
	v.SetDefault("REJECT_DANGLING_REFS", false)
	v.SetDefault("METRICS_ADDR", "")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("DEFAULT_PAGE_SIZE")
	v.BindEnv("MAX_PAGE_SIZE")
	v.BindEnv("SCAN_BUDGET")
	v.BindEnv("CURSOR_SECRET")
	v.BindEnv("CURSOR_TTL")
	v.BindEnv("REJECT_DANGLING_REFS")
	v.BindEnv("METRICS_ADDR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the engine is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// an explicit cursor secret so pagination tokens stay verifiable across
// restarts; development falls back to an ephemeral one.
func (c *Config) Validate() error {
	if c.DefaultPageSize <= 0 || c.MaxPageSize <= 0 {
		return fmt.Errorf("page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("DEFAULT_PAGE_SIZE (%d) exceeds MAX_PAGE_SIZE (%d)", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.ScanBudget < 0 {
		return fmt.Errorf("SCAN_BUDGET must not be negative")
	}
	if c.IsProduction() && len(c.CursorSecret) < 32 {
		return fmt.Errorf("CURSOR_SECRET must be at least 32 characters in production")
	}
	return nil
}
