package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:             "development",
		LogLevel:        "info",
		DatabaseURL:     "postgres://localhost:5432/fhirstore",
		DefaultPageSize: 50,
		MaxPageSize:     500,
		ScanBudget:      100000,
		CursorTTL:       24 * time.Hour,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate unexpected error: %v", err)
	}
}

func TestValidatePageSizes(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultPageSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero default page size accepted")
	}

	cfg = validConfig()
	cfg.DefaultPageSize = 600
	cfg.MaxPageSize = 500
	if err := cfg.Validate(); err == nil {
		t.Error("default page size above the maximum accepted")
	}
}

func TestValidateScanBudget(t *testing.T) {
	cfg := validConfig()
	cfg.ScanBudget = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative scan budget accepted")
	}

	cfg.ScanBudget = 0 // unlimited
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero scan budget rejected: %v", err)
	}
}

func TestValidateProductionCursorSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("production without a cursor secret accepted")
	}

	cfg.CursorSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Error("production with a short cursor secret accepted")
	}

	cfg.CursorSecret = "0123456789abcdef0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Errorf("production with a proper secret rejected: %v", err)
	}

	// Development runs with an ephemeral secret.
	dev := validConfig()
	if err := dev.Validate(); err != nil {
		t.Errorf("development without a secret rejected: %v", err)
	}
}

func TestEnvPredicates(t *testing.T) {
	cfg := validConfig()
	if !cfg.IsDev() || cfg.IsProduction() {
		t.Errorf("development predicates wrong: dev=%v prod=%v", cfg.IsDev(), cfg.IsProduction())
	}
	cfg.Env = "production"
	if cfg.IsDev() || !cfg.IsProduction() {
		t.Errorf("production predicates wrong: dev=%v prod=%v", cfg.IsDev(), cfg.IsProduction())
	}
}
