package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirstore",
		Short: "FHIR resource storage and search engine",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// bootstrap loads config and opens the pool. Callers own pool.Close.
func bootstrap(ctx context.Context) (*config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, log, nil, err
	}
	return cfg, log, pool, nil
}

func newEngine(cfg *config.Config, store fhir.Storage, log zerolog.Logger) *fhir.Engine {
	secret := []byte(cfg.CursorSecret)
	if len(secret) == 0 {
		// Development fallback: cursors stop verifying across restarts.
		secret = make([]byte, 32)
		if _, err := crypto_rand.Read(secret); err != nil {
			log.Fatal().Err(err).Msg("generate ephemeral cursor secret")
		}
		log.Warn().Msg("CURSOR_SECRET not set; using an ephemeral secret")
	}

	return fhir.NewEngine(store, fhir.MustDefaultRegistry(), fhir.EngineConfig{
		CursorSecret:       secret,
		CursorTTL:          cfg.CursorTTL,
		DefaultPageSize:    cfg.DefaultPageSize,
		MaxPageSize:        cfg.MaxPageSize,
		ScanBudget:         cfg.ScanBudget,
		RejectDanglingRefs: cfg.RejectDangling,
	}, log)
}

// startMetrics exposes /metrics when METRICS_ADDR is configured.
func startMetrics(cfg *config.Config, log zerolog.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, log, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("applied", applied).Msg("migrations complete")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, _, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, cfg.MigrationsDir).Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%03d  %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}

	cmd.AddCommand(upCmd)
	cmd.AddCommand(statusCmd)
	return cmd
}

func reindexCmd() *cobra.Command {
	var resourceType string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild search index, reference edges and compartment membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, log, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			startMetrics(cfg, log)

			store := fhir.NewPGStorage(pool)
			registry := fhir.MustDefaultRegistry()
			reindexer := fhir.NewReindexer(store, fhir.NewExtractor(registry),
				fhir.NewCompartmentManager(fhir.DefaultPatientCompartment()), log)

			progress := make(chan fhir.ReindexProgress, 16)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for p := range progress {
					log.Info().Int("processed", p.Processed).Int("failed", p.Failed).Msg("reindex progress")
				}
			}()

			stats, err := reindexer.Run(ctx, resourceType, progress)
			close(progress)
			<-done
			if err != nil {
				return err
			}
			log.Info().Int("processed", stats.Processed).Int("failed", stats.Failed).Msg("reindex finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "restrict to one resource type")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Atomically import an NDJSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, log, pool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			startMetrics(cfg, log)

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			engine := newEngine(cfg, fhir.NewPGStorage(pool), log)
			stats, err := fhir.NewImporter(engine, log).Run(ctx, f)
			if err != nil {
				return err
			}
			log.Info().Int("created", stats.Created).Int("updated", stats.Updated).Msg("import finished")
			return nil
		},
	}
}
