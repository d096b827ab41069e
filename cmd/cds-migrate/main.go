// Package main copies the flat-file series into Postgres, verifying
// the result before reporting success.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/clock/system"
	"github.com/sovrisk/cds-feeder/internal/config"
	"github.com/sovrisk/cds-feeder/internal/logging"
	"github.com/sovrisk/cds-feeder/internal/store/csvfile"
	"github.com/sovrisk/cds-feeder/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cds-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file")
	force := flag.Bool("force", false, "merge into a target table that already holds rows")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.Storage.CSVPath == "" {
		return fmt.Errorf("storage.csv_path is required to migrate")
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required to migrate")
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := csvfile.New(cfg.Storage.CSVPath, system.New(), logger)
	if err != nil {
		return err
	}
	observations, err := src.LoadAll(ctx)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Println("CSV file holds no observations; nothing to migrate.")
		return nil
	}
	logger.Info("csv loaded",
		zap.Int("records", len(observations)),
		zap.String("path", cfg.Storage.CSVPath),
	)

	dst, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil {
			logger.Warn("close postgres", zap.Error(closeErr))
		}
	}()

	if err := dst.EnsureSchema(ctx); err != nil {
		return err
	}

	existing, err := dst.Stats(ctx)
	if err != nil {
		return err
	}
	if existing.TotalRecords > 0 && !*force {
		return fmt.Errorf("target already holds %d records; re-run with -force to merge",
			existing.TotalRecords)
	}

	stats, err := dst.Upsert(ctx, observations)
	if err != nil {
		return err
	}

	if err := verify(ctx, src, dst); err != nil {
		return err
	}

	summary, err := dst.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Migrated %d observations: %s\n", len(observations), stats)
	fmt.Printf("Target now holds %d records from %s to %s.\n",
		summary.TotalRecords, summary.OldestDate, summary.LatestDate)
	return nil
}

// verify re-reads both sides and requires every CSV date to be present in
// Postgres with the same values. Extra rows already in the target are
// fine; they only occur on -force merges.
func verify(ctx context.Context, src *csvfile.Store, dst *postgres.Store) error {
	want, err := src.LoadAll(ctx)
	if err != nil {
		return err
	}
	got, err := dst.LoadAll(ctx)
	if err != nil {
		return err
	}

	migrated := make(map[cds.Date]cds.Observation, len(got))
	for _, o := range got {
		migrated[o.Date] = o
	}

	var missing, differing int
	for _, o := range want {
		stored, ok := migrated[o.Date]
		switch {
		case !ok:
			missing++
		case !stored.Equal(o):
			differing++
		}
	}
	if missing > 0 || differing > 0 {
		return fmt.Errorf("verification failed: %d dates missing, %d rows differ between csv and postgres",
			missing, differing)
	}
	fmt.Printf("Verification passed: all %d dates present with matching values.\n", len(want))
	return nil
}
