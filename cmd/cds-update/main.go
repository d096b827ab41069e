// Package main runs one ingestion cycle: fetch the quotes page, parse
// it and fold the day's rows into the configured backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/app"
	"github.com/sovrisk/cds-feeder/internal/config"
	"github.com/sovrisk/cds-feeder/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cds-update: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "cds-update: close: %v\n", closeErr)
		}
	}()

	logger := a.Logger()
	zap.ReplaceGlobals(logger)
	logger.Info("ingestion cycle starting",
		zap.String("url", cfg.Source.URL),
		zap.String("backend", cfg.Storage.Backend),
	)

	stats, err := a.Pipeline().Run(ctx)
	if err != nil {
		return err
	}

	summary, err := a.Store().Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Merge result: %s\n", stats)
	fmt.Printf("Dataset: %d records", summary.TotalRecords)
	if summary.TotalRecords > 0 {
		fmt.Printf(" from %s to %s (%d days), latest close %s",
			summary.OldestDate, summary.LatestDate,
			summary.DateRangeDays, summary.LatestClose.StringFixed(4))
	}
	fmt.Println()
	return nil
}
