// Package app assembles the feeder's long-lived services from
// configuration, acting as the composition root for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/archive"
	"github.com/sovrisk/cds-feeder/internal/clock/system"
	"github.com/sovrisk/cds-feeder/internal/config"
	"github.com/sovrisk/cds-feeder/internal/fetch"
	"github.com/sovrisk/cds-feeder/internal/logging"
	"github.com/sovrisk/cds-feeder/internal/parse"
	"github.com/sovrisk/cds-feeder/internal/pipeline"
	"github.com/sovrisk/cds-feeder/internal/store"
)

// App holds the shared services built from one Config: the logger, the
// storage backend and the ingestion pipeline. It is initialized once at
// startup and closed once on the way out.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    store.Store
	pipeline *pipeline.Pipeline
	renderer *fetch.Renderer
}

// New builds the full service graph, failing fast when any piece cannot
// be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	clock := system.New()

	st, err := store.Open(ctx, cfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	logger.Info("storage ready", zap.String("backend", cfg.Storage.Backend))

	fetcher := fetch.New(fetch.Config{
		URL:            cfg.Source.URL,
		UserAgent:      cfg.Source.UserAgent,
		AcceptLanguage: cfg.Source.AcceptLanguage,
		Referer:        cfg.Source.Referer,
		RespectRobots:  cfg.Source.RespectRobots,
		Timeout:        cfg.HTTP.Timeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.HTTP.BackoffInitial(),
		BackoffMax:     cfg.HTTP.BackoffMax(),
	}, logger)

	deps := pipeline.Deps{
		Fetcher:    fetcher,
		Parser:     parse.New(cfg.Source.TableXPath, logger),
		Normalizer: parse.NewNormalizer(logger),
		Store:      st,
		SourceURL:  cfg.Source.URL,
		Logger:     logger,
	}

	a := &App{cfg: cfg, logger: logger, store: st}

	if cfg.Headless.Enabled {
		a.renderer = fetch.NewRenderer(fetch.RendererConfig{
			UserAgent:         cfg.Source.UserAgent,
			AcceptLanguage:    cfg.Source.AcceptLanguage,
			NavigationTimeout: cfg.Headless.NavTimeout(),
		})
		deps.Renderer = a.renderer
		deps.Detector = fetch.NewDetector()
		logger.Info("headless rendering enabled")
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.New(cfg.Archive.Dir, clock, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("initialize archive: %w", err)
		}
		deps.Archiver = archiver
		logger.Info("page archive enabled", zap.String("dir", cfg.Archive.Dir))
	}

	a.pipeline = pipeline.New(deps)
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured storage backend.
func (a *App) Store() store.Store {
	return a.store
}

// Pipeline returns the ingestion pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Close releases the browser and the storage backend and flushes logs.
func (a *App) Close() error {
	var errs []error
	if a.renderer != nil {
		a.renderer.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync() // stderr sync is best-effort
	return errors.Join(errs...)
}
