// Package store defines the persistence contract shared by the flat-file
// and Postgres backends, and opens the configured one.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/config"
	"github.com/sovrisk/cds-feeder/internal/store/csvfile"
	"github.com/sovrisk/cds-feeder/internal/store/postgres"
)

// Store is the full capability surface of a storage backend. Both backends
// return identical results for the same logical data set.
type Store interface {
	// LoadAll returns every stored observation ascending by date.
	LoadAll(ctx context.Context) ([]cds.Observation, error)
	// Upsert merges a batch by date, last write wins, and reports counts.
	Upsert(ctx context.Context, batch []cds.Observation) (cds.MergeStats, error)
	// Query returns observations inside the bounds, ascending; with a
	// limit, the most recent Limit rows inside the bounds.
	Query(ctx context.Context, q cds.Query) ([]cds.Observation, error)
	// Latest returns the n newest observations, newest first.
	Latest(ctx context.Context, n int) ([]cds.Observation, error)
	// Stats summarizes the stored series in one call.
	Stats(ctx context.Context) (cds.SummaryStats, error)
	// Ping verifies the backend is reachable and usable.
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*csvfile.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open constructs the backend selected by storage.backend. The Postgres
// backend has its schema ensured before it is returned.
func Open(ctx context.Context, cfg config.Config, clock cds.Clock, logger *zap.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendCSV:
		return csvfile.New(cfg.Storage.CSVPath, clock, logger)
	case config.BackendPostgres:
		st, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("storage.backend: unsupported backend %q", cfg.Storage.Backend)
	}
}
