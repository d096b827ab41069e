// Package postgres implements the database storage backend on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/reconcile"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Six parameters per row keeps a full chunk far below the protocol's
// parameter limit.
const upsertChunkSize = 1000

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store persists observations in a single Postgres table keyed by date.
type Store struct {
	pool   querier
	table  string
	logger *zap.Logger
}

// New connects a pool with the shopspring decimal codec registered on
// every connection and verifies reachability with a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: "connect", Err: errors.New("db.dsn is required")}
	}
	table := cfg.Table
	if table == "" {
		table = "cds_observations"
	}
	if !validTableName.MatchString(table) {
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "connect", Err: fmt.Errorf("invalid table name %q", table)}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: "connect", Err: fmt.Errorf("parse postgres dsn: %w", err)}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: "connect", Err: err}
	}
	return &Store{pool: pool, table: table, logger: logger}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier, table string, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "cds_observations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, logger: logger}, nil
}

// EnsureSchema creates the observations table and its descending date
// index when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	date DATE PRIMARY KEY,
	open NUMERIC(10,4),
	high NUMERIC(10,4),
	low NUMERIC(10,4),
	close NUMERIC(10,4) NOT NULL,
	change_pct NUMERIC(10,4),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return mapError("ensure_schema", err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_date_desc ON %s (date DESC)", s.table, s.table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return mapError("ensure_schema", err)
	}
	s.logger.Debug("schema ensured", zap.String("table", s.table))
	return nil
}

// LoadAll returns every stored observation ascending by date.
func (s *Store) LoadAll(ctx context.Context) ([]cds.Observation, error) {
	sql := fmt.Sprintf("SELECT date, open, high, low, close, change_pct FROM %s ORDER BY date ASC", s.table)
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, mapError("load", err)
	}
	out, err := scanObservations(rows)
	if err != nil {
		return nil, mapError("load", err)
	}
	return out, nil
}

// Upsert merges the batch in one transaction. The database decides each
// row's fate: a conflict-free insert reports xmax = 0, a row the update
// clause touched reports xmax != 0, and a row it skipped because nothing
// differed returns nothing at all.
func (s *Store) Upsert(ctx context.Context, batch []cds.Observation) (cds.MergeStats, error) {
	rows := reconcile.Collapse(batch)
	if len(rows) == 0 {
		return cds.MergeStats{}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return cds.MergeStats{}, mapError("upsert", err)
	}
	defer tx.Rollback(ctx)

	var stats cds.MergeStats
	for start := 0; start < len(rows); start += upsertChunkSize {
		chunk := rows[start:min(start+upsertChunkSize, len(rows))]
		inserted, updated, err := s.upsertChunk(ctx, tx, chunk)
		if err != nil {
			return cds.MergeStats{}, err
		}
		stats.Inserted += inserted
		stats.Updated += updated
		stats.Unchanged += len(chunk) - inserted - updated
	}
	if err := tx.Commit(ctx); err != nil {
		return cds.MergeStats{}, mapError("upsert", err)
	}
	s.logger.Info("postgres upsert",
		zap.String("table", s.table),
		zap.Int("batch", len(rows)),
		zap.Stringer("merge", stats),
	)
	return stats, nil
}

func (s *Store) upsertChunk(ctx context.Context, tx pgx.Tx, chunk []cds.Observation) (inserted, updated int, err error) {
	var sb strings.Builder
	args := make([]any, 0, len(chunk)*6)
	fmt.Fprintf(&sb, "INSERT INTO %s AS o (date, open, high, low, close, change_pct) VALUES ", s.table)
	for i, obs := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, obs.Date.Time(), obs.Open, obs.High, obs.Low, obs.Close, obs.ChangePct)
	}
	sb.WriteString(`
ON CONFLICT (date) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	change_pct = EXCLUDED.change_pct,
	updated_at = now()
WHERE (o.open, o.high, o.low, o.close, o.change_pct)
	IS DISTINCT FROM
	(EXCLUDED.open, EXCLUDED.high, EXCLUDED.low, EXCLUDED.close, EXCLUDED.change_pct)
RETURNING (xmax = 0) AS inserted`)

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return 0, 0, mapError("upsert", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fresh bool
		if err := rows.Scan(&fresh); err != nil {
			return 0, 0, mapError("upsert", err)
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, mapError("upsert", err)
	}
	return inserted, updated, nil
}

// Query returns observations inside the inclusive bounds, ascending. With
// a limit, the most recent rows inside the bounds are selected first, then
// re-ordered ascending.
func (s *Store) Query(ctx context.Context, q cds.Query) ([]cds.Observation, error) {
	sql := fmt.Sprintf(`
SELECT date, open, high, low, close, change_pct FROM (
	SELECT date, open, high, low, close, change_pct
	FROM %s
	WHERE ($1::date IS NULL OR date >= $1)
	  AND ($2::date IS NULL OR date <= $2)
	ORDER BY date DESC
	LIMIT $3
) recent ORDER BY date ASC`, s.table)

	var start, end, limit any
	if q.Start != nil {
		start = q.Start.Time()
	}
	if q.End != nil {
		end = q.End.Time()
	}
	if q.Limit > 0 {
		limit = q.Limit
	}

	rows, err := s.pool.Query(ctx, sql, start, end, limit)
	if err != nil {
		return nil, mapError("query", err)
	}
	out, err := scanObservations(rows)
	if err != nil {
		return nil, mapError("query", err)
	}
	return out, nil
}

// Latest returns the n newest observations, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]cds.Observation, error) {
	if n <= 0 {
		return nil, nil
	}
	sql := fmt.Sprintf("SELECT date, open, high, low, close, change_pct FROM %s ORDER BY date DESC LIMIT $1", s.table)
	rows, err := s.pool.Query(ctx, sql, n)
	if err != nil {
		return nil, mapError("latest", err)
	}
	out, err := scanObservations(rows)
	if err != nil {
		return nil, mapError("latest", err)
	}
	return out, nil
}

// Stats summarizes the stored series in a single round trip.
func (s *Store) Stats(ctx context.Context) (cds.SummaryStats, error) {
	sql := fmt.Sprintf(`
SELECT COUNT(*),
	MIN(date),
	MAX(date),
	(SELECT close FROM %s ORDER BY date DESC LIMIT 1)
FROM %s`, s.table, s.table)

	var (
		total          int
		oldest, latest *time.Time
		latestClose    decimal.NullDecimal
	)
	row := s.pool.QueryRow(ctx, sql)
	if err := row.Scan(&total, &oldest, &latest, &latestClose); err != nil {
		return cds.SummaryStats{}, mapError("stats", err)
	}
	if total == 0 || oldest == nil || latest == nil {
		return cds.SummaryStats{}, nil
	}
	stats := cds.SummaryStats{
		TotalRecords:  total,
		OldestDate:    cds.DateOf(*oldest),
		LatestDate:    cds.DateOf(*latest),
		DateRangeDays: cds.DateOf(*latest).DaysSince(cds.DateOf(*oldest)),
	}
	if latestClose.Valid {
		stats.LatestClose = latestClose.Decimal
	}
	return stats, nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanObservations(rows pgx.Rows) ([]cds.Observation, error) {
	defer rows.Close()
	var out []cds.Observation
	for rows.Next() {
		var (
			day time.Time
			obs cds.Observation
		)
		if err := rows.Scan(&day, &obs.Open, &obs.High, &obs.Low, &obs.Close, &obs.ChangePct); err != nil {
			return nil, err
		}
		obs.Date = cds.DateOf(day)
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapError folds driver failures into the storage taxonomy: SQLSTATE class
// 23 is a constraint violation, class 08 and network errors are connection
// failures, everything else is an IO failure.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return &cds.StorageError{Kind: cds.StorageConstraintViolation, Op: op, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"):
			return &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: op, Err: err}
		default:
			return &cds.StorageError{Kind: cds.StorageIOFailure, Op: op, Err: err}
		}
	}
	if isConnectionError(err) {
		return &cds.StorageError{Kind: cds.StorageConnectionFailed, Op: op, Err: err}
	}
	return &cds.StorageError{Kind: cds.StorageIOFailure, Op: op, Err: err}
}

func isConnectionError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
