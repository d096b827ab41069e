// Package csvfile implements the flat-file storage backend: one CSV with a
// header row, observations ascending by date, and a timestamped backup
// sibling written before every rewrite.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/reconcile"
)

var header = []string{"date", "open", "high", "low", "close", "change_pct"}

// Store reads and rewrites a single CSV file. Writes are serialized with a
// mutex; cross-process coordination is out of scope.
type Store struct {
	mu     sync.Mutex
	path   string
	clock  cds.Clock
	logger *zap.Logger
}

// New validates the path and makes sure its directory exists.
func New(path string, clock cds.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "open", Err: errors.New("csv path is required")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "open", Err: fmt.Errorf("create data directory: %w", err)}
	}
	return &Store{path: path, clock: clock, logger: logger}, nil
}

// LoadAll returns every stored observation ascending by date. A missing
// file is an empty series, not an error.
func (s *Store) LoadAll(ctx context.Context) ([]cds.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Upsert merges the batch into the stored set and rewrites the file.
func (s *Store) Upsert(ctx context.Context, batch []cds.Observation) (cds.MergeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked()
	if err != nil {
		return cds.MergeStats{}, err
	}
	merged, stats := reconcile.Merge(existing, batch)
	if err := s.saveLocked(merged); err != nil {
		return cds.MergeStats{}, err
	}
	s.logger.Info("csv updated",
		zap.String("path", s.path),
		zap.Int("total_rows", len(merged)),
		zap.Stringer("merge", stats),
	)
	return stats, nil
}

// Query filters by the inclusive bounds and keeps the most recent Limit
// rows when one is set, ascending.
func (s *Store) Query(ctx context.Context, q cds.Query) ([]cds.Observation, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]cds.Observation, 0, len(all))
	for _, obs := range all {
		if q.Start != nil && obs.Date.Before(*q.Start) {
			continue
		}
		if q.End != nil && obs.Date.After(*q.End) {
			continue
		}
		filtered = append(filtered, obs)
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}
	return filtered, nil
}

// Latest returns the n newest observations, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]cds.Observation, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]cds.Observation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Stats summarizes the stored series.
func (s *Store) Stats(ctx context.Context) (cds.SummaryStats, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return cds.SummaryStats{}, err
	}
	if len(all) == 0 {
		return cds.SummaryStats{}, nil
	}
	oldest := all[0]
	latest := all[len(all)-1]
	return cds.SummaryStats{
		TotalRecords:  len(all),
		OldestDate:    oldest.Date,
		LatestDate:    latest.Date,
		LatestClose:   latest.Close,
		DateRangeDays: latest.Date.DaysSince(oldest.Date),
	}, nil
}

// Ping verifies the file, when present, can be opened.
func (s *Store) Ping(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "ping", Err: err}
	}
	return f.Close()
}

func (s *Store) Close() error { return nil }

func (s *Store) loadLocked() ([]cds.Observation, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("csv file missing; starting empty", zap.String("path", s.path))
			return nil, nil
		}
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "load", Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "load", Err: err}
	}
	if len(records) == 0 {
		return nil, nil
	}

	cols, err := columnIndex(records[0])
	if err != nil {
		return nil, &cds.StorageError{Kind: cds.StorageIOFailure, Op: "load", Err: err}
	}

	observations := make([]cds.Observation, 0, len(records)-1)
	for i, record := range records[1:] {
		obs, err := decodeRecord(cols, record)
		if err != nil {
			// A broken line loses one row, never the series.
			s.logger.Warn("skipping malformed csv line",
				zap.Int("line", i+2),
				zap.Error(err),
			)
			continue
		}
		observations = append(observations, obs)
	}
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Date.Before(observations[j].Date)
	})
	return observations, nil
}

func (s *Store) saveLocked(observations []cds.Observation) error {
	s.backupLocked()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cds_write_*")
	if err != nil {
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
	}
	for _, obs := range observations {
		if err := w.Write(encodeRecord(obs)); err != nil {
			tmp.Close()
			return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return &cds.StorageError{Kind: cds.StorageIOFailure, Op: "save", Err: err}
	}
	return nil
}

// backupLocked copies the current file to a timestamped sibling before a
// rewrite. Backup failure is logged and swallowed: losing a backup must
// not block fresh data.
func (s *Store) backupLocked() {
	src, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer src.Close()

	stem := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	name := fmt.Sprintf("%s__bkp_%s.csv", stem, s.clock.Now().Format("20060102_150405"))
	backupPath := filepath.Join(filepath.Dir(s.path), name)

	dst, err := os.Create(backupPath)
	if err != nil {
		s.logger.Warn("backup failed", zap.String("path", backupPath), zap.Error(err))
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		s.logger.Warn("backup failed", zap.String("path", backupPath), zap.Error(err))
		return
	}
	s.logger.Debug("backup created", zap.String("path", backupPath))
}

func columnIndex(captions []string) (map[string]int, error) {
	cols := make(map[string]int, len(captions))
	for i, caption := range captions {
		cols[strings.ToLower(strings.TrimSpace(caption))] = i
	}
	if _, ok := cols["date"]; !ok {
		return nil, errors.New("unrecognized csv header: no date column")
	}
	if _, ok := cols["close"]; !ok {
		return nil, errors.New("unrecognized csv header: no close column")
	}
	return cols, nil
}

func decodeRecord(cols map[string]int, record []string) (cds.Observation, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	date, err := cds.ParseDate(field("date"))
	if err != nil {
		return cds.Observation{}, fmt.Errorf("date: %w", err)
	}
	closeVal, err := decimal.NewFromString(field("close"))
	if err != nil {
		return cds.Observation{}, fmt.Errorf("close: %w", err)
	}

	obs := cds.Observation{Date: date, Close: closeVal}
	for name, dst := range map[string]*decimal.NullDecimal{
		"open":       &obs.Open,
		"high":       &obs.High,
		"low":        &obs.Low,
		"change_pct": &obs.ChangePct,
	} {
		raw := field(name)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return cds.Observation{}, fmt.Errorf("%s: %w", name, err)
		}
		*dst = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return obs, nil
}

func encodeRecord(o cds.Observation) []string {
	return []string{
		o.Date.String(),
		nullDecimalString(o.Open),
		nullDecimalString(o.High),
		nullDecimalString(o.Low),
		o.Close.StringFixed(4),
		nullDecimalString(o.ChangePct),
	}
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(4)
}
