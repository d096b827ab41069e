package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cds_data.csv")
	clock := fixedClock{now: time.Date(2025, 8, 4, 12, 0, 0, 0, time.UTC)}
	s, err := New(path, clock, zap.NewNop())
	require.NoError(t, err)
	return s, path
}

func obs(date, close string) cds.Observation {
	d, err := cds.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return cds.Observation{Date: d, Close: decimal.RequireFromString(close)}
}

func fullObs(date, open, high, low, close, changePct string) cds.Observation {
	o := obs(date, close)
	o.Open = decimal.NullDecimal{Decimal: decimal.RequireFromString(open), Valid: true}
	o.High = decimal.NullDecimal{Decimal: decimal.RequireFromString(high), Valid: true}
	o.Low = decimal.NullDecimal{Decimal: decimal.RequireFromString(low), Valid: true}
	o.ChangePct = decimal.NullDecimal{Decimal: decimal.RequireFromString(changePct), Valid: true}
	return o
}

func TestRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	batch := []cds.Observation{
		fullObs("2025-08-04", "1.5025", "1.5190", "1.4995", "1.5150", "0.83"),
		obs("2025-08-05", "1.5230"), // optionals absent
	}
	stats, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Inserted: 2}, stats)

	loaded, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.True(t, loaded[0].Equal(batch[0]))
	require.True(t, loaded[1].Equal(batch[1]))
	require.False(t, loaded[1].Open.Valid)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, "date,open,high,low,close,change_pct", lines[0])
	require.Equal(t, "2025-08-04,1.5025,1.5190,1.4995,1.5150,0.8300", lines[1])
	require.Equal(t, "2025-08-05,,,,1.5230,", lines[2])
}

func TestUpsertMergeStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seed := []cds.Observation{
		obs("2025-08-01", "1.4950"),
		obs("2025-08-04", "1.5025"),
		obs("2025-08-05", "1.5150"),
		obs("2025-08-06", "1.5100"),
		obs("2025-08-07", "1.5080"),
	}
	_, err := s.Upsert(ctx, seed)
	require.NoError(t, err)

	batch := []cds.Observation{
		obs("2025-08-06", "1.5230"),
		obs("2025-08-07", "1.5080"),
		obs("2025-08-08", "1.5300"),
		obs("2025-08-11", "1.5275"),
	}
	stats, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Inserted: 2, Updated: 1, Unchanged: 1}, stats)

	again, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Unchanged: 4}, again)

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 7)
}

func TestBackupSiblingOnRewrite(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []cds.Observation{obs("2025-08-04", "1.5025")})
	require.NoError(t, err)

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "first write has nothing to back up")

	_, err = s.Upsert(ctx, []cds.Observation{obs("2025-08-05", "1.5150")})
	require.NoError(t, err)

	backup := filepath.Join(dir, "cds_data__bkp_20250804_120000.csv")
	raw, err := os.ReadFile(backup)
	require.NoError(t, err)
	require.Contains(t, string(raw), "2025-08-04")
	require.NotContains(t, string(raw), "2025-08-05", "backup holds the pre-rewrite content")
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	s, path := newTestStore(t)

	content := strings.Join([]string{
		"date,open,high,low,close,change_pct",
		"2025-08-04,,,,1.5025,",
		"not-a-date,,,,1.5150,",
		"2025-08-06,,,,not-a-number,",
		"2025-08-05,,,,1.5150,0.83",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	all, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "2025-08-04", all[0].Date.String())
	require.Equal(t, "2025-08-05", all[1].Date.String())
}

func TestMissingFileIsEmptySeries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
	require.NoError(t, s.Ping(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, cds.SummaryStats{}, stats)
}

func seedWeek(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.Upsert(context.Background(), []cds.Observation{
		obs("2025-08-01", "1.4950"),
		obs("2025-08-04", "1.5025"),
		obs("2025-08-05", "1.5150"),
		obs("2025-08-06", "1.5100"),
		obs("2025-08-07", "1.5080"),
	})
	require.NoError(t, err)
}

func dateStrings(observations []cds.Observation) []string {
	out := make([]string, len(observations))
	for i, o := range observations {
		out[i] = o.Date.String()
	}
	return out
}

func TestQueryBoundsAndLimit(t *testing.T) {
	s, _ := newTestStore(t)
	seedWeek(t, s)
	ctx := context.Background()

	start := mustDate("2025-08-04")
	end := mustDate("2025-08-06")

	got, err := s.Query(ctx, cds.Query{Start: &start, End: &end})
	require.NoError(t, err)
	require.Equal(t, []string{"2025-08-04", "2025-08-05", "2025-08-06"}, dateStrings(got))

	// A limit keeps the most recent rows inside the bounds, still ascending.
	got, err = s.Query(ctx, cds.Query{Start: &start, End: &end, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"2025-08-05", "2025-08-06"}, dateStrings(got))

	got, err = s.Query(ctx, cds.Query{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"2025-08-06", "2025-08-07"}, dateStrings(got))

	got, err = s.Query(ctx, cds.Query{Start: &start})
	require.NoError(t, err)
	require.Len(t, got, 4)

	empty := mustDate("2030-01-01")
	got, err = s.Query(ctx, cds.Query{Start: &empty})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLatestNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	seedWeek(t, s)
	ctx := context.Background()

	got, err := s.Latest(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"2025-08-07", "2025-08-06"}, dateStrings(got))

	got, err = s.Latest(ctx, 50)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, "2025-08-07", got[0].Date.String())

	got, err = s.Latest(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStatsSummary(t *testing.T) {
	s, _ := newTestStore(t)
	seedWeek(t, s)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, stats.TotalRecords)
	require.Equal(t, "2025-08-01", stats.OldestDate.String())
	require.Equal(t, "2025-08-07", stats.LatestDate.String())
	require.Equal(t, 6, stats.DateRangeDays)
	require.True(t, stats.LatestClose.Equal(decimal.RequireFromString("1.5080")))
}

func mustDate(s string) cds.Date {
	d, err := cds.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}
