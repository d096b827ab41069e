package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	clocksystem "github.com/sovrisk/cds-feeder/internal/clock/system"
	"github.com/sovrisk/cds-feeder/internal/store/csvfile"
)

// newIntegrationStore connects to the database named by
// CDS_TEST_DATABASE_DSN and provisions a throwaway table. Without the
// variable the test is skipped.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CDS_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("CDS_TEST_DATABASE_DSN not set; skipping integration test")
	}
	ctx := context.Background()
	table := fmt.Sprintf("cds_it_%d", time.Now().UnixNano())
	st, err := New(ctx, Config{DSN: dsn, Table: table}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(ctx))
	t.Cleanup(func() {
		_, _ = st.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
		_ = st.Close()
	})
	return st
}

func fullRow(date, open, high, low, close, changePct string) cds.Observation {
	o := obs(date, close)
	o.Open = decimal.NullDecimal{Decimal: decimal.RequireFromString(open), Valid: true}
	o.High = decimal.NullDecimal{Decimal: decimal.RequireFromString(high), Valid: true}
	o.Low = decimal.NullDecimal{Decimal: decimal.RequireFromString(low), Valid: true}
	o.ChangePct = decimal.NullDecimal{Decimal: decimal.RequireFromString(changePct), Valid: true}
	return o
}

func requireSameSeries(t *testing.T, want, got []cds.Observation) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, want[i].Equal(got[i]),
			"row %d differs: want %s close %s, got %s close %s",
			i, want[i].Date, want[i].Close, got[i].Date, got[i].Close)
	}
}

func TestIntegrationUpsertLifecycle(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	seed := []cds.Observation{
		obs("2025-08-01", "1.4950"),
		obs("2025-08-04", "1.5025"),
		obs("2025-08-05", "1.5150"),
		obs("2025-08-06", "1.5100"),
		obs("2025-08-07", "1.5080"),
	}
	stats, err := st.Upsert(ctx, seed)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Inserted: 5}, stats)

	batch := []cds.Observation{
		obs("2025-08-06", "1.5230"),
		obs("2025-08-07", "1.5080"),
		obs("2025-08-08", "1.5300"),
		obs("2025-08-11", "1.5275"),
	}
	stats, err = st.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Inserted: 2, Updated: 1, Unchanged: 1}, stats)

	stats, err = st.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, cds.MergeStats{Unchanged: 4}, stats, "replaying a batch must be a no-op")

	all, err := st.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 7)
	require.Equal(t, "2025-08-01", all[0].Date.String())
	require.Equal(t, "2025-08-11", all[6].Date.String())

	start, _ := cds.ParseDate("2025-08-04")
	end, _ := cds.ParseDate("2025-08-07")
	got, err := st.Query(ctx, cds.Query{Start: &start, End: &end, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "2025-08-06", got[0].Date.String())
	require.Equal(t, "2025-08-07", got[1].Date.String())

	latest, err := st.Latest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	require.Equal(t, "2025-08-11", latest[0].Date.String())

	summary, err := st.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, summary.TotalRecords)
	require.Equal(t, "2025-08-01", summary.OldestDate.String())
	require.Equal(t, "2025-08-11", summary.LatestDate.String())
	require.Equal(t, 10, summary.DateRangeDays)
	require.True(t, summary.LatestClose.Equal(decimal.RequireFromString("1.5275")))

	require.NoError(t, st.Ping(ctx))
}

// TestIntegrationBackendEquivalence replays one history against both
// backends and requires identical answers from every read operation.
func TestIntegrationBackendEquivalence(t *testing.T) {
	pg := newIntegrationStore(t)
	csv, err := csvfile.New(filepath.Join(t.TempDir(), "cds_data.csv"), clocksystem.New(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	batches := [][]cds.Observation{
		{
			fullRow("2025-08-01", "1.4900", "1.5000", "1.4875", "1.4950", "-0.33"),
			obs("2025-08-04", "1.5025"),
			obs("2025-08-05", "1.5150"),
		},
		{
			obs("2025-08-05", "1.5175"), // revision
			fullRow("2025-08-06", "1.5150", "1.5260", "1.5095", "1.5230", "0.53"),
			obs("2025-08-07", "1.5080"),
			obs("2025-08-07", "1.5085"), // in-batch duplicate, last wins
		},
	}

	for _, batch := range batches {
		pgStats, err := pg.Upsert(ctx, batch)
		require.NoError(t, err)
		csvStats, err := csv.Upsert(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, csvStats, pgStats, "both backends must count a batch identically")
	}

	pgAll, err := pg.LoadAll(ctx)
	require.NoError(t, err)
	csvAll, err := csv.LoadAll(ctx)
	require.NoError(t, err)
	requireSameSeries(t, csvAll, pgAll)

	start, _ := cds.ParseDate("2025-08-04")
	end, _ := cds.ParseDate("2025-08-06")
	queries := []cds.Query{
		{},
		{Start: &start},
		{End: &end},
		{Start: &start, End: &end},
		{Start: &start, End: &end, Limit: 2},
		{Limit: 3},
	}
	for _, q := range queries {
		pgGot, err := pg.Query(ctx, q)
		require.NoError(t, err)
		csvGot, err := csv.Query(ctx, q)
		require.NoError(t, err)
		requireSameSeries(t, csvGot, pgGot)
	}

	pgLatest, err := pg.Latest(ctx, 2)
	require.NoError(t, err)
	csvLatest, err := csv.Latest(ctx, 2)
	require.NoError(t, err)
	requireSameSeries(t, csvLatest, pgLatest)

	pgStats, err := pg.Stats(ctx)
	require.NoError(t, err)
	csvStats, err := csv.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, csvStats.TotalRecords, pgStats.TotalRecords)
	require.Equal(t, csvStats.OldestDate, pgStats.OldestDate)
	require.Equal(t, csvStats.LatestDate, pgStats.LatestDate)
	require.Equal(t, csvStats.DateRangeDays, pgStats.DateRangeDays)
	require.True(t, csvStats.LatestClose.Equal(pgStats.LatestClose))
}
