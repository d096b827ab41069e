package cds

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Observation is one day of the Brazil 5-year CDS series. Prices are stored
// as decimal fractions: the source publishes "1,46" meaning 1.46%, stored as
// 0.0146. ChangePct keeps the published day-over-day percentage and its
// sign. Close is the only mandatory figure; the others may be absent.
type Observation struct {
	Date      Date
	Open      decimal.NullDecimal
	High      decimal.NullDecimal
	Low       decimal.NullDecimal
	Close     decimal.Decimal
	ChangePct decimal.NullDecimal
}

// Equal compares by numeric value, so 1.5 equals 1.5000 no matter how either
// side was produced.
func (o Observation) Equal(other Observation) bool {
	return o.Date == other.Date &&
		nullDecimalEqual(o.Open, other.Open) &&
		nullDecimalEqual(o.High, other.High) &&
		nullDecimalEqual(o.Low, other.Low) &&
		o.Close.Equal(other.Close) &&
		nullDecimalEqual(o.ChangePct, other.ChangePct)
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	if !a.Valid {
		return true
	}
	return a.Decimal.Equal(b.Decimal)
}

// MergeStats tallies the outcome of folding one fetched batch into the
// stored set. Inserted, Updated and Unchanged cover every distinct date the
// batch carried; Rejected counts rows dropped during normalization.
type MergeStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
}

// Applied is the number of rows that reached storage.
func (s MergeStats) Applied() int {
	return s.Inserted + s.Updated + s.Unchanged
}

func (s MergeStats) String() string {
	return fmt.Sprintf("inserted=%d updated=%d unchanged=%d rejected=%d",
		s.Inserted, s.Updated, s.Unchanged, s.Rejected)
}

// SummaryStats describes the stored dataset as a whole. For an empty set
// every field holds its zero value.
type SummaryStats struct {
	TotalRecords  int             `json:"total_records"`
	OldestDate    Date            `json:"oldest_date"`
	LatestDate    Date            `json:"latest_date"`
	LatestClose   decimal.Decimal `json:"latest_close"`
	DateRangeDays int             `json:"date_range_days"`
}
