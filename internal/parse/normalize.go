package parse

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// Absent markers the source uses for cells with no value. Absence is not a
// validation failure.
var absentMarkers = map[string]struct{}{
	"":     {},
	"-":    {},
	"n/a":  {},
	"nan":  {},
	"none": {},
	"null": {},
}

// thousandsOnly matches figures where every dot is a thousands separator,
// e.g. "1.234" or "12.345.678".
var thousandsOnly = regexp.MustCompile(`^[+-]?\d{1,3}(\.\d{3})+$`)

// signedNumber rescues a change figure out of decorated text such as
// "▲+1.56".
var signedNumber = regexp.MustCompile(`[+-]?\d+(?:\.\d+)?`)

// Display-date layouts the source has served, day first.
var displayDateLayouts = []string{
	"02.01.2006",
	"02/01/2006",
	"2006-01-02",
	"2.1.2006",
	"2/1/2006",
}

var hundred = decimal.NewFromInt(100)

// Normalizer turns raw table cells into typed observations, rejecting bad
// rows individually.
type Normalizer struct {
	logger *zap.Logger
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts rows into observations sorted ascending by date.
// A row that fails validation becomes a reject; it never aborts the batch.
func (n *Normalizer) Normalize(rows []RawRow) ([]cds.Observation, []cds.ValidationError) {
	observations := make([]cds.Observation, 0, len(rows))
	var rejects []cds.ValidationError
	for _, row := range rows {
		obs, verr := normalizeRow(row)
		if verr != nil {
			rejects = append(rejects, *verr)
			n.logger.Warn("row rejected",
				zap.Int("row", verr.Row),
				zap.String("field", verr.Field),
				zap.String("value", verr.Value),
				zap.String("reason", verr.Reason),
			)
			continue
		}
		observations = append(observations, obs)
	}
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Date.Before(observations[j].Date)
	})
	return observations, rejects
}

func normalizeRow(row RawRow) (cds.Observation, *cds.ValidationError) {
	dateText := strings.TrimSpace(row.Cells[colDate])
	if isAbsent(dateText) {
		return cds.Observation{}, &cds.ValidationError{Row: row.Line, Field: colDate, Value: dateText, Reason: "missing value"}
	}
	date, err := parseDisplayDate(dateText)
	if err != nil {
		return cds.Observation{}, &cds.ValidationError{Row: row.Line, Field: colDate, Value: dateText, Reason: "unrecognized date format"}
	}

	closeText := strings.TrimSpace(row.Cells[colClose])
	if isAbsent(closeText) {
		return cds.Observation{}, &cds.ValidationError{Row: row.Line, Field: colClose, Value: closeText, Reason: "missing value"}
	}
	closeVal, err := parsePrice(closeText)
	if err != nil {
		return cds.Observation{}, &cds.ValidationError{Row: row.Line, Field: colClose, Value: closeText, Reason: "not a number"}
	}

	open, verr := optionalPrice(row.Line, colOpen, row.Cells[colOpen])
	if verr != nil {
		return cds.Observation{}, verr
	}
	high, verr := optionalPrice(row.Line, colHigh, row.Cells[colHigh])
	if verr != nil {
		return cds.Observation{}, verr
	}
	low, verr := optionalPrice(row.Line, colLow, row.Cells[colLow])
	if verr != nil {
		return cds.Observation{}, verr
	}
	change, verr := optionalChangePct(row.Line, row.Cells[colChangePct])
	if verr != nil {
		return cds.Observation{}, verr
	}

	return cds.Observation{
		Date:      date,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeVal,
		ChangePct: change,
	}, nil
}

func isAbsent(s string) bool {
	_, ok := absentMarkers[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

func parseDisplayDate(s string) (cds.Date, error) {
	for _, layout := range displayDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return cds.DateOf(t), nil
		}
	}
	return cds.Date{}, fmt.Errorf("unrecognized date %q", s)
}

// parsePrice converts a price figure to the stored fraction. The source
// publishes percent points ("1,46" means 1.46%), persisted as 0.0146.
func parsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(cleanNumeric(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Div(hundred).Round(4), nil
}

// parseChangePct keeps the published sign and scale; only the percent sign
// and locale separators are stripped.
func parseChangePct(s string) (decimal.Decimal, error) {
	cleaned := cleanNumeric(s)
	d, err := decimal.NewFromString(cleaned)
	if err == nil {
		return d.Round(4), nil
	}
	if m := signedNumber.FindString(cleaned); m != "" {
		if d, rerr := decimal.NewFromString(m); rerr == nil {
			return d.Round(4), nil
		}
	}
	return decimal.Decimal{}, err
}

// cleanNumeric strips decoration and resolves the separator locale: with a
// comma present the figure is pt-BR (dots are thousands); without one a dot
// is decimal unless the digits group as thousands.
func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	switch {
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case thousandsOnly.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}

// optionalPrice parses a figure the source may omit. Absence markers yield an
// invalid NullDecimal; anything else must parse or the row is rejected.
func optionalPrice(line int, field, raw string) (decimal.NullDecimal, *cds.ValidationError) {
	text := strings.TrimSpace(raw)
	if isAbsent(text) {
		return decimal.NullDecimal{}, nil
	}
	d, err := parsePrice(text)
	if err != nil {
		return decimal.NullDecimal{}, &cds.ValidationError{Row: line, Field: field, Value: text, Reason: "not a number"}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func optionalChangePct(line int, raw string) (decimal.NullDecimal, *cds.ValidationError) {
	text := strings.TrimSpace(raw)
	if isAbsent(text) {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseChangePct(text)
	if err != nil {
		return decimal.NullDecimal{}, &cds.ValidationError{Row: line, Field: colChangePct, Value: text, Reason: "not a number"}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
