// Package parse extracts quote rows from the historical-data page markup.
// Extraction and normalization are separate passes: strategies locate the
// table and slice it into raw cells, the Normalizer turns cells into typed
// observations.
package parse

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// Canonical column keys shared by every strategy.
const (
	colDate      = "date"
	colOpen      = "open"
	colHigh      = "high"
	colLow       = "low"
	colClose     = "close"
	colChangePct = "change_pct"
)

// RawRow is one extracted table row keyed by canonical column name.
// Line is the 1-based position among data rows, for reject messages.
type RawRow struct {
	Line  int
	Cells map[string]string
}

// Strategy is one named way of locating the quotes table and slicing it
// into raw rows.
type Strategy struct {
	Name    string
	Extract func(markup []byte) ([]RawRow, error)
}

var (
	errNoTable       = errors.New("no candidate table found")
	errShapeMismatch = errors.New("candidate table yielded no well-formed rows")
)

// Parser runs strategies in order and returns rows from the first one that
// produces any.
type Parser struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds the default chain: a header scan over every table first, the
// configured XPath location as fallback.
func New(tableXPath string, logger *zap.Logger) *Parser {
	return NewWithStrategies(logger,
		Strategy{Name: "table-scan", Extract: extractByHeaderScan},
		Strategy{Name: "xpath", Extract: newXPathExtractor(tableXPath)},
	)
}

// NewWithStrategies builds a Parser over an explicit strategy chain.
func NewWithStrategies(logger *zap.Logger, strategies ...Strategy) *Parser {
	return &Parser{strategies: strategies, logger: logger}
}

// Parse extracts raw rows from markup. When every strategy fails the error
// is a *cds.ParseError: strategy_mismatch if any strategy found a table it
// could not shape into rows, no_table otherwise.
func (p *Parser) Parse(markup []byte) ([]RawRow, error) {
	var (
		sawTable bool
		lastErr  error
	)
	for _, s := range p.strategies {
		rows, err := s.Extract(markup)
		if err == nil && len(rows) > 0 {
			p.logger.Debug("table extracted",
				zap.String("strategy", s.Name),
				zap.Int("rows", len(rows)),
			)
			return rows, nil
		}
		if err == nil {
			err = errShapeMismatch
		}
		if errors.Is(err, errShapeMismatch) {
			sawTable = true
		}
		lastErr = err
		p.logger.Warn("extraction strategy failed",
			zap.String("strategy", s.Name),
			zap.Error(err),
		)
	}
	kind := cds.ParseNoTable
	if sawTable {
		kind = cds.ParseStrategyMismatch
	}
	return nil, &cds.ParseError{Kind: kind, Err: lastErr}
}

// canonicalColumn maps a header caption onto a canonical column key. The
// page serves pt-BR captions (Data, Último, Abertura, Máxima, Mínima, Var%)
// but has been seen in English, so both vocabularies match.
func canonicalColumn(header string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(header))
	switch {
	case h == "":
		return "", false
	case strings.Contains(h, "data") || strings.Contains(h, "date"):
		return colDate, true
	case strings.Contains(h, "abert") || strings.Contains(h, "open"):
		return colOpen, true
	case strings.Contains(h, "máxima") || strings.Contains(h, "maxima") || strings.Contains(h, "high"):
		return colHigh, true
	case strings.Contains(h, "mínima") || strings.Contains(h, "minima") || strings.Contains(h, "low"):
		return colLow, true
	case strings.Contains(h, "último") || strings.Contains(h, "ultimo") ||
		strings.Contains(h, "close") || strings.Contains(h, "price") || strings.Contains(h, "fech"):
		return colClose, true
	case (strings.Contains(h, "var") || strings.Contains(h, "change")) && strings.Contains(h, "%"):
		return colChangePct, true
	default:
		return "", false
	}
}

// mapHeaders resolves captions to canonical keys by position. The result is
// usable only when both the date and close columns were identified.
func mapHeaders(captions []string) ([]string, bool) {
	mapped := make([]string, len(captions))
	var hasDate, hasClose bool
	for i, caption := range captions {
		key, ok := canonicalColumn(caption)
		if !ok {
			continue
		}
		mapped[i] = key
		switch key {
		case colDate:
			hasDate = true
		case colClose:
			hasClose = true
		}
	}
	return mapped, hasDate && hasClose
}

func cellsToRow(line int, mapped []string, cells []string) RawRow {
	row := RawRow{Line: line, Cells: make(map[string]string, len(mapped))}
	for i, key := range mapped {
		if key == "" || i >= len(cells) {
			continue
		}
		row.Cells[key] = strings.TrimSpace(cells[i])
	}
	return row
}
