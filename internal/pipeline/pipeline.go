// Package pipeline runs one ingestion cycle: fetch the quotes page,
// parse and normalize its table, and fold the batch into storage.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/parse"
	"github.com/sovrisk/cds-feeder/internal/store"
	"github.com/sovrisk/cds-feeder/internal/telemetry"
)

// Cycle status labels for the ingest counter.
const (
	statusSuccess       = "success"
	statusFetchFailed   = "fetch_failed"
	statusParseFailed   = "parse_failed"
	statusStorageFailed = "storage_failed"
)

// Fetcher retrieves the raw markup of the quotes page.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Renderer produces markup through a headless browser.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// Detector decides whether rendering could recover a page that failed
// to parse.
type Detector interface {
	ShouldRender(markup []byte) bool
}

// Parser extracts tagged raw rows from markup.
type Parser interface {
	Parse(markup []byte) ([]parse.RawRow, error)
}

// Normalizer converts raw rows into observations, reporting per-row
// rejects separately.
type Normalizer interface {
	Normalize(rows []parse.RawRow) ([]cds.Observation, []cds.ValidationError)
}

// Archiver keeps snapshots of pages that failed to parse.
type Archiver interface {
	SavePage(url string, markup []byte) (string, error)
}

// Deps lists the pipeline's collaborators. Detector, Renderer and
// Archiver are optional; leaving one nil disables that step.
type Deps struct {
	Fetcher    Fetcher
	Parser     Parser
	Normalizer Normalizer
	Store      store.Store
	Detector   Detector
	Renderer   Renderer
	Archiver   Archiver
	SourceURL  string
	Logger     *zap.Logger
}

// Pipeline drives one fetch-parse-normalize-upsert cycle.
type Pipeline struct {
	fetcher    Fetcher
	parser     Parser
	normalizer Normalizer
	store      store.Store
	detector   Detector
	renderer   Renderer
	archiver   Archiver
	sourceURL  string
	logger     *zap.Logger
}

// New wires a Pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		fetcher:    deps.Fetcher,
		parser:     deps.Parser,
		normalizer: deps.Normalizer,
		store:      deps.Store,
		detector:   deps.Detector,
		renderer:   deps.Renderer,
		archiver:   deps.Archiver,
		sourceURL:  deps.SourceURL,
		logger:     deps.Logger,
	}
}

// Run executes one cycle and reports what the batch did to the stored
// series. Fetch, parse and storage failures abort the cycle with a
// typed error; rows rejected during normalization only show up in
// MergeStats.Rejected.
func (p *Pipeline) Run(ctx context.Context) (cds.MergeStats, error) {
	start := time.Now()

	markup, err := p.fetcher.Fetch(ctx)
	if err != nil {
		telemetry.ObserveFetch(fetchOutcome(err), 0)
		telemetry.ObserveCycle(statusFetchFailed)
		return cds.MergeStats{}, err
	}
	telemetry.ObserveFetch(telemetry.OutcomeSuccess, time.Since(start))
	p.logger.Info("page fetched", zap.Int("bytes", len(markup)))

	rows, err := p.parser.Parse(markup)
	if err != nil {
		rows, err = p.recover(ctx, markup, err)
		if err != nil {
			telemetry.ObserveCycle(statusParseFailed)
			return cds.MergeStats{}, err
		}
	}

	observations, rejects := p.normalizer.Normalize(rows)

	stats, err := p.store.Upsert(ctx, observations)
	if err != nil {
		telemetry.ObserveCycle(statusStorageFailed)
		return cds.MergeStats{}, err
	}
	stats.Rejected = len(rejects)

	telemetry.ObserveMerge(stats)
	telemetry.ObserveCycle(statusSuccess)
	p.logger.Info("cycle complete",
		zap.Int("rows", len(rows)),
		zap.Stringer("merge", stats),
		zap.Duration("took", time.Since(start)),
	)
	return stats, nil
}

// recover archives the unparseable markup and, when the page looks like
// it needs JavaScript, retries once through the headless renderer.
func (p *Pipeline) recover(ctx context.Context, markup []byte, parseErr error) ([]parse.RawRow, error) {
	p.logger.Warn("page did not parse", zap.Error(parseErr))
	p.archive(markup)

	if p.renderer == nil || p.detector == nil || !p.detector.ShouldRender(markup) {
		return nil, parseErr
	}

	p.logger.Info("retrying through headless renderer", zap.String("url", p.sourceURL))
	rendered, err := p.renderer.Render(ctx, p.sourceURL)
	if err != nil {
		p.logger.Warn("headless render failed", zap.Error(err))
		return nil, parseErr
	}

	rows, err := p.parser.Parse(rendered)
	if err != nil {
		p.archive(rendered)
		return nil, err
	}
	return rows, nil
}

func (p *Pipeline) archive(markup []byte) {
	if p.archiver == nil {
		return
	}
	if _, err := p.archiver.SavePage(p.sourceURL, markup); err != nil {
		p.logger.Warn("archive failed", zap.Error(err))
	}
}

func fetchOutcome(err error) string {
	var fetchErr *cds.FetchError
	if !errors.As(err, &fetchErr) {
		return telemetry.OutcomeError
	}
	switch fetchErr.Kind {
	case cds.FetchExhausted:
		return telemetry.OutcomeExhausted
	case cds.FetchTerminal:
		return telemetry.OutcomeTerminal
	default:
		return telemetry.OutcomeError
	}
}
