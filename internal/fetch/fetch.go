// Package fetch retrieves the historical-data page over HTTP, with bounded
// retries for transient failures and an optional browser-rendering fallback.
package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// Config controls how the quotes page is requested.
type Config struct {
	URL            string
	UserAgent      string
	AcceptLanguage string
	Referer        string
	RespectRobots  bool
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Page is one fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Getter performs a single HTTP GET.
type Getter interface {
	Get(ctx context.Context, url string) (Page, error)
}

// RetryPolicy decides whether and how long to wait between attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Fetcher retrieves the configured page. Transient failures are retried
// within the policy's budget; terminal failures return immediately.
type Fetcher struct {
	url    string
	getter Getter
	policy RetryPolicy
	logger *zap.Logger
}

// New wires a Fetcher from config: a colly-backed Getter plus a linear
// retry policy.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		url:    cfg.URL,
		getter: NewClient(cfg),
		policy: NewLinearRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger: logger,
	}
}

// Fetch returns the page markup. Failures surface as *cds.FetchError with
// the kind, last status and attempt count filled in.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts++
		page, err := f.getter.Get(ctx, f.url)
		if err == nil {
			f.logger.Debug("page fetched",
				zap.String("url", f.url),
				zap.Int("status", page.StatusCode),
				zap.Int("bytes", len(page.Body)),
				zap.Duration("duration", page.Duration),
				zap.Int("attempts", attempts),
			)
			return page.Body, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}
		ferr := Classify(f.url, page.StatusCode, err)
		ferr.Attempts = attempts
		if ferr.Kind == cds.FetchTerminal {
			return nil, ferr
		}
		if !f.policy.ShouldRetry(err, attempt) {
			return nil, &cds.FetchError{
				Kind:     cds.FetchExhausted,
				URL:      f.url,
				Status:   page.StatusCode,
				Attempts: attempts,
				Err:      err,
			}
		}
		backoff := f.policy.Backoff(attempt)
		f.logger.Warn("fetch attempt failed; backing off",
			zap.Int("attempt", attempts),
			zap.Int("status", page.StatusCode),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("fetch canceled: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
