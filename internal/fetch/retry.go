package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

// LinearRetryPolicy waits a growing multiple of the base delay between
// attempts, capped at the ceiling. No jitter: cycles run on a schedule
// minutes apart, so synchronized retries are not a concern here.
type LinearRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy, substituting defaults for unset
// values.
func NewLinearRetryPolicy(maxRetries int, base, max time.Duration) *LinearRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = 800 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &LinearRetryPolicy{maxRetries: maxRetries, baseDelay: base, maxDelay: max}
}

// ShouldRetry decides whether another attempt is allowed after err.
// Classification of the error itself happens in Classify; this only spends
// the budget.
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the wait before the given zero-based attempt is redone.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.baseDelay * time.Duration(attempt+1)
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

// Classify maps a failed attempt onto the fetch error taxonomy. A status
// code takes precedence; without one the error chain decides. Rate limiting
// and 5xx answers are worth retrying, every other HTTP answer is not.
func Classify(url string, status int, err error) *cds.FetchError {
	kind := cds.FetchTerminal
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		kind = cds.FetchRetryable
	case status != 0:
		kind = cds.FetchTerminal
	case isTransient(err):
		kind = cds.FetchRetryable
	}
	return &cds.FetchError{Kind: kind, URL: url, Status: status, Err: err}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
