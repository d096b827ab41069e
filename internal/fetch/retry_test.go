package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sovrisk/cds-feeder/internal/cds"
)

func TestClassify(t *testing.T) {
	timeoutErr := &net.DNSError{Err: "lookup timed out", Name: "br.investing.com", IsTimeout: true}

	tests := []struct {
		name   string
		status int
		err    error
		want   cds.FetchErrorKind
	}{
		{name: "server error", status: 500, err: errors.New("Internal Server Error"), want: cds.FetchRetryable},
		{name: "bad gateway", status: 502, err: errors.New("Bad Gateway"), want: cds.FetchRetryable},
		{name: "rate limited", status: 429, err: errors.New("Too Many Requests"), want: cds.FetchRetryable},
		{name: "not found", status: 404, err: errors.New("Not Found"), want: cds.FetchTerminal},
		{name: "forbidden", status: 403, err: errors.New("Forbidden"), want: cds.FetchTerminal},
		{name: "network timeout", status: 0, err: timeoutErr, want: cds.FetchRetryable},
		{name: "connection dropped", status: 0, err: io.EOF, want: cds.FetchRetryable},
		{name: "truncated response", status: 0, err: io.ErrUnexpectedEOF, want: cds.FetchRetryable},
		{name: "context canceled", status: 0, err: context.Canceled, want: cds.FetchTerminal},
		{name: "unknown error", status: 0, err: errors.New("boom"), want: cds.FetchTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("https://example.com", tt.status, tt.err)
			if got.Kind != tt.want {
				t.Fatalf("expected kind %q got %q", tt.want, got.Kind)
			}
			if got.Status != tt.status {
				t.Fatalf("expected status %d got %d", tt.status, got.Status)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("expected wrapped error %v", tt.err)
			}
		})
	}
}

func TestLinearRetryPolicyBackoff(t *testing.T) {
	p := NewLinearRetryPolicy(5, 800*time.Millisecond, 5*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 800 * time.Millisecond},
		{attempt: 1, want: 1600 * time.Millisecond},
		{attempt: 2, want: 2400 * time.Millisecond},
		{attempt: 5, want: 4800 * time.Millisecond},
		{attempt: 6, want: 5 * time.Second},
		{attempt: 100, want: 5 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %v got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestLinearRetryPolicyShouldRetry(t *testing.T) {
	p := NewLinearRetryPolicy(2, time.Millisecond, time.Second)
	err := errors.New("transient")

	if p.ShouldRetry(nil, 0) {
		t.Fatal("nil error must not be retried")
	}
	if !p.ShouldRetry(err, 0) {
		t.Fatal("first attempt should be retried")
	}
	if !p.ShouldRetry(err, 1) {
		t.Fatal("second attempt should be retried")
	}
	if p.ShouldRetry(err, 2) {
		t.Fatal("budget of 2 retries must stop at attempt 2")
	}
	if p.ShouldRetry(context.Canceled, 0) {
		t.Fatal("canceled context must not be retried")
	}
	if p.ShouldRetry(context.DeadlineExceeded, 0) {
		t.Fatal("deadline exceeded must not be retried")
	}
}

func TestLinearRetryPolicyDefaults(t *testing.T) {
	p := NewLinearRetryPolicy(-1, 0, 0)
	if p.ShouldRetry(errors.New("x"), 0) {
		t.Fatal("negative budget should clamp to zero retries")
	}
	if got := p.Backoff(0); got != 800*time.Millisecond {
		t.Fatalf("expected default base delay, got %v", got)
	}
	if got := p.Backoff(100); got != 5*time.Second {
		t.Fatalf("expected default cap, got %v", got)
	}
}
