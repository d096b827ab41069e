package cds

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchErrorUnwrapsThroughWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	ferr := &FetchError{Kind: FetchExhausted, URL: "https://example.com", Attempts: 4, Err: cause}
	wrapped := fmt.Errorf("cycle failed: %w", ferr)

	var got *FetchError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, FetchExhausted, got.Kind)
	assert.Equal(t, 4, got.Attempts)
	require.ErrorIs(t, wrapped, cause)
}

func TestFetchErrorMessage(t *testing.T) {
	t.Parallel()

	err := &FetchError{Kind: FetchTerminal, URL: "https://example.com/x", Status: 404, Attempts: 1}
	assert.Contains(t, err.Error(), "terminal")
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "https://example.com/x")
}

func TestParseErrorKinds(t *testing.T) {
	t.Parallel()

	perr := &ParseError{Kind: ParseStrategyMismatch, Err: errors.New("0 usable rows")}
	wrapped := fmt.Errorf("ingest: %w", perr)

	var got *ParseError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, ParseStrategyMismatch, got.Kind)
	assert.Contains(t, got.Error(), "strategy_mismatch")
}

func TestStorageErrorMessage(t *testing.T) {
	t.Parallel()

	serr := &StorageError{Kind: StorageConnectionFailed, Op: "ping", Err: errors.New("dial tcp: refused")}
	assert.Contains(t, serr.Error(), "ping")
	assert.Contains(t, serr.Error(), "connection_failed")
	require.ErrorIs(t, serr, serr.Err)
}

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()

	verr := &ValidationError{Row: 3, Field: "close", Value: "garbage", Reason: "not a number"}
	assert.Equal(t, `row 3: field close value "garbage": not a number`, verr.Error())
}
