package cds

import "fmt"

// FetchErrorKind classifies how a page fetch failed.
type FetchErrorKind string

const (
	// FetchRetryable marks transient failures: 429, 5xx and network-level errors.
	FetchRetryable FetchErrorKind = "retryable"
	// FetchTerminal marks failures retrying cannot fix, such as other 4xx
	// statuses or an unusable URL.
	FetchTerminal FetchErrorKind = "terminal"
	// FetchExhausted marks a retryable failure that outlived the retry budget.
	FetchExhausted FetchErrorKind = "exhausted"
)

// FetchError reports a failed page fetch.
type FetchError struct {
	Kind     FetchErrorKind
	URL      string
	Status   int // last HTTP status, 0 when the failure was below HTTP
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.URL, e.Kind, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseErrorKind classifies extraction failures.
type ParseErrorKind string

const (
	// ParseNoTable means no strategy located a candidate table at all.
	ParseNoTable ParseErrorKind = "no_table"
	// ParseStrategyMismatch means a candidate table existed but no strategy
	// could pull well-formed rows out of it.
	ParseStrategyMismatch ParseErrorKind = "strategy_mismatch"
)

// ParseError reports that every extraction strategy failed on a document.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("parse: %s", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError rejects a single extracted row without failing its batch.
type ValidationError struct {
	Row    int // position within the extracted table, header excluded
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: field %s value %q: %s", e.Row, e.Field, e.Value, e.Reason)
}

// StorageErrorKind classifies persistence failures.
type StorageErrorKind string

const (
	// StorageConnectionFailed covers unreachable or refusing backends.
	StorageConnectionFailed StorageErrorKind = "connection_failed"
	// StorageConstraintViolation covers writes the schema rejected.
	StorageConstraintViolation StorageErrorKind = "constraint_violation"
	// StorageIOFailure covers everything else: unreadable files, failed
	// statements, interrupted writes.
	StorageIOFailure StorageErrorKind = "io_failure"
)

// StorageError reports a failed storage operation.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Kind)
}

func (e *StorageError) Unwrap() error { return e.Err }
