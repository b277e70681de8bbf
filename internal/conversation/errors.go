package conversation

import "fmt"

// ValidationError reports a rejected request before any I/O happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a failure from the LLM backend. Turns that end
// with an UpstreamError are never persisted.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StoreError wraps a persistence failure after the reply was already
// generated. It is surfaced as a warning, not a turn failure.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
