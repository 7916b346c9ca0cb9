package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no matching row exists. Best-effort
// lookups treat it as an empty result.
var ErrNotFound = errors.New("not found")

// ProviderError wraps a failure from an external dependency: embedder, LLM,
// reranker, vector index or metadata store. The pipeline surfaces it when the
// dependency is mandatory for the operation and recovers otherwise.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerErr(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// ParseError marks malformed LLM output. It never surfaces from the
// pipeline; extraction degrades to a fallback or empty outcome instead.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConsistencyError marks disagreement between the vector index and the
// metadata store, or a supersession target that is no longer active. The
// pipeline logs it and skips the affected row.
type ConsistencyError struct {
	MemoryID string
	Reason   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation for memory %s: %s", e.MemoryID, e.Reason)
}
