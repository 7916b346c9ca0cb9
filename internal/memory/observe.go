package memory

import "time"

// Observer receives pipeline events. Implementations must be fast and must
// not fail; the pipeline calls them inline.
type Observer interface {
	// StageCompleted reports one pipeline stage: op is the operation
	// ("search", "save", "extract", "consolidate"), stage the step within it.
	StageCompleted(op, stage string, count int, elapsed time.Duration)
	// SaveOutcome is "created", "duplicate" or "failed".
	SaveOutcome(outcome string)
	// SupersessionVerdict reports one relationship verdict.
	SupersessionVerdict(verdict Verdict)
	// ExtractionOutcome is "ok", "fallback", "empty" or "error".
	ExtractionOutcome(outcome string)
	// ProviderFailure names a provider whose call failed, recovered or not.
	ProviderFailure(provider string)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) StageCompleted(string, string, int, time.Duration) {}
func (NopObserver) SaveOutcome(string)                                {}
func (NopObserver) SupersessionVerdict(Verdict)                       {}
func (NopObserver) ExtractionOutcome(string)                          {}
func (NopObserver) ProviderFailure(string)                            {}
