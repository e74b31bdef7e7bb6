package dispatch

import (
	"errors"
	"fmt"
)

// ErrEngineTimeout is wrapped by an EngineError when an adapter call does
// not return within the dispatch timeout.
var ErrEngineTimeout = errors.New("engine timeout")

// ErrEngineBusy is wrapped by an EngineError when an abandoned adapter call
// is still running and did not finish within the dispatch timeout.
var ErrEngineBusy = errors.New("engine busy with an abandoned call")

// EngineError reports a failed adapter call, including recovered panics.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Outcome is how a dispatched command ended.
type Outcome string

const (
	// OutcomeCompleted commands were applied and marked executed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRejected commands failed validation and were marked failed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeErrored commands failed in the engine and were marked failed.
	OutcomeErrored Outcome = "errored"
	// OutcomeStale commands were no longer ours to process; nothing ran.
	OutcomeStale Outcome = "stale"
)
