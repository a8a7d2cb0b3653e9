package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/maestro/pkg/stage"
)

// ErrInvalidTransition is returned by [Execution.Advance] for a transition the
// state machine does not allow.
var ErrInvalidTransition = errors.New("pipeline: invalid state transition")

// State is the position of an [Execution] in the pipeline.
type State int

const (
	// StateAdmission is the initial state: waiting for an admission permit.
	StateAdmission State = iota
	StateTranscribing
	StateGenerating
	StateSynthesizing

	// StateDone and StateFailed are terminal.
	StateDone
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateAdmission:
		return "admission"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Execution tracks one caller request through the pipeline. It is created on
// admission and discarded once the response has been produced.
type Execution struct {
	ID        string
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	failedStage stage.Name
}

// NewExecution creates an execution in [StateAdmission]. An empty id is
// replaced with a random UUID.
func NewExecution(id string) *Execution {
	if id == "" {
		id = uuid.NewString()
	}
	return &Execution{ID: id, StartedAt: time.Now(), state: StateAdmission}
}

// State returns the current state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FailedStage returns the stage that failed, or "" when the execution has
// not failed or failed outside a stage.
func (e *Execution) FailedStage() stage.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedStage
}

// Advance moves the execution one step forward. Only the next state in
// pipeline order is accepted; stages can never be skipped or revisited.
func (e *Execution) Advance(next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() || next != e.state+1 || next == StateFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, next)
	}
	e.state = next
	return nil
}

// Fail moves a non-terminal execution to [StateFailed], recording the stage
// that failed.
func (e *Execution) Fail(n stage.Name) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, StateFailed)
	}
	e.state = StateFailed
	e.failedStage = n
	return nil
}

// Elapsed returns the time since the execution started.
func (e *Execution) Elapsed() time.Duration { return time.Since(e.StartedAt) }
