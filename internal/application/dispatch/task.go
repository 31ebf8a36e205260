package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sightline/sightline/internal/domain/model"
)

// State is a task lifecycle state. Transitions only move forward.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) canMoveTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateFailed
	case StateRunning:
		return next == StateStreaming || next == StateCompleted || next == StateFailed
	case StateStreaming:
		return next == StateStreaming || next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// Task is the handle of one dispatched unit of work. Only the dispatcher
// mutates it.
type Task struct {
	id        string
	owner     string
	module    string
	prompt    string
	target    model.ResolvedTarget
	streaming bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	err        *model.BackendError
	text       string
	createdAt  time.Time
	finishedAt time.Time
}

func (t *Task) ID() string                   { return t.id }
func (t *Task) Owner() string                { return t.owner }
func (t *Task) Module() string               { return t.module }
func (t *Task) Target() model.ResolvedTarget { return t.target }
func (t *Task) Streaming() bool              { return t.streaming }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop. It is best effort.
func (t *Task) Cancel() { t.cancel() }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of a failed task.
func (t *Task) Err() *model.BackendError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Text returns the final or partial output.
func (t *Task) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) moveTo(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.canMoveTo(next) {
		return false
	}
	t.state = next
	return true
}

// Snapshot is a read-only view of a task.
type Snapshot struct {
	ID         string                 `json:"request_id"`
	Owner      string                 `json:"owner,omitempty"`
	Module     string                 `json:"module"`
	Prompt     string                 `json:"prompt,omitempty"`
	Provider   model.ProviderID       `json:"provider"`
	ModelID    string                 `json:"model_id"`
	Streaming  bool                   `json:"streaming"`
	State      State                  `json:"state"`
	ErrorKind  model.BackendErrorKind `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Text       string                 `json:"-"`
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt time.Time              `json:"finished_at,omitzero"`
}

// Snapshot copies the task's current view.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:         t.id,
		Owner:      t.owner,
		Module:     t.module,
		Prompt:     t.prompt,
		Provider:   t.target.Provider(),
		ModelID:    t.target.ModelID(),
		Streaming:  t.streaming,
		State:      t.state,
		Text:       t.text,
		CreatedAt:  t.createdAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		s.ErrorKind = t.err.Kind
		s.Error = t.err.Error()
	}
	return s
}
