// Package history keeps a bounded, reversible record of engine states.
//
// The engine has no native undo, so every mutating command stores the
// state it replaced. Undo swaps the current state onto the redo stack and
// returns the stored one; Redo is the mirror image. Recording a new state
// clears the redo stack.
//
// Both stacks are bounded to the configured depth. When the undo stack is
// full the oldest entry is dropped.
//
// Note: History is not goroutine-safe. It is owned by the listener that
// drives the engine; there is exactly one per engine.
package history

import (
	"errors"

	"github.com/daviddao/seisq/pkg/model"
)

// DefaultDepth is the number of states kept when no depth is configured.
const DefaultDepth = 20

// ErrEmptyHistory is returned by Undo and Redo when there is nothing to
// step back to. The history is unchanged.
var ErrEmptyHistory = errors.New("history is empty")

// History is an undo/redo pair of bounded stacks. Not goroutine-safe.
type History struct {
	undo *ring[model.EngineState]
	redo *ring[model.EngineState]
}

// New returns a History holding at most depth states per stack. A
// non-positive depth means DefaultDepth.
func New(depth int) *History {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &History{
		undo: newRing[model.EngineState](depth),
		redo: newRing[model.EngineState](depth),
	}
}

// RecordBefore stores the state that a successful command replaced.
func (h *History) RecordBefore(s model.EngineState) {
	h.undo.PushBack(s)
	h.redo.Clear()
}

// Undo returns the most recently recorded state and pushes current onto
// the redo stack.
func (h *History) Undo(current model.EngineState) (model.EngineState, error) {
	prev, ok := h.undo.PopBack()
	if !ok {
		return model.EngineState{}, ErrEmptyHistory
	}
	h.redo.PushBack(current)
	return prev, nil
}

// Redo returns the most recently undone state and pushes current onto the
// undo stack.
func (h *History) Redo(current model.EngineState) (model.EngineState, error) {
	next, ok := h.redo.PopBack()
	if !ok {
		return model.EngineState{}, ErrEmptyHistory
	}
	h.undo.PushBack(current)
	return next, nil
}

// Reset drops both stacks.
func (h *History) Reset() {
	h.undo.Clear()
	h.redo.Clear()
}

func (h *History) CanUndo() bool  { return h.undo.Len() > 0 }
func (h *History) CanRedo() bool  { return h.redo.Len() > 0 }
func (h *History) UndoDepth() int { return h.undo.Len() }
func (h *History) RedoDepth() int { return h.redo.Len() }

// Depth returns the configured bound.
func (h *History) Depth() int { return h.undo.Cap() }
