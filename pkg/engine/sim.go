package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/seisq/pkg/model"
)

// Sim is an in-memory engine. It applies every setter exactly, records the
// calls it received, and can be told to fail or stall, which makes it the
// engine for development and tests.
type Sim struct {
	mu       sync.Mutex
	state    model.EngineState
	defaults model.EngineState
	calls    []string
	failOn   map[string]error
	delay    time.Duration
	reloads  int
}

// NewSim returns a simulator loaded with defaults.
func NewSim(defaults model.EngineState) *Sim {
	return &Sim{state: defaults, defaults: defaults, failOn: map[string]error{}}
}

// FailOn makes the named operation (e.g. "UpdateGain") return err until
// cleared with a nil err.
func (s *Sim) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// SetDelay makes every operation take at least d, honouring ctx.
func (s *Sim) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls returns the operations received so far, in order.
func (s *Sim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Reloads returns how many times ReloadTemplate ran.
func (s *Sim) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// State returns the current state without recording a call.
func (s *Sim) State() model.EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// apply records op, waits out the configured delay, checks for an injected
// failure, then runs mutate under the lock.
func (s *Sim) apply(ctx context.Context, op string, mutate func(*model.EngineState)) (model.EngineState, error) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	delay := s.delay
	failure := s.failOn[op]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return model.EngineState{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return model.EngineState{}, fmt.Errorf("%s: %w", op, failure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mutate != nil {
		mutate(&s.state)
	}
	return s.state, nil
}

func (s *Sim) Snapshot(ctx context.Context) (model.EngineState, error) {
	return s.apply(ctx, "Snapshot", nil)
}

func (s *Sim) Defaults(ctx context.Context) (model.EngineState, error) {
	if _, err := s.apply(ctx, "Defaults", nil); err != nil {
		return model.EngineState{}, err
	}
	return s.defaults, nil
}

func (s *Sim) Restore(ctx context.Context, st model.EngineState) (model.EngineState, error) {
	return s.apply(ctx, "Restore", func(e *model.EngineState) { *e = st })
}

func (s *Sim) UpdatePosition(ctx context.Context, p model.Vec3) (model.EngineState, error) {
	return s.apply(ctx, "UpdatePosition", func(e *model.EngineState) { e.Position = p })
}

func (s *Sim) UpdateOrientation(ctx context.Context, r model.Rotation) (model.EngineState, error) {
	return s.apply(ctx, "UpdateOrientation", func(e *model.EngineState) { e.Orientation = r })
}

func (s *Sim) UpdateScale(ctx context.Context, sc model.Scale2) (model.EngineState, error) {
	return s.apply(ctx, "UpdateScale", func(e *model.EngineState) { e.Scale = sc })
}

func (s *Sim) UpdateShift(ctx context.Context, sh model.Vec3) (model.EngineState, error) {
	return s.apply(ctx, "UpdateShift", func(e *model.EngineState) { e.Shift = sh })
}

func (s *Sim) UpdateVisibility(ctx context.Context, v model.Visibility) (model.EngineState, error) {
	return s.apply(ctx, "UpdateVisibility", func(e *model.EngineState) { e.Visibility = v })
}

func (s *Sim) UpdateSliceVisibility(ctx context.Context, sl model.Slices) (model.EngineState, error) {
	return s.apply(ctx, "UpdateSliceVisibility", func(e *model.EngineState) { e.Slices = sl })
}

func (s *Sim) UpdateGain(ctx context.Context, gain float64) (model.EngineState, error) {
	return s.apply(ctx, "UpdateGain", func(e *model.EngineState) { e.Gain = gain })
}

func (s *Sim) UpdateColormap(ctx context.Context, index int) (model.EngineState, error) {
	return s.apply(ctx, "UpdateColormap", func(e *model.EngineState) { e.ColormapIndex = index })
}

func (s *Sim) UpdateColorScale(ctx context.Context, scale float64) (model.EngineState, error) {
	return s.apply(ctx, "UpdateColorScale", func(e *model.EngineState) { e.ColorScale = scale })
}

func (s *Sim) ResetParameters(ctx context.Context) (model.EngineState, error) {
	return s.apply(ctx, "ResetParameters", func(e *model.EngineState) { *e = s.defaults })
}

func (s *Sim) ReloadTemplate(ctx context.Context) (model.EngineState, error) {
	return s.apply(ctx, "ReloadTemplate", func(e *model.EngineState) {
		*e = s.defaults
		s.reloads++
	})
}

var _ Adapter = (*Sim)(nil)
