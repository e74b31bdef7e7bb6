// Package engine defines the boundary to the visualization engine.
//
// The dispatcher talks to the engine only through Adapter. Every setter is
// absolute (it takes the complete new value for one parameter group) and
// returns the engine state after the change, so the caller never has to
// guess what the engine clamped or ignored.
package engine

import (
	"context"

	"github.com/daviddao/seisq/pkg/model"
)

// Adapter drives one engine instance. Implementations need not be
// goroutine-safe: the dispatcher runs one call at a time, and a call it
// abandoned after a timeout still blocks the next one until it returns.
type Adapter interface {
	// Snapshot reads the current state.
	Snapshot(ctx context.Context) (model.EngineState, error)
	// Defaults returns the template state the engine was loaded with.
	Defaults(ctx context.Context) (model.EngineState, error)
	// Restore applies every parameter of s.
	Restore(ctx context.Context, s model.EngineState) (model.EngineState, error)

	UpdatePosition(ctx context.Context, p model.Vec3) (model.EngineState, error)
	UpdateOrientation(ctx context.Context, r model.Rotation) (model.EngineState, error)
	UpdateScale(ctx context.Context, s model.Scale2) (model.EngineState, error)
	UpdateShift(ctx context.Context, s model.Vec3) (model.EngineState, error)
	UpdateVisibility(ctx context.Context, v model.Visibility) (model.EngineState, error)
	UpdateSliceVisibility(ctx context.Context, s model.Slices) (model.EngineState, error)
	UpdateGain(ctx context.Context, gain float64) (model.EngineState, error)
	UpdateColormap(ctx context.Context, index int) (model.EngineState, error)
	UpdateColorScale(ctx context.Context, scale float64) (model.EngineState, error)

	// ResetParameters returns every parameter to the template defaults.
	ResetParameters(ctx context.Context) (model.EngineState, error)
	// ReloadTemplate reinitializes the engine from its template.
	ReloadTemplate(ctx context.Context) (model.EngineState, error)
}
