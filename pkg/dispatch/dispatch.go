// Package dispatch turns claimed queue commands into engine calls.
//
// A command moves through Validated, Transformed, Applied, Recorded and
// Completed. Validation failures short-circuit to Rejected and engine
// failures to Errored; both end with the command marked failed and a
// readable message. Nothing an engine call does, including a hang or a
// panic, escapes Dispatch.
//
// A Dispatcher owns the undo history and is not safe for concurrent use.
// One listener goroutine drives it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/coords"
	"github.com/daviddao/seisq/pkg/engine"
	"github.com/daviddao/seisq/pkg/history"
	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/schema"
	"github.com/daviddao/seisq/pkg/store"
)

// DefaultTimeout bounds a single adapter call when none is configured.
const DefaultTimeout = 10 * time.Second

// DefaultMarkRetry bounds status write retries when none is configured.
const DefaultMarkRetry = 30 * time.Second

const tracerName = "github.com/daviddao/seisq/pkg/dispatch"

// Dispatcher validates, converts and applies commands against one engine.
type Dispatcher struct {
	store     store.QueueStore
	engine    engine.Adapter
	validator *schema.Validator
	mapper    *coords.Mapper
	history   *history.History
	presets   config.Presets
	limits    schema.Limits
	timeout   time.Duration
	markRetry time.Duration
	log       zerolog.Logger
	tracer    trace.Tracer

	// busy holds a token while an adapter call runs, including one the
	// watchdog gave up on.
	busy chan struct{}
	held []heldCommand
}

// heldCommand is a claimed command whose status write the store refused.
// A nil write means the command never started and is dispatched again.
type heldCommand struct {
	cmd   *model.Command
	what  string
	write func(context.Context) error
}

// New builds a dispatcher from cfg. The calibration in cfg must be usable.
func New(st store.QueueStore, eng engine.Adapter, cfg config.Config, log zerolog.Logger) (*Dispatcher, error) {
	mapper, err := cfg.Mapper()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Dispatch.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	markRetry := cfg.Dispatch.MarkRetry.Std()
	if markRetry <= 0 {
		markRetry = DefaultMarkRetry
	}
	return &Dispatcher{
		store:     st,
		engine:    eng,
		validator: schema.NewValidator(schema.DefaultRegistry(cfg.Limits)),
		mapper:    mapper,
		history:   history.New(cfg.History.Depth),
		presets:   cfg.Presets,
		limits:    cfg.Limits,
		timeout:   timeout,
		markRetry: markRetry,
		log:       log,
		tracer:    otel.Tracer(tracerName),
		busy:      make(chan struct{}, 1),
	}, nil
}

// History exposes the undo history for inspection.
func (d *Dispatcher) History() *history.History { return d.history }

// Held returns how many claimed commands wait for a status write.
func (d *Dispatcher) Held() int { return len(d.held) }

// Dispatch runs one claimed command and records its outcome in the store.
// The returned error is non-nil only when the store could not be reached
// within the retry budget. The command is then held and Resume finishes
// it; command-level failures are reported through the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *model.Command) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+cmd.Method, trace.WithAttributes(
		attribute.String("seisq.command.id", cmd.ID),
		attribute.String("seisq.command.method", cmd.Method),
		attribute.String("seisq.command.user", cmd.UserID),
		attribute.Int64("seisq.command.seq", cmd.Seq),
	))
	defer span.End()

	log := d.log.With().Str("id", cmd.ID).Str("method", cmd.Method).Str("user", cmd.UserID).Logger()
	start := time.Now()

	v, err := d.validator.Validate(cmd.Method, cmd.Params)
	if err != nil {
		return d.fail(ctx, span, log, cmd, OutcomeRejected, err)
	}

	err = d.persist(ctx, log, "mark processing", func(ctx context.Context) error {
		return d.store.MarkProcessing(ctx, cmd.ID, cmd.Owner)
	})
	if err != nil && stale(err) && d.processingByUs(ctx, cmd) {
		err = nil
	}
	if err != nil {
		if stale(err) {
			log.Warn().Err(err).Msg("command no longer claimed by us, skipping")
			span.SetAttributes(attribute.String("seisq.outcome", string(OutcomeStale)))
			return OutcomeStale, nil
		}
		d.hold(cmd, "mark processing", nil)
		return "", fmt.Errorf("mark processing %s: %w", cmd.ID, err)
	}

	result, err := d.apply(ctx, v)
	if err != nil {
		outcome := OutcomeErrored
		if errors.Is(err, schema.ErrValidation) {
			outcome = OutcomeRejected
		}
		return d.fail(ctx, span, log, cmd, outcome, err)
	}

	write := func(ctx context.Context) error {
		return d.store.MarkExecuted(ctx, cmd.ID, cmd.Owner, result)
	}
	if err := d.persist(context.WithoutCancel(ctx), log, "mark executed", write); err != nil {
		if !stale(err) {
			d.hold(cmd, "mark executed", write)
			return "", fmt.Errorf("mark executed %s: %w", cmd.ID, err)
		}
		log.Warn().Err(err).Msg("executed command could not be recorded")
	}
	span.SetAttributes(attribute.String("seisq.outcome", string(OutcomeCompleted)))
	log.Info().Dur("took", time.Since(start)).Msg("command executed")
	return OutcomeCompleted, nil
}

// fail marks cmd failed with cause's message.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, log zerolog.Logger, cmd *model.Command, outcome Outcome, cause error) (Outcome, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	span.SetAttributes(attribute.String("seisq.outcome", string(outcome)))

	write := func(ctx context.Context) error {
		return d.store.MarkFailed(ctx, cmd.ID, cmd.Owner, cause.Error())
	}
	if err := d.persist(context.WithoutCancel(ctx), log, "mark failed", write); err != nil {
		if !stale(err) {
			d.hold(cmd, "mark failed", write)
			return "", fmt.Errorf("mark failed %s: %w", cmd.ID, err)
		}
		log.Warn().Err(err).Msg("failed command could not be recorded")
	}
	log.Warn().Err(cause).Str("outcome", string(outcome)).Msg("command failed")
	return outcome, nil
}

// Resume settles held commands in the order they were held: pending status
// writes are retried and commands that never started are dispatched. It
// stops at the first one the store still refuses, so newer commands are not
// claimed ahead of it.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	n := 0
	for len(d.held) > 0 {
		h := d.held[0]
		d.held = d.held[1:]
		log := d.log.With().Str("id", h.cmd.ID).Str("method", h.cmd.Method).Str("user", h.cmd.UserID).Logger()

		if h.write == nil {
			if _, err := d.Dispatch(ctx, h.cmd); err != nil {
				// Dispatch held it again at the back.
				last := d.held[len(d.held)-1]
				d.held = append([]heldCommand{last}, d.held[:len(d.held)-1]...)
				return n, err
			}
		} else {
			err := d.persist(context.WithoutCancel(ctx), log, h.what, h.write)
			if err != nil && !stale(err) {
				d.held = append([]heldCommand{h}, d.held...)
				return n, fmt.Errorf("%s %s: %w", h.what, h.cmd.ID, err)
			}
			log.Info().Str("write", h.what).Msg("held command recorded")
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) hold(cmd *model.Command, what string, write func(context.Context) error) {
	d.held = append(d.held, heldCommand{cmd: cmd, what: what, write: write})
}

// persist runs a status write with exponential backoff for up to the mark
// retry budget. Each attempt is bounded by the dispatch timeout. Stale
// transitions are final and returned at once.
func (d *Dispatcher) persist(ctx context.Context, log zerolog.Logger, what string, write func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		actx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := write(actx)
		if err != nil && stale(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(d.markRetry),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("write", what).Dur("retry_in", next).Msg("status write failed")
		}),
	)
	return err
}

// processingByUs reports whether an earlier MarkProcessing landed even
// though its reply was lost.
func (d *Dispatcher) processingByUs(ctx context.Context, cmd *model.Command) bool {
	cur, err := d.store.Status(ctx, cmd.ID)
	return err == nil && cur.Status == model.StatusProcessing && cur.Owner == cmd.Owner
}

func stale(err error) bool {
	return errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound)
}

// Execute validates and applies a command without touching the store.
func (d *Dispatcher) Execute(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	v, err := d.validator.Validate(method, params)
	if err != nil {
		return nil, err
	}
	return d.apply(ctx, v)
}

// apply runs a validated command.
func (d *Dispatcher) apply(ctx context.Context, v *schema.Validated) (map[string]any, error) {
	switch v.Method {
	case schema.MethodGetState:
		s, err := d.call(ctx, "Snapshot", d.engine.Snapshot)
		if err != nil {
			return nil, err
		}
		return d.result("current state", s), nil
	case schema.MethodUndo:
		return d.undo(ctx)
	case schema.MethodRedo:
		return d.redo(ctx)
	case schema.MethodReloadTemplate:
		s, err := d.call(ctx, "ReloadTemplate", d.engine.ReloadTemplate)
		if err != nil {
			return nil, err
		}
		d.history.Reset()
		return d.result("template reloaded, history cleared", s), nil
	}

	before, err := d.call(ctx, "Snapshot", d.engine.Snapshot)
	if err != nil {
		return nil, err
	}
	op, fn, msg, err := d.plan(ctx, v, before)
	if err != nil {
		return nil, err
	}
	after, err := d.call(ctx, op, fn)
	if err != nil {
		return nil, err
	}
	d.history.RecordBefore(before)
	return d.result(msg, after), nil
}

type engineCall func(ctx context.Context) (model.EngineState, error)

// plan transforms a validated command into the adapter call that applies
// it. before is the state the call will change.
func (d *Dispatcher) plan(ctx context.Context, v *schema.Validated, before model.EngineState) (string, engineCall, string, error) {
	e := d.engine
	f := func(name string) float64 {
		x, _ := v.Float(name)
		return x
	}

	switch v.Method {
	case schema.MethodUpdatePosition:
		p, err := d.position(v)
		if err != nil {
			return "", nil, "", err
		}
		return "UpdatePosition", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdatePosition(ctx, p)
		}, fmt.Sprintf("position set to x=%g y=%g z=%g", p.X, p.Y, p.Z), nil

	case schema.MethodUpdateOrientation:
		r := model.Rotation{Rot1: f("rot1"), Rot2: f("rot2"), Rot3: f("rot3")}
		return "UpdateOrientation", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateOrientation(ctx, r)
		}, "orientation updated", nil

	case schema.MethodUpdateScale:
		s := model.Scale2{X: f("scale_x"), Y: f("scale_y")}
		return "UpdateScale", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateScale(ctx, s)
		}, "scale updated", nil

	case schema.MethodUpdateShift:
		s := model.Vec3{X: f("shift_x"), Y: f("shift_y"), Z: f("shift_z")}
		return "UpdateShift", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateShift(ctx, s)
		}, "shift updated", nil

	case schema.MethodUpdateVisibility:
		vis := before.Visibility
		setFlag(v, "seismic", &vis.Seismic)
		setFlag(v, "attribute", &vis.Attribute)
		setFlag(v, "horizon", &vis.Horizon)
		setFlag(v, "well", &vis.Well)
		return "UpdateVisibility", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateVisibility(ctx, vis)
		}, "visibility updated", nil

	case schema.MethodUpdateSliceVisibility:
		sl := before.Slices
		setFlag(v, "x_slice", &sl.X)
		setFlag(v, "y_slice", &sl.Y)
		setFlag(v, "z_slice", &sl.Z)
		return "UpdateSliceVisibility", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateSliceVisibility(ctx, sl)
		}, "slice visibility updated", nil

	case schema.MethodUpdateGain:
		return d.gain(f("gain_value"))

	case schema.MethodIncreaseGain:
		return d.gain(before.Gain * d.presets.GainUpFactor)

	case schema.MethodDecreaseGain:
		return d.gain(before.Gain * d.presets.GainDownFactor)

	case schema.MethodUpdateColormap:
		idx, _ := v.Int("colormap_index")
		return "UpdateColormap", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateColormap(ctx, idx)
		}, fmt.Sprintf("colormap set to %d", idx), nil

	case schema.MethodUpdateColorScale:
		scale := f("times_value")
		return "UpdateColorScale", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateColorScale(ctx, scale)
		}, fmt.Sprintf("color scale set to %g", scale), nil

	case schema.MethodRotateLeft:
		return d.rotate(before.Orientation, -d.presets.RotationStep)

	case schema.MethodRotateRight:
		return d.rotate(before.Orientation, d.presets.RotationStep)

	case schema.MethodZoomIn:
		return d.zoom(before.Scale, d.presets.ZoomInFactor)

	case schema.MethodZoomOut:
		return d.zoom(before.Scale, d.presets.ZoomOutFactor)

	case schema.MethodZoomReset:
		defaults, err := d.call(ctx, "Defaults", e.Defaults)
		if err != nil {
			return "", nil, "", err
		}
		s := defaults.Scale
		return "UpdateScale", func(ctx context.Context) (model.EngineState, error) {
			return e.UpdateScale(ctx, s)
		}, "zoom reset", nil

	case schema.MethodResetParameters:
		return "ResetParameters", e.ResetParameters, "parameters reset to template defaults", nil
	}
	return "", nil, "", fmt.Errorf("method %q has no dispatch rule", v.Method)
}

func setFlag(v *schema.Validated, name string, dst *bool) {
	if b, ok := v.Bool(name); ok {
		*dst = b
	}
}

// position resolves either parameter form to engine coordinates. Domain
// values are converted and then checked against the engine limits.
func (d *Dispatcher) position(v *schema.Validated) (model.Vec3, error) {
	if !v.Has("crossline") {
		x, _ := v.Float("x")
		y, _ := v.Float("y")
		z, _ := v.Float("z")
		return model.Vec3{X: x, Y: y, Z: z}, nil
	}
	var p model.Vec3
	for _, ax := range []struct {
		axis  coords.Axis
		limit schema.Range
		dst   *float64
	}{
		{coords.Crossline, d.limits.PositionX, &p.X},
		{coords.Inline, d.limits.PositionY, &p.Y},
		{coords.Depth, d.limits.PositionZ, &p.Z},
	} {
		dv, _ := v.Float(string(ax.axis))
		ev := float64(d.mapper.ToEngine(dv, ax.axis))
		if !ax.limit.Contains(ev) {
			return model.Vec3{}, &schema.ValidationError{
				Code:   schema.CodeInvalidValue,
				Method: v.Method,
				Param:  string(ax.axis),
				Value:  dv,
				Detail: fmt.Sprintf("maps to %s=%g outside %g..%g", ax.axis.EngineAxis(), ev, ax.limit.Min, ax.limit.Max),
			}
		}
		*ax.dst = ev
	}
	return p, nil
}

func (d *Dispatcher) gain(g float64) (string, engineCall, string, error) {
	g = clamp(g, d.limits.Gain.Min, d.limits.Gain.Max)
	return "UpdateGain", func(ctx context.Context) (model.EngineState, error) {
		return d.engine.UpdateGain(ctx, g)
	}, fmt.Sprintf("gain set to %.3g", g), nil
}

// rotate turns the view about its vertical axis (rot3), wrapping at ±π.
func (d *Dispatcher) rotate(r model.Rotation, step float64) (string, engineCall, string, error) {
	r.Rot3 += step
	switch {
	case r.Rot3 < -math.Pi:
		r.Rot3 += 2 * math.Pi
	case r.Rot3 > math.Pi:
		r.Rot3 -= 2 * math.Pi
	}
	return "UpdateOrientation", func(ctx context.Context) (model.EngineState, error) {
		return d.engine.UpdateOrientation(ctx, r)
	}, fmt.Sprintf("rotated to %.3f rad", r.Rot3), nil
}

func (d *Dispatcher) zoom(s model.Scale2, factor float64) (string, engineCall, string, error) {
	s.X = clamp(s.X*factor, d.presets.ScaleMin, d.presets.ScaleMax)
	s.Y = clamp(s.Y*factor, d.presets.ScaleMin, d.presets.ScaleMax)
	return "UpdateScale", func(ctx context.Context) (model.EngineState, error) {
		return d.engine.UpdateScale(ctx, s)
	}, fmt.Sprintf("scale set to %.3g", s.X), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func (d *Dispatcher) undo(ctx context.Context) (map[string]any, error) {
	current, err := d.call(ctx, "Snapshot", d.engine.Snapshot)
	if err != nil {
		return nil, err
	}
	prev, err := d.history.Undo(current)
	if errors.Is(err, history.ErrEmptyHistory) {
		res := d.result("nothing to undo", current)
		res["empty_history"] = true
		return res, nil
	}
	after, err := d.call(ctx, "Restore", func(ctx context.Context) (model.EngineState, error) {
		return d.engine.Restore(ctx, prev)
	})
	if err != nil {
		_, _ = d.history.Redo(prev)
		return nil, err
	}
	return d.result("undone", after), nil
}

func (d *Dispatcher) redo(ctx context.Context) (map[string]any, error) {
	current, err := d.call(ctx, "Snapshot", d.engine.Snapshot)
	if err != nil {
		return nil, err
	}
	next, err := d.history.Redo(current)
	if errors.Is(err, history.ErrEmptyHistory) {
		res := d.result("nothing to redo", current)
		res["empty_history"] = true
		return res, nil
	}
	after, err := d.call(ctx, "Restore", func(ctx context.Context) (model.EngineState, error) {
		return d.engine.Restore(ctx, next)
	})
	if err != nil {
		_, _ = d.history.Undo(next)
		return nil, err
	}
	return d.result("redone", after), nil
}

// call runs one adapter operation under the watchdog. A call that outlives
// the timeout is abandoned; its goroutine finishes on its own and keeps the
// busy token until then, so the adapter never runs two calls at once.
func (d *Dispatcher) call(ctx context.Context, op string, fn engineCall) (model.EngineState, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	select {
	case d.busy <- struct{}{}:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrEngineBusy
		}
		return model.EngineState{}, &EngineError{Op: op, Err: err}
	}

	type reply struct {
		state model.EngineState
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		var r reply
		defer func() {
			if p := recover(); p != nil {
				r = reply{err: fmt.Errorf("panic: %v", p)}
			}
			<-d.busy
			done <- r
		}()
		r.state, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
				r.err = ErrEngineTimeout
			}
			return model.EngineState{}, &EngineError{Op: op, Err: r.err}
		}
		return r.state, nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrEngineTimeout
		}
		return model.EngineState{}, &EngineError{Op: op, Err: err}
	}
}

// result is the payload stored with an executed command.
func (d *Dispatcher) result(msg string, s model.EngineState) map[string]any {
	pos := d.mapper.DomainPosition(s.Position.X, s.Position.Y, s.Position.Z)
	return map[string]any{
		"message": msg,
		"state":   s.Map(),
		"domain_position": map[string]any{
			"crossline": pos.Crossline, "inline": pos.Inline, "depth": pos.Depth,
		},
		"can_undo":   d.history.CanUndo(),
		"can_redo":   d.history.CanRedo(),
		"undo_count": d.history.UndoDepth(),
		"redo_count": d.history.RedoDepth(),
	}
}
