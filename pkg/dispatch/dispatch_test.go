package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/engine"
	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/schema"
	"github.com/daviddao/seisq/pkg/store"
)

type fixture struct {
	d     *Dispatcher
	sim   *engine.Sim
	store *store.Store
}

func newFixture(t *testing.T, tweak func(*config.Config)) fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	if tweak != nil {
		tweak(&cfg)
	}
	sim := engine.NewSim(model.DefaultEngineState())
	d, err := New(st, sim, cfg, zerolog.Nop())
	require.NoError(t, err)
	return fixture{d: d, sim: sim, store: st}
}

func (f fixture) exec(t *testing.T, method string, params map[string]any) map[string]any {
	t.Helper()
	res, err := f.d.Execute(context.Background(), method, params)
	require.NoError(t, err, "%s %v", method, params)
	return res
}

func TestExecute_UndoWalksBackToInitialState(t *testing.T) {
	f := newFixture(t, nil)
	initial := f.sim.State()

	cmds := []struct {
		method string
		params map[string]any
	}{
		{schema.MethodIncreaseGain, nil},
		{schema.MethodZoomIn, nil},
		{schema.MethodRotateLeft, nil},
		{schema.MethodUpdateColormap, map[string]any{"colormap_index": 7}},
		{schema.MethodUpdateVisibility, map[string]any{"horizon": true}},
	}
	const n = 20
	for i := 0; i < n; i++ {
		c := cmds[i%len(cmds)]
		f.exec(t, c.method, c.params)
	}
	require.NotEqual(t, initial, f.sim.State())
	assert.Equal(t, n, f.d.History().UndoDepth())

	for i := 0; i < n; i++ {
		res := f.exec(t, schema.MethodUndo, nil)
		assert.NotContains(t, res, "empty_history")
	}
	assert.Equal(t, initial, f.sim.State())

	res := f.exec(t, schema.MethodUndo, nil)
	assert.Equal(t, true, res["empty_history"])
	assert.Equal(t, initial, f.sim.State())
}

func TestExecute_UndoThenRedo(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateGain, map[string]any{"gain_value": 2.0})
	changed := f.sim.State()

	res := f.exec(t, schema.MethodUndo, nil)
	assert.Equal(t, 1.0, f.sim.State().Gain)
	assert.Equal(t, true, res["can_redo"])
	assert.Equal(t, 0, res["undo_count"])

	res = f.exec(t, schema.MethodRedo, nil)
	assert.Equal(t, changed, f.sim.State())
	assert.Equal(t, 1, res["undo_count"])
	assert.Equal(t, 0, res["redo_count"])

	res = f.exec(t, schema.MethodRedo, nil)
	assert.Equal(t, true, res["empty_history"])
}

func TestExecute_NewCommandClearsRedo(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodZoomIn, nil)
	f.exec(t, schema.MethodUndo, nil)
	require.True(t, f.d.History().CanRedo())

	f.exec(t, schema.MethodZoomOut, nil)
	assert.False(t, f.d.History().CanRedo())
}

func TestExecute_InvalidColormapNeverReachesEngine(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.Execute(context.Background(), schema.MethodUpdateColormap, map[string]any{"colormap_index": 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrInvalidValue))
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, 3, f.sim.State().ColormapIndex)
}

func TestExecute_DomainPosition(t *testing.T) {
	f := newFixture(t, nil)
	res := f.exec(t, schema.MethodUpdatePosition, map[string]any{
		"crossline": 25559.0, "inline": 9200.0, "depth": 1500.0,
	})
	assert.Equal(t, model.Vec3{X: 159738, Y: 105000, Z: 1500}, f.sim.State().Position)
	assert.Equal(t, map[string]any{"crossline": 25559, "inline": 9200, "depth": 1500}, res["domain_position"])

	_, err := f.d.Execute(context.Background(), schema.MethodUpdatePosition, map[string]any{
		"crossline": 40000.0, "inline": 9200.0, "depth": 1500.0,
	})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "crossline", verr.Param)
	assert.NotContains(t, f.sim.Calls()[2:], "UpdatePosition")
	assert.Equal(t, 1, f.d.History().UndoDepth())
}

func TestExecute_EnginePosition(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdatePosition, map[string]any{"x": 150000.0, "y": 120000.0, "z": 2000.0})
	assert.Equal(t, model.Vec3{X: 150000, Y: 120000, Z: 2000}, f.sim.State().Position)
}

func TestExecute_QuickActions(t *testing.T) {
	f := newFixture(t, nil)
	p := config.Default().Presets

	f.exec(t, schema.MethodIncreaseGain, nil)
	assert.InDelta(t, p.GainUpFactor, f.sim.State().Gain, 1e-9)
	f.exec(t, schema.MethodDecreaseGain, nil)
	assert.InDelta(t, p.GainUpFactor*p.GainDownFactor, f.sim.State().Gain, 1e-9)

	f.exec(t, schema.MethodUpdateGain, map[string]any{"gain_value": 5.0})
	f.exec(t, schema.MethodIncreaseGain, nil)
	assert.Equal(t, 5.0, f.sim.State().Gain, "gain clamps at the limit")

	start := f.sim.State().Orientation.Rot3
	f.exec(t, schema.MethodRotateLeft, nil)
	assert.InDelta(t, start-p.RotationStep, f.sim.State().Orientation.Rot3, 1e-9)
	f.exec(t, schema.MethodRotateRight, nil)
	assert.InDelta(t, start, f.sim.State().Orientation.Rot3, 1e-9)

	for i := 0; i < 30; i++ {
		f.exec(t, schema.MethodZoomIn, nil)
	}
	assert.Equal(t, p.ScaleMax, f.sim.State().Scale.X)
	f.exec(t, schema.MethodZoomReset, nil)
	assert.Equal(t, model.DefaultEngineState().Scale, f.sim.State().Scale)
}

func TestExecute_RotationWraps(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateOrientation, map[string]any{"rot1": 0.0, "rot2": 0.0, "rot3": -3.1})
	f.exec(t, schema.MethodRotateLeft, nil)
	assert.InDelta(t, -3.2+2*math.Pi, f.sim.State().Orientation.Rot3, 1e-9)

	f.exec(t, schema.MethodRotateRight, nil)
	assert.InDelta(t, -3.1, f.sim.State().Orientation.Rot3, 1e-9)
}

func TestExecute_PartialVisibilityMerges(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateVisibility, map[string]any{"horizon": true})
	assert.Equal(t, model.Visibility{Seismic: true, Horizon: true, Well: true}, f.sim.State().Visibility)

	f.exec(t, schema.MethodUpdateSliceVisibility, map[string]any{"x_slice": false, "z_slice": true})
	assert.Equal(t, model.Slices{Y: true, Z: true}, f.sim.State().Slices)
}

func TestExecute_ReloadTemplateClearsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateGain, map[string]any{"gain_value": 3.0})
	f.exec(t, schema.MethodZoomIn, nil)

	res := f.exec(t, schema.MethodReloadTemplate, nil)
	assert.Equal(t, false, res["can_undo"])
	assert.Equal(t, 1, f.sim.Reloads())
	assert.Equal(t, model.DefaultEngineState(), f.sim.State())

	res = f.exec(t, schema.MethodUndo, nil)
	assert.Equal(t, true, res["empty_history"])
}

func TestExecute_ResetParametersIsUndoable(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateColorScale, map[string]any{"times_value": 4.0})
	f.exec(t, schema.MethodResetParameters, nil)
	assert.Equal(t, 1.0, f.sim.State().ColorScale)

	f.exec(t, schema.MethodUndo, nil)
	assert.Equal(t, 4.0, f.sim.State().ColorScale)
}

func TestExecute_GetStateIsReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	res := f.exec(t, schema.MethodGetState, nil)
	assert.Equal(t, 0, res["undo_count"])
	assert.Equal(t, model.DefaultEngineState().Map(), res["state"])
	assert.Equal(t, []string{"Snapshot"}, f.sim.Calls())
}

func TestExecute_FailedRestoreKeepsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, schema.MethodUpdateGain, map[string]any{"gain_value": 2.0})

	f.sim.FailOn("Restore", errors.New("engine busy"))
	_, err := f.d.Execute(context.Background(), schema.MethodUndo, nil)
	var eerr *EngineError
	require.True(t, errors.As(err, &eerr), "got %v", err)
	assert.Equal(t, "Restore", eerr.Op)
	assert.Equal(t, 1, f.d.History().UndoDepth())
	assert.Equal(t, 0, f.d.History().RedoDepth())

	f.sim.FailOn("Restore", nil)
	f.exec(t, schema.MethodUndo, nil)
	assert.Equal(t, 1.0, f.sim.State().Gain)
}

func TestExecute_EngineFailureNotRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.FailOn("UpdateGain", errors.New("gpu lost"))
	_, err := f.d.Execute(context.Background(), schema.MethodUpdateGain, map[string]any{"gain_value": 2.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpu lost")
	assert.False(t, f.d.History().CanUndo())
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Dispatch.Timeout = config.Duration(50 * time.Millisecond) })
	f.sim.SetDelay(time.Second)

	start := time.Now()
	_, err := f.d.Execute(context.Background(), schema.MethodZoomIn, nil)
	assert.True(t, errors.Is(err, ErrEngineTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

type panickyEngine struct {
	*engine.Sim
}

func (panickyEngine) UpdateGain(context.Context, float64) (model.EngineState, error) {
	panic("boom")
}

func TestExecute_PanicBecomesEngineError(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	d, err := New(st, panickyEngine{engine.NewSim(model.DefaultEngineState())}, config.Default(), zerolog.Nop())
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), schema.MethodUpdateGain, map[string]any{"gain_value": 2.0})
	var eerr *EngineError
	require.True(t, errors.As(err, &eerr), "got %v", err)
	assert.Contains(t, err.Error(), "boom")
}

// --- Dispatch against a store ---

func claim(t *testing.T, st store.QueueStore, method string, params map[string]any) *model.Command {
	t.Helper()
	ctx := context.Background()
	_, err := st.Enqueue(ctx, "alice", method, params)
	require.NoError(t, err)
	cmd, err := st.ClaimNext(ctx, store.Scope{}, "l1")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	return cmd
}

func TestDispatch_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		params  map[string]any
		failOn  string
		outcome Outcome
		status  model.Status
		errHas  string
	}{
		{"executed", schema.MethodUpdateGain, map[string]any{"gain_value": 2.0}, "", OutcomeCompleted, model.StatusExecuted, ""},
		{"rejected", schema.MethodUpdateColormap, map[string]any{"colormap_index": 99}, "", OutcomeRejected, model.StatusFailed, "colormap_index"},
		{"unknown method", "fly_away", nil, "", OutcomeRejected, model.StatusFailed, "unknown method"},
		{"engine error", schema.MethodZoomIn, nil, "UpdateScale", OutcomeErrored, model.StatusFailed, "exploded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tc.failOn != "" {
				f.sim.FailOn(tc.failOn, errors.New("exploded"))
			}
			cmd := claim(t, f.store, tc.method, tc.params)

			outcome, err := f.d.Dispatch(context.Background(), cmd)
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, outcome)

			got, err := f.store.Status(context.Background(), cmd.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			if tc.errHas != "" {
				assert.Contains(t, got.Error, tc.errHas)
			} else {
				assert.NotEmpty(t, got.Result["message"])
				assert.Contains(t, got.Result, "state")
			}
		})
	}
}

func TestDispatch_StaleOwner(t *testing.T) {
	f := newFixture(t, nil)
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)
	cmd.Owner = "someone-else"

	outcome, err := f.d.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Empty(t, f.sim.Calls())

	got, err := f.store.Status(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, got.Status)
}

func TestDispatch_StoreUnavailable(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Dispatch.MarkRetry = config.Duration(100 * time.Millisecond) })
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)
	require.NoError(t, f.store.Close())

	_, err := f.d.Dispatch(context.Background(), cmd)
	assert.True(t, errors.Is(err, store.ErrStoreUnavailable), "got %v", err)
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, 1, f.d.Held())
}

// blipStore makes chosen status writes fail with ErrStoreUnavailable. A
// count of -1 keeps failing until heal is called.
type blipStore struct {
	*store.Store
	down map[string]int
	// land performs the write before reporting the failure, like a reply
	// lost on the way back.
	land bool
}

func (b *blipStore) fault(op string, write func() error) error {
	n := b.down[op]
	if n == 0 {
		return write()
	}
	if n > 0 {
		b.down[op] = n - 1
	}
	if b.land {
		_ = write()
	}
	return fmt.Errorf("%w: blip", store.ErrStoreUnavailable)
}

func (b *blipStore) heal() { b.down = map[string]int{} }

func (b *blipStore) MarkProcessing(ctx context.Context, id, owner string) error {
	return b.fault("MarkProcessing", func() error { return b.Store.MarkProcessing(ctx, id, owner) })
}

func (b *blipStore) MarkExecuted(ctx context.Context, id, owner string, result map[string]any) error {
	return b.fault("MarkExecuted", func() error { return b.Store.MarkExecuted(ctx, id, owner, result) })
}

func (b *blipStore) MarkFailed(ctx context.Context, id, owner, message string) error {
	return b.fault("MarkFailed", func() error { return b.Store.MarkFailed(ctx, id, owner, message) })
}

func newBlipFixture(t *testing.T, markRetry time.Duration, down map[string]int) (fixture, *blipStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blip := &blipStore{Store: st, down: down}
	cfg := config.Default()
	cfg.Dispatch.MarkRetry = config.Duration(markRetry)
	sim := engine.NewSim(model.DefaultEngineState())
	d, err := New(blip, sim, cfg, zerolog.Nop())
	require.NoError(t, err)
	return fixture{d: d, sim: sim, store: st}, blip
}

func statusOf(t *testing.T, st store.QueueStore, id string) model.Status {
	t.Helper()
	got, err := st.Status(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestDispatch_RetriesFinalStatusWrite(t *testing.T) {
	f, _ := newBlipFixture(t, 2*time.Second, map[string]int{"MarkExecuted": 1})
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)

	outcome, err := f.d.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, model.StatusExecuted, statusOf(t, f.store, cmd.ID))
	assert.Equal(t, []string{"Snapshot", "UpdateScale"}, f.sim.Calls())
	assert.Zero(t, f.d.Held())
}

func TestDispatch_RetriesFailedStatusWrite(t *testing.T) {
	f, _ := newBlipFixture(t, 2*time.Second, map[string]int{"MarkFailed": 2})
	cmd := claim(t, f.store, schema.MethodUpdateColormap, map[string]any{"colormap_index": 99})

	outcome, err := f.d.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, model.StatusFailed, statusOf(t, f.store, cmd.ID))
}

func TestDispatch_HeldExecutedIsRecordedOnResume(t *testing.T) {
	f, blip := newBlipFixture(t, 150*time.Millisecond, map[string]int{"MarkExecuted": -1})
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)

	_, err := f.d.Dispatch(context.Background(), cmd)
	require.True(t, errors.Is(err, store.ErrStoreUnavailable), "got %v", err)
	assert.Equal(t, model.StatusProcessing, statusOf(t, f.store, cmd.ID))
	assert.Equal(t, 1, f.d.Held())

	n, err := f.d.Resume(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.d.Held())

	blip.heal()
	n, err = f.d.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.d.Held())
	assert.Equal(t, model.StatusExecuted, statusOf(t, f.store, cmd.ID))
	// The engine ran the command once; only the write was repeated.
	assert.Equal(t, []string{"Snapshot", "UpdateScale"}, f.sim.Calls())
}

func TestDispatch_HeldBeforeStartRunsOnResume(t *testing.T) {
	f, blip := newBlipFixture(t, 150*time.Millisecond, map[string]int{"MarkProcessing": -1})
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)

	_, err := f.d.Dispatch(context.Background(), cmd)
	require.True(t, errors.Is(err, store.ErrStoreUnavailable), "got %v", err)
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, model.StatusClaimed, statusOf(t, f.store, cmd.ID))

	_, err = f.d.Resume(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.d.Held())

	blip.heal()
	n, err := f.d.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusExecuted, statusOf(t, f.store, cmd.ID))
	assert.Equal(t, []string{"Snapshot", "UpdateScale"}, f.sim.Calls())
}

func TestDispatch_LostProcessingReply(t *testing.T) {
	f, blip := newBlipFixture(t, 2*time.Second, map[string]int{"MarkProcessing": 1})
	blip.land = true
	cmd := claim(t, f.store, schema.MethodZoomIn, nil)

	outcome, err := f.d.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, model.StatusExecuted, statusOf(t, f.store, cmd.ID))
}

// stuckEngine ignores ctx in UpdateGain until released and records whether
// two adapter calls ever overlapped.
type stuckEngine struct {
	*engine.Sim
	release  chan struct{}
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (e *stuckEngine) enter() func() {
	if e.inflight.Add(1) > 1 {
		e.overlap.Store(true)
	}
	return func() { e.inflight.Add(-1) }
}

func (e *stuckEngine) Snapshot(ctx context.Context) (model.EngineState, error) {
	defer e.enter()()
	return e.Sim.Snapshot(ctx)
}

func (e *stuckEngine) UpdateGain(ctx context.Context, g float64) (model.EngineState, error) {
	defer e.enter()()
	<-e.release
	return e.Sim.UpdateGain(context.Background(), g)
}

func TestExecute_AbandonedCallBlocksAdapter(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	eng := &stuckEngine{Sim: engine.NewSim(model.DefaultEngineState()), release: make(chan struct{})}
	cfg := config.Default()
	cfg.Dispatch.Timeout = config.Duration(50 * time.Millisecond)
	d, err := New(st, eng, cfg, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = d.Execute(ctx, schema.MethodUpdateGain, map[string]any{"gain_value": 2.0})
	require.True(t, errors.Is(err, ErrEngineTimeout), "got %v", err)

	_, err = d.Execute(ctx, schema.MethodGetState, nil)
	require.True(t, errors.Is(err, ErrEngineBusy), "got %v", err)

	close(eng.release)
	require.Eventually(t, func() bool { return eng.inflight.Load() == 0 }, time.Second, 5*time.Millisecond)

	_, err = d.Execute(ctx, schema.MethodGetState, nil)
	require.NoError(t, err)
	assert.False(t, eng.overlap.Load(), "adapter ran two calls at once")
}
