// Package listener runs the polling loop next to the engine.
//
// A listener waits for the store to become reachable, then repeatedly
// claims queued commands, hands each to the dispatcher, and sleeps for the
// poll interval. Command failures are the dispatcher's business and never
// end the loop. Store outages make the loop back off and try again.
// Cancelling the context is the only normal way out.
package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/dispatch"
	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/store"
)

// Dispatcher runs one claimed command and finishes commands it had to hold
// during a store outage. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *model.Command) (dispatch.Outcome, error)
	Resume(ctx context.Context) (int, error)
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// Listener claims and dispatches commands for one engine.
type Listener struct {
	store  store.QueueStore
	disp   Dispatcher
	cfg    config.Listener
	scope  store.Scope
	log    zerolog.Logger
	outage *backoff.ExponentialBackOff

	cycles    int
	processed atomic.Int64
}

// New returns a listener. An empty cfg.ID is replaced by host-pid.
func New(st store.QueueStore, disp Dispatcher, cfg config.Listener, log zerolog.Logger) *Listener {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "listener"
		}
		cfg.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 10
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Duration(2 * time.Second)
	}

	outage := backoff.NewExponentialBackOff()
	outage.InitialInterval = cfg.PollInterval.Std()
	outage.MaxInterval = max(cfg.ErrorBackoff.Std(), cfg.PollInterval.Std())

	return &Listener{
		store:  st,
		disp:   disp,
		cfg:    cfg,
		scope:  store.Scope{UserID: cfg.UserID},
		log:    log.With().Str("listener", cfg.ID).Logger(),
		outage: outage,
	}
}

// ID returns the owner id this listener claims under.
func (l *Listener) ID() string { return l.cfg.ID }

// Processed returns how many commands were dispatched so far.
func (l *Listener) Processed() int64 { return l.processed.Load() }

// Run blocks until ctx is cancelled. It returns an error only when the
// store never became reachable at startup.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.waitForStore(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	scope := "all users"
	if !l.scope.Global() {
		scope = l.scope.UserID
	}
	l.log.Info().
		Str("scope", scope).
		Dur("poll", l.cfg.PollInterval.Std()).
		Int("max_per_cycle", l.cfg.MaxPerCycle).
		Msg("listening")
	l.heartbeat(ctx, model.ListenerOnline)
	defer l.shutdown(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		wait := l.cfg.PollInterval.Std()
		if _, err := l.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = l.outage.NextBackOff()
			l.log.Error().Err(err).Dur("retry_in", wait).Msg("poll cycle failed")
			l.heartbeat(ctx, model.ListenerError)
		} else {
			l.outage.Reset()
			l.cycles++
			if l.cycles%l.cfg.HeartbeatEvery == 0 {
				l.heartbeat(ctx, model.ListenerOnline)
			}
		}
		timer.Reset(wait)
	}
}

// Cycle settles commands held from an earlier outage, then claims and
// dispatches up to MaxPerCycle commands and returns how many it handled.
// It stops early when the queue is empty. Nothing new is claimed while a
// held command is still unsettled.
func (l *Listener) Cycle(ctx context.Context) (int, error) {
	n, err := l.disp.Resume(ctx)
	if n > 0 {
		l.processed.Add(int64(n))
		l.log.Info().Int("count", n).Msg("settled held commands")
	}
	if err != nil {
		return n, err
	}
	for n < l.cfg.MaxPerCycle {
		if ctx.Err() != nil {
			return n, nil
		}
		cmd, err := l.store.ClaimNext(ctx, l.scope, l.cfg.ID)
		if err != nil {
			return n, fmt.Errorf("claim: %w", err)
		}
		if cmd == nil {
			return n, nil
		}
		outcome, err := l.disp.Dispatch(ctx, cmd)
		if err != nil {
			return n, err
		}
		n++
		l.processed.Add(1)
		l.log.Debug().Str("id", cmd.ID).Str("method", cmd.Method).Str("outcome", string(outcome)).Msg("dispatched")
	}
	return n, nil
}

// waitForStore pings the store with exponential backoff until it answers
// or StartupMaxElapsed passes.
func (l *Listener) waitForStore(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.Ping(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(l.cfg.StartupMaxElapsed.Std()),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.log.Warn().Err(err).Dur("retry_in", next).Msg("store not reachable yet")
		}),
	)
	if err != nil {
		return fmt.Errorf("store unreachable at startup: %w", err)
	}
	return nil
}

func (l *Listener) heartbeat(ctx context.Context, state model.ListenerState) {
	if err := l.store.Heartbeat(ctx, l.cfg.ID, state, l.processed.Load()); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn().Err(err).Str("state", string(state)).Msg("heartbeat failed")
	}
}

// shutdown reports offline even though ctx is already cancelled.
func (l *Listener) shutdown(ctx context.Context) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	l.heartbeat(hctx, model.ListenerOffline)
	l.log.Info().Int64("processed", l.processed.Load()).Msg("stopped")
}
