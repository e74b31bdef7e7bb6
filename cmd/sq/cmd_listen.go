package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/config"
	"github.com/daviddao/seisq/pkg/dispatch"
	"github.com/daviddao/seisq/pkg/engine"
	"github.com/daviddao/seisq/pkg/listener"
	"github.com/daviddao/seisq/pkg/logging"
	"github.com/daviddao/seisq/pkg/model"
)

// cmdListen runs the listener until ctrl-c. The engine is the in-process
// simulator; a real engine plugs in through engine.Adapter.
func (a *app) cmdListen(args []string) int {
	cfg := a.cfg.Listener
	flags := pflag.NewFlagSet("listen", pflag.ContinueOnError)
	id := flags.String("id", cfg.ID, "owner ID to claim under (default host-pid)")
	user := flags.StringP("user", "u", cfg.UserID, "only claim this user's commands (default: all users)")
	interval := flags.Duration("interval", cfg.PollInterval.Std(), "poll interval")
	maxPerCycle := flags.Int("max-per-cycle", cfg.MaxPerCycle, "max commands drained per poll")
	timeout := flags.Duration("timeout", a.cfg.Dispatch.Timeout.Std(), "max time for one engine call")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *interval <= 0 || *maxPerCycle < 1 || *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "sq: listen: --interval, --max-per-cycle and --timeout must be positive")
		return 1
	}
	cfg.ID = *id
	cfg.UserID = *user
	cfg.PollInterval = config.Duration(*interval)
	cfg.MaxPerCycle = *maxPerCycle

	full := a.cfg
	full.Dispatch.Timeout = config.Duration(*timeout)

	sim := engine.NewSim(model.DefaultEngineState())
	d, err := dispatch.New(a.store, sim, full, logging.Component(a.log, "dispatch"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: listen: %v\n", err)
		return 1
	}
	l := listener.New(a.store, d, cfg, logging.Component(a.log, "listener"))

	// Handle ctrl-c gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "listening as %s (poll every %s, ctrl-c to stop)\n",
		l.ID(), cfg.PollInterval.Std().Round(time.Millisecond))

	if err := l.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sq: listen: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "\nstopped after %d command(s)\n", l.Processed())
	return 0
}
