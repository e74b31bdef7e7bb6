package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/rpc"
	"github.com/daviddao/seisq/pkg/store"
)

// cmdWait blocks until a queued command reaches a terminal status.
//
// Usage:
//
//	sq wait <id>                  # block until executed or failed
//	sq wait <id> --timeout 5m     # block with timeout
//
// Exit codes:
//
//	0 = executed
//	1 = error, timeout or interrupt
//	2 = failed
func (a *app) cmdWait(args []string) int {
	flags := pflag.NewFlagSet("wait", pflag.ContinueOnError)
	timeout := flags.Duration("timeout", 2*time.Minute, "max time to wait")
	interval := flags.Duration("interval", 500*time.Millisecond, "poll interval")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sq wait <id> [--timeout D] [--interval D] [--json]")
		return 1
	}
	return a.waitFor(flags.Arg(0), *timeout, *interval, *jsonOut)
}

func (a *app) waitFor(id string, timeout, interval time.Duration, jsonOut bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cmd, err := a.store.Status(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Fprintf(os.Stderr, "sq: wait: no command %q\n", id)
			return 1
		case err != nil && ctx.Err() == nil:
			// Transient store errors are retried on the next tick.
			a.log.Warn().Err(err).Str("id", id).Msg("status poll failed")
		case err == nil && cmd.Status.Terminal():
			return waitDone(cmd, time.Since(start), jsonOut)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if jsonOut {
					printJSON(rpc.Failure(id, rpc.CodeStateError, "timeout", map[string]any{
						"timeout": timeout.String(),
					}))
				} else {
					fmt.Fprintf(os.Stderr, "TIMEOUT: %s not finished after %s\n", id, timeout)
				}
			} else {
				fmt.Fprintf(os.Stderr, "\ninterrupted\n")
			}
			return 1
		case <-ticker.C:
		}
	}
}

func waitDone(cmd *model.Command, elapsed time.Duration, jsonOut bool) int {
	if jsonOut {
		printJSON(rpc.FromCommand(cmd))
	} else {
		switch cmd.Status {
		case model.StatusExecuted:
			fmt.Printf("EXECUTED: %s %s", cmd.Method, cmd.Result["message"])
		default:
			fmt.Printf("FAILED: %s: %s", cmd.Method, cmd.Error)
		}
		if elapsed > time.Millisecond {
			fmt.Printf(" (waited %s)", elapsed.Round(time.Millisecond))
		}
		fmt.Println()
	}
	if cmd.Status == model.StatusExecuted {
		return 0
	}
	return 2
}
