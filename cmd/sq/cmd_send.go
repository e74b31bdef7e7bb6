package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/rpc"
)

func (a *app) cmdSend(args []string) int {
	flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "user ID (overrides SEISQ_USER)")
	wait := flags.BoolP("wait", "w", false, "block until the command finishes")
	timeout := flags.Duration("timeout", 30*time.Second, "max time to wait with --wait")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: sq send <method> [key=value ...] [--user ID] [--wait] [--json]")
		fmt.Fprintln(os.Stderr, `       sq send '{"method": "update_gain", "params": {"gain_value": 2}}'`)
		return 1
	}

	userID, err := a.resolveUser(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: %v\n", err)
		return 1
	}

	req, err := requestFromArgs(flags.Args())
	if err != nil {
		if *jsonOut {
			printJSON(rpc.FromError("", err))
		} else {
			fmt.Fprintf(os.Stderr, "sq: send: %v\n", err)
		}
		return 1
	}
	return a.submit(userID, req, *wait, *timeout, *jsonOut)
}

// submit validates req, queues it for userID and optionally waits for the
// outcome. Invalid commands never reach the queue.
func (a *app) submit(userID string, req rpc.Request, wait bool, timeout time.Duration, jsonOut bool) int {
	if _, err := a.validator.Validate(req.Method, req.Params); err != nil {
		if jsonOut {
			printJSON(rpc.FromError(req.ID, err))
		} else {
			fmt.Fprintf(os.Stderr, "sq: rejected: %v\n", err)
		}
		return 2
	}

	id, err := a.store.Enqueue(context.Background(), userID, req.Method, req.Params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: send: %v\n", err)
		return 1
	}
	a.log.Debug().Str("id", id).Str("user", userID).Str("method", req.Method).Msg("queued")

	if wait {
		if !jsonOut {
			fmt.Fprintf(os.Stderr, "queued %s (id=%s)\n", req.Method, id)
		}
		return a.waitFor(id, timeout, 200*time.Millisecond, jsonOut)
	}

	if jsonOut {
		printJSON(rpc.Success(req.ID, map[string]any{
			"id": id, "status": "queued", "method": req.Method, "user_id": userID,
		}))
	} else {
		fmt.Printf("queued %s for %s (id=%s)\n", req.Method, userID, id)
	}
	return 0
}
