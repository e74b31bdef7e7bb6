package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/rpc"
	"github.com/daviddao/seisq/pkg/store"
)

func (a *app) cmdStatus(args []string) int {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "user ID (optional, focuses the overview)")
	limit := flags.Int("limit", 10, "recent commands to show in the overview")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() > 0 {
		return a.commandStatus(flags.Arg(0), *jsonOut)
	}

	ctx := context.Background()
	// Best-effort user resolution (status works without one).
	userID, _ := a.resolveUser(*user)

	listeners, err := a.store.ListListeners(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: status: %v\n", err)
		return 1
	}
	recent, err := a.store.Recent(ctx, userID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: status: %v\n", err)
		return 1
	}

	type listenerInfo struct {
		model.ListenerStatus
		Presence string `json:"presence"`
	}
	now := time.Now()
	infos := make([]listenerInfo, len(listeners))
	for i, l := range listeners {
		infos[i] = listenerInfo{ListenerStatus: l, Presence: listenerPresence(l, now)}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"listeners": infos,
			"recent":    recent,
			"counts":    countByStatus(recent),
		})
		return 0
	}

	if len(infos) == 0 {
		fmt.Println("listeners: none (start one with 'sq listen')")
	} else {
		fmt.Println("listeners:")
		for _, l := range infos {
			fmt.Printf("  %s %-24s %-8s processed=%-5d last_heartbeat=%s\n",
				presenceIndicator(l.Presence), l.ListenerID, l.Presence, l.Processed,
				l.LastHeartbeat.Local().Format("15:04:05"))
		}
	}

	if len(recent) == 0 {
		fmt.Println("queue: empty")
		return 0
	}
	scope := "all users"
	if userID != "" {
		scope = userID
	}
	fmt.Printf("recent (%s):\n", scope)
	for _, c := range recent {
		fmt.Print("  ")
		printCommand(c, now)
	}
	return 0
}

// commandStatus prints one command as a JSON-RPC response (with --json)
// or a short summary.
func (a *app) commandStatus(id string, jsonOut bool) int {
	cmd, err := a.store.Status(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		if jsonOut {
			printJSON(rpc.Failure(id, rpc.CodeStateError, "command not found", nil))
		} else {
			fmt.Fprintf(os.Stderr, "sq: status: no command %q\n", id)
		}
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: status: %v\n", err)
		return 1
	}

	if jsonOut {
		printJSON(rpc.FromCommand(cmd))
		return 0
	}
	fmt.Printf("id:       %s\n", cmd.ID)
	fmt.Printf("user:     %s (seq %d)\n", cmd.UserID, cmd.Seq)
	fmt.Printf("method:   %s %s\n", cmd.Method, compactJSON(cmd.Params))
	fmt.Printf("status:   %s\n", cmd.Status)
	fmt.Printf("enqueued: %s\n", cmd.EnqueuedAt.Local().Format(time.RFC3339))
	if cmd.Owner != "" {
		fmt.Printf("owner:    %s", cmd.Owner)
		if cmd.ClaimedAt != nil {
			fmt.Printf(" (claimed %s ago)", time.Since(*cmd.ClaimedAt).Round(time.Second))
		}
		fmt.Println()
	}
	switch cmd.Status {
	case model.StatusExecuted:
		fmt.Printf("result:   %v\n", cmd.Result["message"])
	case model.StatusFailed:
		fmt.Printf("error:    %s\n", cmd.Error)
	}
	return 0
}

func countByStatus(cmds []model.Command) map[model.Status]int {
	counts := map[model.Status]int{}
	for _, c := range cmds {
		counts[c.Status]++
	}
	return counts
}

// listenerPresence classifies a listener by its last heartbeat.
//   - "online"  - reported online within 2 minutes
//   - "stale"   - reported online, but not for 2+ minutes
//   - "error"   - last cycle failed
//   - "offline" - shut down cleanly
func listenerPresence(l model.ListenerStatus, now time.Time) string {
	switch l.Status {
	case model.ListenerOffline:
		return "offline"
	case model.ListenerError:
		return "error"
	}
	if now.Sub(l.LastHeartbeat) < 2*time.Minute {
		return "online"
	}
	return "stale"
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "online":
		return "[+]"
	case "stale":
		return "[~]"
	case "error":
		return "[!]"
	default:
		return "[-]"
	}
}
