package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/model"
)

func (a *app) cmdLog(args []string) int {
	flags := pflag.NewFlagSet("log", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "only this user's commands (default: all users)")
	limit := flags.Int("limit", 50, "max commands to return")
	status := flags.String("status", "", "filter by status (queued, claimed, processing, executed, failed)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *status != "" {
		if _, err := model.ParseStatus(*status); err != nil {
			fmt.Fprintf(os.Stderr, "sq: log: %v\n", err)
			return 1
		}
	}

	cmds, err := a.store.Recent(context.Background(), *user, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: log: %v\n", err)
		return 1
	}

	if *status != "" {
		filtered := cmds[:0]
		for _, c := range cmds {
			if string(c.Status) == *status {
				filtered = append(filtered, c)
			}
		}
		cmds = filtered
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"commands": cmds, "count": len(cmds)})
		return 0
	}
	if len(cmds) == 0 {
		fmt.Println("no commands")
		return 0
	}
	now := time.Now()
	for _, c := range cmds {
		printCommand(c, now)
	}
	return 0
}

// printCommand writes a one-line summary of c to stdout.
func printCommand(c model.Command, now time.Time) {
	age := now.Sub(c.EnqueuedAt).Round(time.Second)
	switch c.Status {
	case model.StatusExecuted:
		fmt.Printf("[%s #%d] %s %s executed: %v (%s ago)\n",
			c.UserID, c.Seq, c.Method, compactJSON(c.Params), c.Result["message"], age)
	case model.StatusFailed:
		fmt.Printf("[%s #%d] %s %s FAILED: %s (%s ago)\n",
			c.UserID, c.Seq, c.Method, compactJSON(c.Params), c.Error, age)
	case model.StatusClaimed, model.StatusProcessing:
		fmt.Printf("[%s #%d] %s %s %s by %s (%s ago)\n",
			c.UserID, c.Seq, c.Method, compactJSON(c.Params), c.Status, c.Owner, age)
	default:
		fmt.Printf("[%s #%d] %s %s %s (%s ago)\n",
			c.UserID, c.Seq, c.Method, compactJSON(c.Params), c.Status, age)
	}
}
