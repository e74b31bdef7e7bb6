package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func (a *app) cmdPurge(args []string) int {
	flags := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "only this user's commands (default: all users)")
	olderThan := flags.Duration("older-than", 24*time.Hour, "delete finished commands last updated before this long ago")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *olderThan < 0 {
		fmt.Fprintln(os.Stderr, "sq: purge: --older-than must not be negative")
		return 1
	}

	n, err := a.store.PurgeCompleted(context.Background(), *user, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: purge: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"deleted": n, "older_than": olderThan.String()})
	} else {
		fmt.Printf("deleted %d finished command(s) older than %s\n", n, *olderThan)
	}
	return 0
}
