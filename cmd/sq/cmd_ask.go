package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/seisq/pkg/intent"
)

// cmdAsk turns free text into a command through the provider chain and
// queues it like send.
//
// Usage:
//
//	sq ask zoom in a bit
//	sq ask go to crossline 25559 inline 9200 depth 1500 --wait
//	sq ask --dry-run hide the wells
func (a *app) cmdAsk(args []string) int {
	flags := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	user := flags.StringP("user", "u", "", "user ID (overrides SEISQ_USER)")
	dryRun := flags.BoolP("dry-run", "n", false, "show the command without queueing it")
	offline := flags.Bool("offline", false, "only use providers that need no network")
	wait := flags.BoolP("wait", "w", false, "block until the command finishes")
	timeout := flags.Duration("timeout", 30*time.Second, "max time to wait with --wait")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	text := strings.Join(flags.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "usage: sq ask <text> [--user ID] [--dry-run] [--wait] [--json]")
		return 1
	}

	need := []intent.Capability{intent.CapCommands}
	if *offline {
		need = append(need, intent.CapOffline)
	}
	res := a.chain().Resolve(context.Background(), text, need...)
	if res.NoProvider {
		if *jsonOut {
			printJSON(res)
		} else {
			fmt.Fprintf(os.Stderr, "sq: ask: %s\n", res.Reason)
		}
		return 2
	}

	if *dryRun {
		if *jsonOut {
			printJSON(res)
		} else {
			fmt.Printf("%s %s (via %s)\n", res.Request.Method, compactJSON(res.Request.Params), res.Provider)
		}
		return 0
	}

	userID, err := a.resolveUser(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: %v\n", err)
		return 1
	}
	if !*jsonOut {
		fmt.Fprintf(os.Stderr, "understood: %s %s (via %s)\n", res.Request.Method, compactJSON(res.Request.Params), res.Provider)
	}
	return a.submit(userID, res.Request, *wait, *timeout, *jsonOut)
}

// chain returns the providers available to the CLI, highest priority first.
func (a *app) chain() *intent.Chain {
	return intent.NewChain(intent.KeywordProvider{})
}
