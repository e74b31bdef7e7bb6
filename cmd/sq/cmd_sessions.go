package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func (a *app) cmdSessions(args []string) int {
	flags := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	activeOnly := flags.Bool("active", false, "only users seen in the last 10 minutes")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	sessions, err := a.store.ListSessions(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sq: sessions: %v\n", err)
		return 1
	}
	if *activeOnly {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Active {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"sessions": sessions, "count": len(sessions)})
		return 0
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return 0
	}
	for _, s := range sessions {
		state := "idle"
		if s.Active {
			state = "active"
		}
		fmt.Printf("  %-20s %-6s first_seen=%s last_seen=%s\n",
			s.UserID, state, s.FirstSeen.Local().Format("2006-01-02 15:04:05"),
			s.LastSeen.Local().Format("15:04:05"))
	}
	return 0
}
