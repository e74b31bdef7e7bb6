// Command sq is the seisq CLI: it queues commands for a seismic
// visualization engine and runs the listener that applies them.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("sq", version)
		return
	}

	a, err := newApp(os.Args[1])
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	os.Exit(a.run(os.Args[1], os.Args[2:]))
}

// run executes one subcommand and returns its exit code.
func (a *app) run(name string, args []string) int {
	switch name {
	// Setup
	case "init":
		return a.cmdInit(args)
	case "config":
		return a.cmdConfig(args)
	case "methods":
		return a.cmdMethods(args)

	// Producers
	case "send":
		return a.cmdSend(args)
	case "ask":
		return a.cmdAsk(args)
	case "status", "st":
		return a.cmdStatus(args)
	case "wait":
		return a.cmdWait(args)
	case "log":
		return a.cmdLog(args)
	case "sessions":
		return a.cmdSessions(args)
	case "convert":
		return a.cmdConvert(args)

	// Engine side
	case "listen":
		return a.cmdListen(args)
	case "purge":
		return a.cmdPurge(args)
	}
	fmt.Fprintf(os.Stderr, "sq: unknown command %q\n", name)
	fmt.Fprintln(os.Stderr, "Run 'sq --help' for usage.")
	return 1
}

func printUsage() {
	fmt.Print(`sq: command queue for a seismic visualization engine

Producers queue JSON-RPC commands. A listener next to the engine claims
them in order, applies them, and records the outcome. The queue is the
only channel between the two.

Usage:
  sq <command> [flags]

Setup:
  init                        Create .seisq/ with a default seisq.yaml
  config                      Print the resolved configuration
  methods [method]            List methods and their parameters

Producers:
  send <method> [k=v ...]     Validate and queue a command
  send '{"method": ...}'      Queue a JSON-RPC request
  ask <text>                  Turn a phrase into a command and queue it
  status [id]                 Show one command, or the queue overview
  wait <id>                   Block until a command finishes
  log [--user U]              Recent commands, newest first
  sessions                    Users that have queued commands
  convert [--crossline N ...] Convert between domain and engine coordinates

Engine side:
  listen                      Claim and apply commands until interrupted
  purge [--older-than D]      Delete finished commands

Aliases:
  st = status

Environment:
  SEISQ_DB           SQLite database path (default: .seisq/seisq.db)
  SEISQ_USER         Default user id (avoids passing --user every time)
  SEISQ_CONFIG       Config file (default: .seisq/seisq.yaml if present)
  SEISQ_STORE        Store driver: sqlite or redis
  SEISQ_REDIS_URL    Redis URL when SEISQ_STORE=redis
  SEISQ_LOG_LEVEL    Log level for the listener
  SEISQ_LISTENER_ID  Owner id the listener claims under

A .env file in the working directory is loaded first.
Most commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  command rejected or failed
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "sq: "+format+"\n", args...)
	os.Exit(1)
}
