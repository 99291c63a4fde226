// agencd is the agent runtime daemon. It wires the configured profile
// into a running process: replay store, backfill ingestion, policy
// engine, audit trail, verifier lane, and the task loop.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it is the entrypoint for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "compare":
		return runCompare(args[2:], stdout, stderr)
	case "incident":
		return runIncident(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "profiles":
		return runProfiles(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `agencd - autonomous agent runtime

Usage:
  agencd [serve]            run the agent loop (default)
  agencd demo               run against the in-process demo chain
  agencd ingest [flags]     one backfill pass over the replay store
  agencd compare [flags]    compare a projected timeline to a local trace
  agencd incident [flags]   build an incident case from the store
  agencd audit <verify|export> [flags]
  agencd profiles           list loadable profiles

Environment:
  AGENC_PROFILE, AGENC_PROFILES_DIR, AGENC_LOG_LEVEL, AGENC_STORE_PATH,
  AGENC_REDIS_ADDR, AGENC_POSTGRES_DSN, AGENC_OTLP_ENDPOINT, AGENC_WORKERS
`)
}
