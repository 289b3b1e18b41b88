package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the tracelight CLI
//
// This file is intentionally slim. All command implementations live in
// their own files (cmd_*.go). Shared helpers are in helpers.go, http.go,
// and output.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.9.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "scan":
		cmdScan(args)
	case "scans":
		cmdScans(args)
	case "status":
		cmdStatus(args)
	case "stop":
		cmdStop(args)
	case "events":
		cmdEvents(args)
	case "correlate":
		cmdCorrelate(args)
	case "export":
		cmdExport(args)
	case "archive":
		cmdArchive(args)
	case "modules":
		cmdModules(args)
	case "serve":
		cmdServe(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "tracelight %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `%s — target reconnaissance and attack-surface mapping

Usage:
  tracelight <command> [flags]

Scanning:
  scan        Run a scan against a target and wait for it to finish
  scans       List all scans
  status      Show one scan's status and statistics
  stop        Request cooperative stop of a running scan (via the API)

Results:
  events      List a scan's discovered events
  correlate   Evaluate correlation rules against a finished scan
  export      Build a MISP event from scan results, optionally publishing it
  archive     Bundle a finished scan into a compressed archive

Operations:
  modules     List available collection modules
  serve       Run the API daemon
  version     Print version information

Use "tracelight <command> -h" for command flags.
Environment: TRACELIGHT_CONFIG, TRACELIGHT_HOST, TRACELIGHT_PORT,
TRACELIGHT_API_KEY, TRACELIGHT_STORE_DSN, TRACELIGHT_MISP_URL,
TRACELIGHT_MISP_KEY
`, bold("tracelight"))
}
