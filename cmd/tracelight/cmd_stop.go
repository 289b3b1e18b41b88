package main

// ---------------------------------------------------------------------------
// cmd_stop.go — request cooperative stop of a running scan via the daemon
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"time"
)

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication")
	timeoutStr := fs.String("timeout", "10s", "Request timeout")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight stop [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	url := apiBase(cfg, *host, *port) + "/api/v1/scans/" + scanID + "/stop"
	if _, err := apiPost(url, nil, envAPIKey(*apiKeyFlag), timeout); err != nil {
		errorf("%v", err)
	}
	fmt.Printf("%s stop requested for scan %s — in-flight module calls will finish\n", green("ok:"), scanID)
}
