package main

// ---------------------------------------------------------------------------
// cmd_scan.go — run a scan in the foreground
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/correlate"
	"github.com/tracelight-project/tracelight/internal/modules"
)

func cmdScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	moduleList := fs.String("modules", "", "Comma-separated module names (default: all enabled)")
	workers := fs.Int("workers", 0, "Worker pool size override")
	maxDurationStr := fs.String("max-duration", "", "Wall-clock scan cap override (e.g. 30m)")
	moduleTimeoutStr := fs.String("module-timeout", "", "Per-module-call timeout override")
	runCorrelate := fs.Bool("correlate", true, "Evaluate correlation rules when the scan finishes")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight scan [flags] <target>")
	}
	target := strings.TrimSpace(fs.Arg(0))

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	targetType := core.GuessTargetType(target)
	if targetType == "" {
		errorf("unrecognized target %q — expected a domain, hostname, IP, netblock, email, ASN, phone number, username, or quoted human name", target)
	}

	var requested []string
	if *moduleList != "" {
		for _, name := range strings.Split(*moduleList, ",") {
			requested = append(requested, strings.TrimSpace(name))
		}
	}
	mods, err := modules.Select(cfg, requested)
	if err != nil {
		errorf("%v", err)
	}
	registry, err := core.NewRegistry(mods...)
	if err != nil {
		errorf("%v", err)
	}

	snap := cfg.Snapshot(mods)
	if *workers > 0 {
		snap.Limits.Workers = *workers
	}
	if *maxDurationStr != "" {
		d, err := time.ParseDuration(*maxDurationStr)
		if err != nil {
			errorf("invalid max-duration %q: %v", *maxDurationStr, err)
		}
		snap.Limits.MaxDuration = d
	}
	if *moduleTimeoutStr != "" {
		d, err := time.ParseDuration(*moduleTimeoutStr)
		if err != nil {
			errorf("invalid module-timeout %q: %v", *moduleTimeoutStr, err)
		}
		snap.Limits.ModuleTimeout = d
	}

	names := make([]string, 0, len(mods))
	for _, mod := range mods {
		names = append(names, mod.Name())
	}
	scan := core.NewScan(target, targetType, names)

	ctx := context.Background()
	if err := st.CreateScan(ctx, scan, snap); err != nil {
		errorf("creating scan: %v", err)
	}

	orch := core.NewOrchestrator(scan, registry, snap, st, nil, nil, logger)

	// First interrupt asks for a cooperative stop, second one forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		warnf("stop requested — letting in-flight module calls finish (interrupt again to force)")
		orch.Stop()
		<-sigCh
		os.Exit(130)
	}()

	fmt.Fprintf(os.Stderr, "%s scanning %s (%s) with %d modules\n",
		cyan("tracelight"), bold(target), targetType, len(mods))

	stats, err := orch.Run(ctx)
	signal.Stop(sigCh)
	if err != nil {
		errorf("scan %s aborted: %v", scan.ID, err)
	}

	if *runCorrelate && scan.Status == core.StatusCompleted {
		rules, err := correlate.BuiltinRules()
		if err == nil {
			engine := correlate.New(st, rules, logger)
			if report, err := engine.RunScan(ctx, scan.ID); err == nil && len(report.Matched) > 0 {
				fmt.Fprintf(os.Stderr, "%s %d correlation(s) matched\n", yellow("!"), len(report.Matched))
			}
		}
	}

	if parseFormat(*format) == FormatJSON {
		out := map[string]interface{}{"scan": scan, "stats": stats}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return
	}

	statusStr := green(string(scan.Status))
	if scan.Status != core.StatusCompleted {
		statusStr = yellow(string(scan.Status))
	}
	fmt.Printf("\nScan %s finished: %s\n", dim(scan.ID), statusStr)

	t := NewTable(os.Stdout, "METRIC", "VALUE")
	t.AddRow("events stored", fmt.Sprintf("%d", stats.Inserted))
	t.AddRow("events merged", fmt.Sprintf("%d", stats.Merged))
	t.AddRow("events dropped", fmt.Sprintf("%d", stats.Dropped))
	t.AddRow("failed module calls", fmt.Sprintf("%d", stats.FailedCalls))
	t.AddRow("module timeouts", fmt.Sprintf("%d", stats.Timeouts))
	t.AddRow("truncated", fmt.Sprintf("%t", stats.Truncated))
	t.Render()

	fmt.Printf("\nNext: %s\n", dim("tracelight events "+scan.ID))
}
