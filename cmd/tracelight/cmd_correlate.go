package main

// ---------------------------------------------------------------------------
// cmd_correlate.go — evaluate correlation rules against a scan
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/correlate"
)

func cmdCorrelate(args []string) {
	fs := flag.NewFlagSet("correlate", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	rulesDir := fs.String("rules", "", "Directory of rule YAML files (default: built-in rules)")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight correlate [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	var rules []*correlate.Rule
	var err error
	if *rulesDir != "" {
		rules, err = correlate.LoadDir(*rulesDir)
	} else {
		rules, err = correlate.BuiltinRules()
	}
	if err != nil {
		errorf("loading rules: %v", err)
	}

	ctx := context.Background()
	if _, err := st.GetScan(ctx, scanID); err != nil {
		errorf("%v", err)
	}

	engine := correlate.New(st, rules, logger)
	report, err := engine.RunScan(ctx, scanID)
	if err != nil {
		errorf("correlation failed: %v", err)
	}

	for _, e := range report.Errors {
		warnf("%v", e)
	}

	if parseFormat(*format) == FormatJSON {
		data, _ := json.MarshalIndent(report.Matched, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(report.Matched) == 0 {
		fmt.Printf("%s no correlations matched (%d rules evaluated)\n", green("ok:"), len(rules))
		return
	}

	t := NewTable(os.Stdout, "RULE", "RISK", "TITLE", "EVENTS")
	for _, c := range report.Matched {
		risk := c.Risk
		switch risk {
		case "HIGH":
			risk = red(risk)
		case "MEDIUM":
			risk = yellow(risk)
		}
		t.AddRow(c.RuleID, risk, truncate(c.Title, 50), fmt.Sprintf("%d", len(c.EventIDs)))
	}
	t.Render()
}
