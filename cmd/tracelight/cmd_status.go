package main

// ---------------------------------------------------------------------------
// cmd_status.go — show one scan's state and event breakdown
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight status [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	ctx := context.Background()
	scan, err := st.GetScan(ctx, scanID)
	if err != nil {
		errorf("%v", err)
	}
	events, err := st.Events(ctx, scanID, store.Filter{})
	if err != nil {
		errorf("loading events: %v", err)
	}
	corrs, err := st.Correlations(ctx, scanID)
	if err != nil {
		errorf("loading correlations: %v", err)
	}

	byType := make(map[core.EventType]int)
	for _, ev := range events {
		byType[ev.Type]++
	}

	if parseFormat(*format) == FormatJSON {
		out := map[string]interface{}{
			"scan":            scan,
			"events_total":    len(events),
			"events_by_type":  byType,
			"correlations":    len(corrs),
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return
	}

	statusStr := string(scan.Status)
	switch scan.Status {
	case core.StatusCompleted:
		statusStr = green(statusStr)
	case core.StatusRunning:
		statusStr = cyan(statusStr)
	case core.StatusAborted:
		statusStr = red(statusStr)
	default:
		statusStr = yellow(statusStr)
	}

	fmt.Printf("%s %s\n", bold("Scan"), scan.ID)
	fmt.Printf("  target:   %s (%s)\n", scan.Target, scan.TargetType)
	fmt.Printf("  status:   %s\n", statusStr)
	fmt.Printf("  started:  %s\n", scan.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if !scan.EndedAt.IsZero() {
		fmt.Printf("  ended:    %s (%s)\n",
			scan.EndedAt.Format("2006-01-02 15:04:05 MST"),
			scan.EndedAt.Sub(scan.StartedAt).Round(1e9))
	}
	if scan.Truncated {
		fmt.Printf("  %s results truncated by scan limits\n", yellow("!"))
	}
	if scan.FailedCalls > 0 {
		fmt.Printf("  %s %d failed module calls\n", yellow("!"), scan.FailedCalls)
	}
	fmt.Printf("  events:   %d\n", len(events))
	fmt.Printf("  matches:  %d correlation(s)\n\n", len(corrs))

	if len(byType) > 0 {
		types := make([]core.EventType, 0, len(byType))
		for t := range byType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return byType[types[i]] > byType[types[j]] })

		t := NewTable(os.Stdout, "EVENT TYPE", "COUNT")
		for _, typ := range types {
			t.AddRow(string(typ), fmt.Sprintf("%d", byType[typ]))
		}
		t.Render()
	}
}
