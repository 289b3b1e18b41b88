package main

// ---------------------------------------------------------------------------
// cmd_events.go — list a scan's discovered events
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	typeFilter := fs.String("type", "", "Comma-separated event types to include")
	moduleFilter := fs.String("module", "", "Comma-separated producing modules to include")
	minConfidence := fs.Int("min-confidence", 0, "Minimum confidence (0-100)")
	minRisk := fs.Int("min-risk", 0, "Minimum risk (0-100)")
	limit := fs.Int("limit", 0, "Maximum events to return (0 = all)")
	format := fs.String("format", "table", "Output format: table, json, csv")
	output := fs.String("output", "", "Write to file instead of stdout")
	follow := fs.Bool("follow", false, "Stream live events from the daemon's bus feed instead of listing stored ones")
	host := fs.String("host", "", "API host override (with -follow)")
	port := fs.Int("port", 0, "API port override (with -follow)")
	apiKeyFlag := fs.String("api-key", "", "API key for authentication (with -follow)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight events [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	if *follow {
		followEvents(cfg, scanID, *host, *port, *apiKeyFlag)
		return
	}
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	f := store.Filter{
		MinConfidence: *minConfidence,
		MinRisk:       *minRisk,
		Limit:         *limit,
	}
	if *typeFilter != "" {
		for _, t := range strings.Split(*typeFilter, ",") {
			f.Types = append(f.Types, core.EventType(strings.TrimSpace(strings.ToUpper(t))))
		}
	}
	if *moduleFilter != "" {
		for _, m := range strings.Split(*moduleFilter, ",") {
			f.Modules = append(f.Modules, strings.TrimSpace(m))
		}
	}

	ctx := context.Background()
	if _, err := st.GetScan(ctx, scanID); err != nil {
		errorf("%v", err)
	}
	events, err := st.Events(ctx, scanID, f)
	if err != nil {
		errorf("loading events: %v", err)
	}

	w, closeFn := outputWriter(*output)
	defer closeFn()

	switch parseFormat(*format) {
	case FormatJSON:
		data, _ := json.MarshalIndent(events, "", "  ")
		fmt.Fprintln(w, string(data))
	case FormatCSV:
		headers := []string{"id", "type", "data", "module", "source_id", "confidence", "risk", "created_at"}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				ev.ID, string(ev.Type), ev.Data, ev.Module, ev.SourceID,
				fmt.Sprintf("%d", ev.Confidence), fmt.Sprintf("%d", ev.Risk),
				ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		writeCSV(w, headers, rows)
	default:
		if len(events) == 0 {
			fmt.Fprintln(w, "No events match.")
			return
		}
		t := NewTable(w, "TYPE", "DATA", "MODULE", "CONF", "RISK")
		for _, ev := range events {
			t.AddRow(
				string(ev.Type),
				truncate(ev.Data, 60),
				ev.Module,
				fmt.Sprintf("%d", ev.Confidence),
				fmt.Sprintf("%d", ev.Risk),
			)
		}
		t.Render()
		fmt.Fprintf(os.Stderr, "%s\n", dim(fmt.Sprintf("%d event(s)", len(events))))
	}
}

// followEvents tails the daemon's live event stream for one scan, printing
// each event as it is stored. Runs until the daemon closes the stream or the
// operator interrupts.
func followEvents(cfg *core.Config, scanID, host string, port int, apiKey string) {
	url := apiBase(cfg, host, port) + "/api/v1/scans/" + scanID + "/stream"
	err := apiStream(url, envAPIKey(apiKey), func(data []byte) {
		ev, err := core.UnmarshalEvent(data)
		if err != nil {
			return
		}
		fmt.Printf("%s  %-20s %s  %s\n",
			ev.CreatedAt.Format("15:04:05"),
			ev.Type,
			truncate(ev.Data, 60),
			dim(fmt.Sprintf("(%s, conf %d)", ev.Module, ev.Confidence)))
	})
	if err != nil {
		errorf("%v", err)
	}
}
