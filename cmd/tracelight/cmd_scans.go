package main

// ---------------------------------------------------------------------------
// cmd_scans.go — list all scans
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tracelight-project/tracelight/internal/core"
)

func cmdScans(args []string) {
	fs := flag.NewFlagSet("scans", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	format := fs.String("format", "table", "Output format: table, json, csv")
	fs.Parse(args)

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	scans, err := st.ListScans(context.Background())
	if err != nil {
		errorf("listing scans: %v", err)
	}

	switch parseFormat(*format) {
	case FormatJSON:
		data, _ := json.MarshalIndent(scans, "", "  ")
		fmt.Println(string(data))
	case FormatCSV:
		headers := []string{"id", "target", "type", "status", "started", "modules"}
		rows := make([][]string, 0, len(scans))
		for _, s := range scans {
			rows = append(rows, []string{
				s.ID, s.Target, string(s.TargetType), string(s.Status),
				s.StartedAt.Format("2006-01-02 15:04:05"), strings.Join(s.Modules, " "),
			})
		}
		writeCSV(os.Stdout, headers, rows)
	default:
		if len(scans) == 0 {
			fmt.Println("No scans yet. Start one with: tracelight scan <target>")
			return
		}
		t := NewTable(os.Stdout, "ID", "TARGET", "TYPE", "STATUS", "STARTED", "MODULES")
		for _, s := range scans {
			t.AddRow(
				s.ID,
				truncate(s.Target, 40),
				string(s.TargetType),
				string(s.Status),
				s.StartedAt.Format("2006-01-02 15:04"),
				fmt.Sprintf("%d", len(s.Modules)),
			)
		}
		t.Render()
	}
}
