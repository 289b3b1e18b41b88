package main

import (
	"strings"
	"testing"

	"github.com/tracelight-project/tracelight/internal/core"
)

func TestSuggest(t *testing.T) {
	cases := map[string]string{
		"scna":    "scan",
		"stat":    "status",
		"event":   "events",
		"exprot":  "export",
		"modlues": "modules",
		"xyzzy":   "",
	}
	for input, want := range cases {
		if got := suggest(input); got != want {
			t.Errorf("suggest(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "scan", 4},
		{"scan", "scan", 0},
		{"scan", "scans", 1},
		{"stop", "step", 1},
		{"export", "events", 5},
	}
	for _, tc := range cases {
		if got := editDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]OutputFormat{
		"json":  FormatJSON,
		" CSV ": FormatCSV,
		"table": FormatTable,
		"":      FormatTable,
		"bogus": FormatTable,
	}
	for input, want := range cases {
		if got := parseFormat(input); got != want {
			t.Errorf("parseFormat(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a long value here", 10); got != "a long ..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("line\nbreak", 20); got != "line break" {
		t.Errorf("newline handling = %q", got)
	}
}

func TestTableRender(t *testing.T) {
	var sb strings.Builder
	tbl := NewTable(&sb, "ID", "STATUS")
	tbl.AddRow("abc", "completed")
	tbl.AddRow("def") // short row padded
	tbl.Render()

	out := sb.String()
	if !strings.Contains(out, "│ abc │ completed │") {
		t.Errorf("table output:\n%s", out)
	}
	if !strings.Contains(out, "┌") || !strings.Contains(out, "┘") {
		t.Error("missing borders")
	}
	if len(tbl.Rows()) != 2 {
		t.Errorf("rows = %d", len(tbl.Rows()))
	}
}

func TestAPIBase(t *testing.T) {
	cfg := core.DefaultConfig()
	if got := apiBase(cfg, "", 0); got != "http://127.0.0.1:5692" {
		t.Errorf("apiBase defaults = %q", got)
	}
	if got := apiBase(cfg, "scanner.internal", 8080); got != "http://scanner.internal:8080" {
		t.Errorf("apiBase overrides = %q", got)
	}
}
