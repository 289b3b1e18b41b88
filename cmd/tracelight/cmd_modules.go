package main

// ---------------------------------------------------------------------------
// cmd_modules.go — list available collection modules
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tracelight-project/tracelight/internal/modules"
)

func cmdModules(args []string) {
	fs := flag.NewFlagSet("modules", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	verbose := fs.Bool("verbose", false, "Show watched/produced types and options")
	fs.Parse(args)

	cfg := loadConfigOrDie(*configPath)
	catalog := modules.Catalog()

	if parseFormat(*format) == FormatJSON {
		out := make([]map[string]interface{}, 0, len(catalog))
		for _, mod := range catalog {
			out = append(out, map[string]interface{}{
				"name":           mod.Name(),
				"description":    mod.Description(),
				"enabled":        cfg.IsModuleEnabled(mod.Name()),
				"watched_types":  mod.WatchedTypes(),
				"produced_types": mod.ProducedTypes(),
				"options":        mod.Options(),
			})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return
	}

	t := NewTable(os.Stdout, "MODULE", "ENABLED", "DESCRIPTION")
	for _, mod := range catalog {
		enabled := green("yes")
		if !cfg.IsModuleEnabled(mod.Name()) {
			enabled = dim("no")
		}
		t.AddRow(mod.Name(), enabled, truncate(mod.Description(), 70))
	}
	t.Render()

	if !*verbose {
		return
	}
	for _, mod := range catalog {
		fmt.Printf("\n%s\n", bold(mod.Name()))
		watched := make([]string, 0)
		for _, w := range mod.WatchedTypes() {
			watched = append(watched, string(w))
		}
		produced := make([]string, 0)
		for _, p := range mod.ProducedTypes() {
			produced = append(produced, string(p))
		}
		fmt.Printf("  watches:  %s\n", strings.Join(watched, ", "))
		fmt.Printf("  produces: %s\n", strings.Join(produced, ", "))
		for _, opt := range mod.Options() {
			fmt.Printf("  option %s (default %q): %s\n", cyan(opt.Name), opt.Default, opt.Description)
		}
	}
}
