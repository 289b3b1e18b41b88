package main

// ---------------------------------------------------------------------------
// cmd_export.go — build a MISP event from scan results
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/export/misp"
)

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	output := fs.String("output", "", "Write to file (.gz compresses) instead of stdout")
	publish := fs.Bool("publish", false, "Publish the event to a MISP instance")
	mispURL := fs.String("url", "", "MISP instance URL (default from config or TRACELIGHT_MISP_URL)")
	mispKey := fs.String("key", "", "MISP API key (default from config or TRACELIGHT_MISP_KEY)")
	tlp := fs.String("tlp", "", "TLP marking: white, green, amber, red (default from config)")
	threshold := fs.Int("threshold", -1, "Minimum event confidence to include (default from config)")
	noCorrelations := fs.Bool("no-correlations", false, "Omit correlation findings from the export")
	noDomainIP := fs.Bool("no-domain-ip", false, "Omit domain-ip pairing objects from the export")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: tracelight export [flags] <scan-id>")
	}
	scanID := fs.Arg(0)

	cfg := loadConfigOrDie(*configPath)
	logger := core.NewLogger(cfg)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	opts := misp.Options{
		ConfidenceThreshold: cfg.Export.ConfidenceThreshold,
		TLP:                 cfg.Export.TLP,
		IncludeCorrelations: !*noCorrelations,
		IncludeDomainIP:     !*noDomainIP,
	}
	if *threshold >= 0 {
		opts.ConfidenceThreshold = *threshold
	}
	if *tlp != "" {
		opts.TLP = *tlp
	}

	exporter := misp.NewExporter(st, logger)
	ev, err := exporter.Build(context.Background(), scanID, opts)
	if err != nil {
		errorf("building export: %v", err)
	}

	if *publish {
		url := *mispURL
		if url == "" {
			url = cfg.Export.MISPURL
		}
		key := *mispKey
		if key == "" {
			key = cfg.Export.MISPKey
		}
		if url == "" || key == "" {
			errorf("publishing requires a MISP URL and API key — use --url/--key, config export settings, or TRACELIGHT_MISP_URL/TRACELIGHT_MISP_KEY")
		}

		pub := misp.NewPublisher(misp.DefaultPublishConfig(url, key), logger)
		if err := pub.Publish(context.Background(), ev); err != nil {
			errorf("%v", err)
		}
		fmt.Printf("%s published event %s to %s\n", green("ok:"), ev.UUID, url)
		return
	}

	if *output != "" && *output != "-" {
		if err := misp.WriteFile(*output, ev); err != nil {
			errorf("writing %q: %v", *output, err)
		}
		fmt.Printf("%s wrote %s (%d objects)\n", green("ok:"), *output, len(ev.Objects))
		return
	}

	data, err := ev.Marshal()
	if err != nil {
		errorf("marshaling event: %v", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
}
