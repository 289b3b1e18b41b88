package main

// ---------------------------------------------------------------------------
// cmd_serve.go — run the API daemon
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tracelight-project/tracelight/internal/api"
	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/correlate"
	"github.com/tracelight-project/tracelight/internal/metrics"
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	host := fs.String("host", "", "Listen host override")
	port := fs.Int("port", 0, "Listen port override")
	fs.Parse(args)

	cfg := loadConfigOrDie(*configPath)
	if h := envHost(*host); h != "" {
		cfg.Server.Host = h
	}
	if p := envPort(*port); p != 0 {
		cfg.Server.Port = p
	}

	logBuf := core.NewLogRingBuffer(1024)
	logger := core.NewLoggerWithBuffer(cfg, logBuf)
	st := openStoreOrDie(cfg, logger)
	defer st.Close()

	// Scans left running by a previous process can never finish now.
	if n, err := st.ReconcileInterrupted(context.Background()); err != nil {
		warnf("reconciling interrupted scans: %v", err)
	} else if n > 0 {
		logger.Warn().Int("scans", n).Msg("marked interrupted scans aborted")
	}

	var bus *core.EventBus
	if cfg.Bus.Enabled {
		var err error
		bus, err = core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			errorf("starting event bus: %v", err)
		}
		defer bus.Close()
	}

	rules, err := correlate.BuiltinRules()
	if err != nil {
		errorf("loading correlation rules: %v", err)
	}

	m := metrics.New()
	manager := api.NewManager(cfg, st, bus, m, logger)
	correlator := correlate.New(st, rules, logger)

	api.Version = version
	server := api.NewServer(cfg, st, manager, correlator, bus, m.Handler(), logBuf, logger)
	if err := server.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown")
	}
	manager.Shutdown()
}
