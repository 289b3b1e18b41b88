// Package api exposes scan lifecycle, results, correlation, and export
// over a REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/correlate"
	"github.com/tracelight-project/tracelight/internal/export/misp"
	"github.com/tracelight-project/tracelight/internal/modules"
	"github.com/tracelight-project/tracelight/internal/store"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the Tracelight REST API server.
type Server struct {
	cfg        *core.Config
	st         store.Store
	manager    *Manager
	correlator *correlate.Engine
	exporter   *misp.Exporter
	bus        *core.EventBus
	logBuf     *core.LogRingBuffer
	server     *http.Server
	logger     zerolog.Logger
}

// NewServer wires the API over the store and scan manager. metricsHandler
// and logBuf may be nil.
func NewServer(cfg *core.Config, st store.Store, manager *Manager, correlator *correlate.Engine, bus *core.EventBus, metricsHandler http.Handler, logBuf *core.LogRingBuffer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		st:         st,
		manager:    manager,
		correlator: correlator,
		exporter:   misp.NewExporter(st, logger),
		bus:        bus,
		logBuf:     logBuf,
		logger:     logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/modules", s.handleModules)
	mux.HandleFunc("/api/v1/scans", s.handleScans)
	mux.HandleFunc("/api/v1/scans/", s.handleScanSubpath)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	// Middleware chain: logging -> rate limit -> auth -> handler
	handler := loggingMiddleware(
		rateLimitMiddleware(
			authMiddleware(mux, cfg, s.logger),
			100, // requests per second per IP
		),
		s.logger,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled — set api_keys in config or TRACELIGHT_API_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scans, err := s.st.ListScans(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	byStatus := make(map[string]int)
	for _, sc := range scans {
		byStatus[string(sc.Status)]++
	}

	busConnected := false
	if s.bus != nil {
		busConnected = s.bus.IsConnected()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":       Version,
		"status":        "running",
		"bus_connected": busConnected,
		"scans_total":   len(scans),
		"scans":         byStatus,
		"running_here":  s.manager.RunningIDs(),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make([]map[string]interface{}, 0)
	for _, mod := range modules.Catalog() {
		out = append(out, map[string]interface{}{
			"name":           mod.Name(),
			"description":    mod.Description(),
			"enabled":        s.cfg.IsModuleEnabled(mod.Name()),
			"watched_types":  mod.WatchedTypes(),
			"produced_types": mod.ProducedTypes(),
			"options":        mod.Options(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": out,
		"total":   len(out),
	})
}

// handleLogs serves the daemon's recent log history from the ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.logBuf == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []core.LogEntry{}, "total": 0})
		return
	}
	entries := s.logBuf.Recent(queryInt(r.URL.Query().Get("limit"), 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

// handleScans handles GET (list) and POST (start) on /api/v1/scans.
func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scans, err := s.st.ListScans(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scans": scans,
			"total": len(scans),
		})

	case http.MethodPost:
		var body struct {
			Target  string   `json:"target"`
			Modules []string `json:"modules"`
		}
		limited := io.LimitReader(r.Body, 1<<20)
		if err := json.NewDecoder(limited).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
		if strings.TrimSpace(body.Target) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
			return
		}

		scan, err := s.manager.StartScan(r.Context(), strings.TrimSpace(body.Target), body.Modules)
		if err != nil {
			var verr *core.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, scan)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScanSubpath routes /api/v1/scans/{id}[/events|/stream|/correlations|/correlate|/stop|/export].
func (s *Server) handleScanSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/scans/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	scanID := parts[0]
	if scanID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scan id required"})
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleScanByID(w, r, scanID)
	case "stop":
		s.handleScanStop(w, r, scanID)
	case "events":
		s.handleScanEvents(w, r, scanID)
	case "stream":
		s.handleScanStream(w, r, scanID)
	case "correlations":
		s.handleScanCorrelations(w, r, scanID)
	case "correlate":
		s.handleScanCorrelate(w, r, scanID)
	case "export":
		s.handleScanExport(w, r, scanID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown scan action"})
	}
}

func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scan, err := s.st.GetScan(r.Context(), scanID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.st.GetScan(r.Context(), scanID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.manager.StopScan(scanID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "stopping",
		"scan_id": scanID,
	})
}

func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.st.GetScan(r.Context(), scanID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	f := store.Filter{
		MinConfidence: queryInt(q.Get("min_confidence"), 0),
		MinRisk:       queryInt(q.Get("min_risk"), 0),
		Limit:         queryInt(q.Get("limit"), 0),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, core.EventType(t))
	}
	f.Modules = append(f.Modules, q["module"]...)

	events, err := s.st.Events(r.Context(), scanID, f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleScanCorrelations(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	corrs, err := s.st.Correlations(r.Context(), scanID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlations": corrs,
		"total":        len(corrs),
	})
}

func (s *Server) handleScanCorrelate(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.st.GetScan(r.Context(), scanID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	report, err := s.correlator.RunScan(r.Context(), scanID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ruleErrors := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		ruleErrors = append(ruleErrors, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scan_id":     report.ScanID,
		"matched":     report.Matched,
		"rule_errors": ruleErrors,
	})
}

func (s *Server) handleScanExport(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opts := misp.Options{
		ConfidenceThreshold: queryInt(r.URL.Query().Get("min_confidence"), s.cfg.Export.ConfidenceThreshold),
		TLP:                 s.cfg.Export.TLP,
		IncludeCorrelations: queryBool(r.URL.Query().Get("correlations"), true),
		IncludeDomainIP:     queryBool(r.URL.Query().Get("domain_ip"), true),
	}
	if tlp := r.URL.Query().Get("tlp"); tlp != "" {
		opts.TLP = tlp
	}

	ev, err := s.exporter.Build(r.Context(), scanID, opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleScanStream serves a scan's live event flow as server-sent events,
// fed from the bus subscription. Requires the bus to be enabled.
func (s *Server) handleScanStream(w http.ResponseWriter, r *http.Request, scanID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.bus == nil || !s.bus.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not enabled"})
		return
	}
	if _, err := s.st.GetScan(r.Context(), scanID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A slow consumer drops events rather than stalling the bus callback.
	feed := make(chan *core.Event, 64)
	sub, err := s.bus.SubscribeScan(scanID, "", func(ev *core.Event) {
		select {
		case feed <- ev:
		default:
		}
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-feed:
			data, err := ev.Marshal()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrScanNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scan not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func queryBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
