package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/modules"
	"github.com/tracelight-project/tracelight/internal/store"
)

// ErrNotRunning means the scan exists but no orchestrator in this process
// owns it.
var ErrNotRunning = fmt.Errorf("scan is not running in this instance")

// Manager owns the orchestrators of in-process scans. The store is the
// system of record; the manager only tracks what is live right now so
// stop requests can reach the right orchestrator.
type Manager struct {
	cfg      *core.Config
	st       store.Store
	bus      *core.EventBus
	observer core.Observer
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]*core.Orchestrator
	wg      sync.WaitGroup
}

func NewManager(cfg *core.Config, st store.Store, bus *core.EventBus, observer core.Observer, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		st:       st,
		bus:      bus,
		observer: observer,
		logger:   logger.With().Str("component", "scan_manager").Logger(),
		running:  make(map[string]*core.Orchestrator),
	}
}

// StartScan resolves the module selection, persists the scan with its
// frozen config snapshot, and launches the orchestrator in the background.
func (m *Manager) StartScan(ctx context.Context, target string, modNames []string) (*core.Scan, error) {
	targetType := core.GuessTargetType(target)
	if targetType == "" {
		return nil, &core.ValidationError{Field: "target", Reason: "unrecognized target format"}
	}

	mods, err := modules.Select(m.cfg, modNames)
	if err != nil {
		return nil, err
	}
	registry, err := core.NewRegistry(mods...)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(mods))
	for _, mod := range mods {
		names = append(names, mod.Name())
	}
	scan := core.NewScan(target, targetType, names)
	snap := m.cfg.Snapshot(mods)

	if err := m.st.CreateScan(ctx, scan, snap); err != nil {
		return nil, err
	}

	orch := core.NewOrchestrator(scan, registry, snap, m.st, m.bus, m.observer, m.logger)
	m.mu.Lock()
	m.running[scan.ID] = orch
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, scan.ID)
			m.mu.Unlock()
		}()
		// The scan outlives the request that started it.
		if _, err := orch.Run(context.Background()); err != nil {
			m.logger.Error().Err(err).Str("scan_id", scan.ID).Msg("scan aborted")
		}
	}()

	m.logger.Info().
		Str("scan_id", scan.ID).
		Str("target", target).
		Str("target_type", string(targetType)).
		Strs("modules", names).
		Msg("scan started")
	return scan, nil
}

// StopScan requests cooperative cancellation of a live scan.
func (m *Manager) StopScan(scanID string) error {
	m.mu.Lock()
	orch, ok := m.running[scanID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	orch.Stop()
	return nil
}

// RunningIDs returns the scan IDs live in this process.
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every live scan and waits for their orchestrators to
// reach a terminal state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, orch := range m.running {
		orch.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
