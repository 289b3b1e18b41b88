package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

// Memory is an in-memory Store with the same dedup and ordering contract as
// the Postgres backend. Used by tests and for ephemeral scans.
type Memory struct {
	mu           sync.RWMutex
	scans        map[string]*core.Scan
	scanOrder    []string
	events       map[string][]*core.Event          // scanID -> insertion order
	byHash       map[string]map[string]*core.Event // scanID -> hash -> event
	snapshots    map[string]*core.ConfigSnapshot
	correlations map[string]map[string]*core.Correlation // scanID -> ruleID
	logger       zerolog.Logger
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		scans:        make(map[string]*core.Scan),
		events:       make(map[string][]*core.Event),
		byHash:       make(map[string]map[string]*core.Event),
		snapshots:    make(map[string]*core.ConfigSnapshot),
		correlations: make(map[string]map[string]*core.Correlation),
		logger:       logger.With().Str("component", "memory_store").Logger(),
	}
}

// CreateScan persists a scan and its frozen snapshot.
func (m *Memory) CreateScan(ctx context.Context, scan *core.Scan, snap *core.ConfigSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *scan
	m.scans[scan.ID] = &cp
	m.scanOrder = append(m.scanOrder, scan.ID)
	m.snapshots[scan.ID] = snap
	m.byHash[scan.ID] = make(map[string]*core.Event)
	return nil
}

// UpdateScan overwrites scan metadata.
func (m *Memory) UpdateScan(ctx context.Context, scan *core.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scan.ID]; !ok {
		return ErrScanNotFound
	}
	cp := *scan
	m.scans[scan.ID] = &cp
	return nil
}

// GetScan retrieves scan metadata.
func (m *Memory) GetScan(ctx context.Context, id string) (*core.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scan, ok := m.scans[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	cp := *scan
	return &cp, nil
}

// ListScans returns all scans, most recently started first.
func (m *Memory) ListScans(ctx context.Context) ([]*core.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Scan, 0, len(m.scanOrder))
	for i := len(m.scanOrder) - 1; i >= 0; i-- {
		cp := *m.scans[m.scanOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// PutEvent inserts the event if its hash is unseen for the scan, else merges:
// confidence and visibility only ever rise, the earliest created_at wins.
// The whole check-and-write runs under one lock, so concurrent puts of the
// same hash report exactly one insert.
func (m *Memory) PutEvent(ctx context.Context, ev *core.Event) (core.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes, ok := m.byHash[ev.ScanID]
	if !ok {
		hashes = make(map[string]*core.Event)
		m.byHash[ev.ScanID] = hashes
	}

	if existing, dup := hashes[ev.Hash]; dup {
		if ev.Confidence > existing.Confidence {
			existing.Confidence = ev.Confidence
		}
		if ev.Visibility > existing.Visibility {
			existing.Visibility = ev.Visibility
		}
		if ev.CreatedAt.Before(existing.CreatedAt) {
			existing.CreatedAt = ev.CreatedAt
		}
		return core.PutMerged, nil
	}

	cp := *ev
	hashes[ev.Hash] = &cp
	m.events[ev.ScanID] = append(m.events[ev.ScanID], &cp)
	return core.PutInserted, nil
}

// Events returns a scan's events ordered by created_at ascending, hash as
// tie-break so the ordering is deterministic.
func (m *Memory) Events(ctx context.Context, scanID string, f Filter) ([]*core.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Event
	for _, ev := range m.events[scanID] {
		if f.matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ConfigSnapshot returns the configuration frozen at scan start.
func (m *Memory) ConfigSnapshot(ctx context.Context, scanID string) (*core.ConfigSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[scanID]
	if !ok {
		return nil, ErrScanNotFound
	}
	return snap, nil
}

// UpsertCorrelation replaces the record keyed by (scan, rule).
func (m *Memory) UpsertCorrelation(ctx context.Context, c *core.Correlation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRule, ok := m.correlations[c.ScanID]
	if !ok {
		byRule = make(map[string]*core.Correlation)
		m.correlations[c.ScanID] = byRule
	}
	cp := *c
	byRule[c.RuleID] = &cp
	return nil
}

// Correlations returns a scan's correlation records ordered by rule ID.
func (m *Memory) Correlations(ctx context.Context, scanID string) ([]*core.Correlation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byRule := m.correlations[scanID]
	out := make([]*core.Correlation, 0, len(byRule))
	for _, c := range byRule {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

// ReconcileInterrupted flips running scans to aborted. For the in-memory
// store this only matters when a store outlives an orchestrator crash inside
// one process.
func (m *Memory) ReconcileInterrupted(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, scan := range m.scans {
		if scan.Status == core.StatusRunning {
			scan.Status = core.StatusAborted
			scan.EndedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
