// Package store persists scans, events, and correlation records, providing
// per-scan dedup on (scan_id, hash) and scan-scoped isolation. Two backends
// share one contract: Postgres for durable deployments and an in-memory
// store for tests and ephemeral scans.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

// Filter narrows an event query. Zero values mean no constraint.
type Filter struct {
	Types         []core.EventType
	Modules       []string
	MinRisk       int
	MinConfidence int
	Limit         int
}

func (f Filter) matches(ev *core.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Modules) > 0 {
		ok := false
		for _, m := range f.Modules {
			if ev.Module == m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if ev.Risk < f.MinRisk {
		return false
	}
	if ev.Confidence < f.MinConfidence {
		return false
	}
	return true
}

// Store is the full persistence contract. Writes for a given scan are
// serialized with respect to the dedup check: no two concurrent inserts of
// the same (scan, hash) may both report inserted. Reads are read-committed.
type Store interface {
	core.EventSink

	// CreateScan persists a scan and its frozen configuration snapshot.
	CreateScan(ctx context.Context, scan *core.Scan, snap *core.ConfigSnapshot) error
	// GetScan retrieves scan metadata by ID.
	GetScan(ctx context.Context, id string) (*core.Scan, error)
	// ListScans returns all scans, most recently started first.
	ListScans(ctx context.Context) ([]*core.Scan, error)
	// Events returns a scan's events ordered by created_at ascending.
	Events(ctx context.Context, scanID string, f Filter) ([]*core.Event, error)
	// ConfigSnapshot returns the configuration frozen at scan start.
	ConfigSnapshot(ctx context.Context, scanID string) (*core.ConfigSnapshot, error)
	// UpsertCorrelation stores a correlation record keyed by (scan, rule),
	// replacing any prior record for that key.
	UpsertCorrelation(ctx context.Context, c *core.Correlation) error
	// Correlations returns a scan's correlation records.
	Correlations(ctx context.Context, scanID string) ([]*core.Correlation, error)
	// ReconcileInterrupted flips scans left running by a dead process to
	// aborted, returning how many were reconciled. Call once at startup.
	ReconcileInterrupted(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// ErrScanNotFound is returned for lookups of unknown scan IDs.
var ErrScanNotFound = fmt.Errorf("scan not found")

// Open builds a Store from config.
func Open(cfg *core.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(logger), nil
	case "postgres":
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
