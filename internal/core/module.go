package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Module is the capability contract every collection plugin satisfies.
// Modules are dispatched by declared type interest: the orchestrator invokes
// Execute once per matching input event. Execute must be safe to call
// concurrently for different events, may perform external network calls, and
// should honor ctx — the orchestrator enforces a per-call deadline and a
// module exceeding it is skipped for that event, not terminated globally.
type Module interface {
	// Name returns the unique name of the module.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// WatchedTypes returns the event types this module consumes. A module
	// that includes TypeRoot is seeded with the scan's root event whatever
	// the target type.
	WatchedTypes() []EventType
	// ProducedTypes returns the event types this module may emit.
	ProducedTypes() []EventType
	// Options describes the module's configuration knobs and their defaults.
	Options() []Option
	// Execute processes one input event, emitting findings through sc.Emit.
	Execute(ctx context.Context, ev *Event, sc *ScanContext) error
}

// Option documents a single module setting.
type Option struct {
	Name        string `json:"name"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

// ScanContext is what a module sees of its scan: the frozen option snapshot
// resolved at scan start, a scoped logger, and the emission channel back into
// the orchestrator. One ScanContext exists per (scan, module).
type ScanContext struct {
	ScanID     string
	Target     string
	TargetType EventType
	Logger     zerolog.Logger

	opts map[string]string
	emit func(*Event) error
}

// NewScanContext builds a module's view of a scan. emit routes emitted events
// into the orchestrator's persistence and fan-out path.
func NewScanContext(scan *Scan, module string, opts map[string]string, logger zerolog.Logger, emit func(*Event) error) *ScanContext {
	return &ScanContext{
		ScanID:     scan.ID,
		Target:     scan.Target,
		TargetType: scan.TargetType,
		Logger:     logger.With().Str("module", module).Str("scan_id", scan.ID).Logger(),
		opts:       opts,
		emit:       emit,
	}
}

// Emit hands a finding to the orchestrator. Validation failures are returned
// to the module but are local: the event is dropped, the module continues.
func (sc *ScanContext) Emit(ev *Event) error {
	return sc.emit(ev)
}

// Option returns a frozen option value, or def if unset.
func (sc *ScanContext) Option(name, def string) string {
	if v, ok := sc.opts[name]; ok && v != "" {
		return v
	}
	return def
}

// Registry is the per-scan module set, constructed from the resolved, frozen
// selection at scan start. There is no process-wide mutable registry: each
// scan owns its own. The type index gives O(interested) routing.
type Registry struct {
	modules   map[string]Module
	order     []string
	typeIndex map[EventType][]Module
}

// NewRegistry builds a frozen registry. Module names must be unique.
func NewRegistry(mods ...Module) (*Registry, error) {
	r := &Registry{
		modules:   make(map[string]Module, len(mods)),
		order:     make([]string, 0, len(mods)),
		typeIndex: make(map[EventType][]Module),
	}
	for _, mod := range mods {
		name := mod.Name()
		if _, exists := r.modules[name]; exists {
			return nil, fmt.Errorf("module %q already registered", name)
		}
		r.modules[name] = mod
		r.order = append(r.order, name)
		for _, t := range mod.WatchedTypes() {
			r.typeIndex[t] = append(r.typeIndex[t], mod)
		}
	}
	return r, nil
}

// Watching returns the modules that declared interest in t, in registration
// order. When a new event matches several modules they are scheduled
// independently; no priority is implied.
func (r *Registry) Watching(t EventType) []Module {
	return r.typeIndex[t]
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	mod, ok := r.modules[name]
	return mod, ok
}

// All returns all registered modules in registration order.
func (r *Registry) All() []Module {
	out := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modules[name])
	}
	return out
}

// Names returns registered module names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered modules.
func (r *Registry) Count() int { return len(r.modules) }

// TypeRegistry builds the scan's accepted-type set: the built-in taxonomy
// plus every type the module set declares it may produce.
func (r *Registry) TypeRegistry() *TypeRegistry {
	var extra []EventType
	for _, name := range r.order {
		extra = append(extra, r.modules[name].ProducedTypes()...)
	}
	return NewTypeRegistry(extra...)
}
