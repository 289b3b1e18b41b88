package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PutResult reports what the store did with a submitted event.
type PutResult int

const (
	// PutInserted means the event's hash was unseen for the scan and a new
	// record was created.
	PutInserted PutResult = iota
	// PutMerged means an event with the same hash already existed; its
	// visibility/confidence were raised instead of inserting a duplicate.
	PutMerged
)

func (r PutResult) String() string {
	if r == PutInserted {
		return "inserted"
	}
	return "merged"
}

// EventSink is the narrow store surface the orchestrator writes through.
type EventSink interface {
	PutEvent(ctx context.Context, ev *Event) (PutResult, error)
	UpdateScan(ctx context.Context, scan *Scan) error
}

// Observer receives orchestrator activity for metrics export. All methods
// must be safe for concurrent use.
type Observer interface {
	EventStored(result PutResult)
	EventDropped(reason string)
	ModuleCall(module, status string, d time.Duration)
	ScanFinished(status ScanStatus)
}

// ScanStats summarizes a finished scan.
type ScanStats struct {
	Inserted    int  `json:"inserted"`
	Merged      int  `json:"merged"`
	Dropped     int  `json:"dropped"`
	FailedCalls int  `json:"failed_calls"`
	Timeouts    int  `json:"timeouts"`
	Truncated   bool `json:"truncated"`
}

// task is one unit of work: a module applied to one input event.
type task struct {
	mod Module
	ev  *Event
}

// Orchestrator schedules one scan: it seeds the queue with the root event,
// dispatches (module, event) pairs to a bounded worker pool, persists every
// emitted event through the store, and fans inserted events back out to
// interested modules until the queue drains or the scan is stopped.
//
// The scheduling loop never blocks on module work; blocking happens only
// inside module execution and store writes. Cancellation is cooperative:
// Stop sets a flag, no new pairs are dispatched, and in-flight calls finish —
// module side effects are external network calls and cannot be rolled back,
// so forced interruption is deliberately not attempted.
type Orchestrator struct {
	scan     *Scan
	registry *Registry
	types    *TypeRegistry
	store    EventSink
	bus      *EventBus
	observer Observer
	limits   ScanLimits
	logger   zerolog.Logger

	contexts map[string]*ScanContext

	mu         sync.Mutex
	cond       *sync.Cond
	backlog    []task
	pending    int
	stopped    bool
	draining   bool
	fatal      error
	seen       map[string]map[string]struct{} // module name -> event hash
	typeCounts map[EventType]int
	stats      ScanStats
}

// NewOrchestrator wires a scan to its frozen module registry, store, and
// limits. bus and observer may be nil.
func NewOrchestrator(scan *Scan, registry *Registry, snap *ConfigSnapshot, sink EventSink, bus *EventBus, observer Observer, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		scan:       scan,
		registry:   registry,
		types:      registry.TypeRegistry(),
		store:      sink,
		bus:        bus,
		observer:   observer,
		limits:     snap.Limits,
		logger:     logger.With().Str("component", "orchestrator").Str("scan_id", scan.ID).Logger(),
		contexts:   make(map[string]*ScanContext, registry.Count()),
		seen:       make(map[string]map[string]struct{}),
		typeCounts: make(map[EventType]int),
	}
	o.cond = sync.NewCond(&o.mu)
	for _, mod := range registry.All() {
		name := mod.Name()
		o.contexts[name] = NewScanContext(scan, name, snap.ModuleOptions[name], logger, o.emit)
		o.seen[name] = make(map[string]struct{})
	}
	return o
}

// Run executes the scan to a terminal state. It always returns with the scan
// in completed, stopped, or aborted, and only returns an error for the
// scan-fatal case (store unavailable).
func (o *Orchestrator) Run(ctx context.Context) (ScanStats, error) {
	if !o.scan.Status.CanTransition(StatusRunning) {
		return o.stats, fmt.Errorf("scan %s cannot start from status %s", o.scan.ID, o.scan.Status)
	}
	o.setStatus(ctx, StatusRunning)

	if o.limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.limits.MaxDuration)
		defer cancel()
	}

	root, err := NewRootEvent(o.scan.ID, o.scan.TargetType, o.scan.Target)
	if err != nil {
		o.setStatus(ctx, StatusAborted)
		return o.stats, fmt.Errorf("seeding root event: %w", err)
	}
	if err := o.emit(root); err != nil {
		if IsScanFatal(err) {
			o.setStatus(ctx, StatusAborted)
			return o.stats, err
		}
		o.setStatus(ctx, StatusCompleted)
		return o.stats, fmt.Errorf("root event rejected: %w", err)
	}

	workers := o.limits.Workers
	if workers <= 0 {
		workers = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}

	// Watch for deadline/cancel: drain the queue but let in-flight finish.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			if !o.draining {
				o.draining = true
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					o.stats.Truncated = true
				}
				o.pending -= len(o.backlog)
				o.backlog = nil
				if o.pending <= 0 {
					o.cond.Broadcast()
				}
			}
			o.mu.Unlock()
		case <-done:
		}
	}()

	wg.Wait()
	close(done)

	o.mu.Lock()
	fatal := o.fatal
	stopped := o.stopped
	o.scan.Truncated = o.stats.Truncated
	o.scan.FailedCalls = o.stats.FailedCalls
	o.mu.Unlock()

	final := StatusCompleted
	switch {
	case fatal != nil:
		final = StatusAborted
	case stopped:
		final = StatusStopped
	}
	// The deadline context may already be dead; terminal status still has to
	// be persisted.
	o.setStatus(context.WithoutCancel(ctx), final)

	o.logger.Info().
		Str("status", string(final)).
		Int("inserted", o.stats.Inserted).
		Int("merged", o.stats.Merged).
		Int("dropped", o.stats.Dropped).
		Int("failed_calls", o.stats.FailedCalls).
		Bool("truncated", o.stats.Truncated).
		Msg("scan finished")

	if o.observer != nil {
		o.observer.ScanFinished(final)
	}
	return o.stats, fatal
}

// Stop requests cooperative cancellation: queued pairs are discarded, no new
// pairs are dispatched, in-flight module calls finish, and the scan ends in
// the stopped state.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped || o.draining {
		return
	}
	o.stopped = true
	o.draining = true
	o.pending -= len(o.backlog)
	o.backlog = nil
	o.cond.Broadcast()
}

// Scan returns the scan this orchestrator owns.
func (o *Orchestrator) Scan() *Scan { return o.scan }

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		t, ok := o.next()
		if !ok {
			return
		}
		o.process(ctx, t)
		o.taskDone()
	}
}

// next blocks until a task is available or the scan has drained. The false
// return means no more work will ever arrive.
func (o *Orchestrator) next() (task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.backlog) == 0 && o.pending > 0 {
		o.cond.Wait()
	}
	if len(o.backlog) == 0 {
		return task{}, false
	}
	t := o.backlog[0]
	o.backlog = o.backlog[1:]
	return t, true
}

func (o *Orchestrator) taskDone() {
	o.mu.Lock()
	o.pending--
	if o.pending <= 0 {
		o.cond.Broadcast()
	}
	o.mu.Unlock()
}

// enqueue schedules (mod, ev) unless the scan is draining or mod already saw
// this hash. Loop prevention: a module never reprocesses an event it has
// already seen, directly or via merge.
func (o *Orchestrator) enqueue(mod Module, ev *Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return
	}
	name := mod.Name()
	if _, dup := o.seen[name][ev.Hash]; dup {
		return
	}
	o.seen[name][ev.Hash] = struct{}{}
	o.backlog = append(o.backlog, task{mod: mod, ev: ev})
	o.pending++
	o.cond.Signal()
}

// process runs one module call under the per-call timeout, isolating
// failures to this (module, event) pair.
func (o *Orchestrator) process(ctx context.Context, t task) {
	name := t.mod.Name()
	callCtx := ctx
	var cancel context.CancelFunc
	if o.limits.ModuleTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.limits.ModuleTimeout)
		defer cancel()
	}

	start := time.Now()
	err := o.safeExecute(callCtx, t)
	elapsed := time.Since(start)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
		te := &ModuleTimeout{Module: name, EventID: t.ev.ID, Limit: o.limits.ModuleTimeout}
		o.logger.Warn().Str("module", name).Str("event_id", t.ev.ID).Dur("limit", o.limits.ModuleTimeout).Msg(te.Error())
		o.mu.Lock()
		o.stats.Timeouts++
		o.stats.FailedCalls++
		o.mu.Unlock()
	case IsScanFatal(err):
		status = "fatal"
		o.mu.Lock()
		if o.fatal == nil {
			o.fatal = err
		}
		if !o.draining {
			o.draining = true
			o.pending -= len(o.backlog)
			o.backlog = nil
		}
		o.cond.Broadcast()
		o.mu.Unlock()
		o.logger.Error().Err(err).Str("module", name).Msg("store failure, aborting scan")
	default:
		status = "error"
		o.logger.Error().Err(err).
			Str("module", name).
			Str("event_id", t.ev.ID).
			Str("event_type", string(t.ev.Type)).
			Msg("module failed to handle event")
		o.mu.Lock()
		o.stats.FailedCalls++
		o.mu.Unlock()
	}

	if o.observer != nil {
		o.observer.ModuleCall(name, status, elapsed)
	}
}

// safeExecute calls the module inside a recover() so a panicking module
// cannot crash the scan.
func (o *Orchestrator) safeExecute(ctx context.Context, t task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ModuleFailure{
				Module:  t.mod.Name(),
				EventID: t.ev.ID,
				Err:     fmt.Errorf("panic: %v", rec),
			}
		}
	}()
	if execErr := t.mod.Execute(ctx, t.ev, o.contexts[t.mod.Name()]); execErr != nil {
		if IsScanFatal(execErr) {
			return execErr
		}
		return &ModuleFailure{Module: t.mod.Name(), EventID: t.ev.ID, Err: execErr}
	}
	return nil
}

// emit validates, persists, and fans out one event. Called synchronously
// from inside a module's Execute (via ScanContext.Emit), so emission order
// per (module, input event) is preserved in storage. Returns the error to
// the emitting module; only store failure escalates beyond it.
func (o *Orchestrator) emit(ev *Event) error {
	o.mu.Lock()
	fatal := o.fatal != nil
	draining := o.draining
	o.mu.Unlock()
	if fatal {
		return nil // aborted scans accept no further events
	}

	ev.ScanID = o.scan.ID

	if !o.types.Known(ev.Type) {
		o.dropEvent(ev, "unregistered_type")
		return &ValidationError{Field: "type", Reason: "unregistered event type", Type: ev.Type}
	}
	if err := ValidateEvent(ev); err != nil {
		o.dropEvent(ev, "invalid")
		return err
	}

	// The cap slot is reserved before the store write and released if the
	// write fails or merges, so concurrent emitters cannot overshoot the
	// per-type limit between the check and the insert.
	o.mu.Lock()
	if max := o.limits.MaxEventsPerType; max > 0 && o.typeCounts[ev.Type] >= max {
		o.stats.Truncated = true
		o.stats.Dropped++
		o.mu.Unlock()
		if o.observer != nil {
			o.observer.EventDropped("type_limit")
		}
		return nil
	}
	o.typeCounts[ev.Type]++
	o.mu.Unlock()

	res, err := o.store.PutEvent(context.Background(), ev)
	if err != nil {
		o.mu.Lock()
		o.typeCounts[ev.Type]--
		o.mu.Unlock()
		return &StoreUnavailable{Op: "put event", Err: err}
	}

	o.mu.Lock()
	if res == PutInserted {
		o.stats.Inserted++
	} else {
		o.stats.Merged++
		o.typeCounts[ev.Type]--
	}
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.EventStored(res)
	}

	if o.bus != nil {
		if busErr := o.bus.PublishEvent(ev); busErr != nil {
			o.logger.Warn().Err(busErr).Str("event_id", ev.ID).Msg("bus publish failed")
		}
	}

	// Only first-seen events propagate; merged duplicates were already
	// routed when first stored. In-flight calls finishing after a stop or
	// deadline still get their findings persisted, but nothing new is
	// scheduled off them.
	if res == PutInserted && !draining {
		o.fanOut(ev)
	}
	return nil
}

func (o *Orchestrator) fanOut(ev *Event) {
	for _, mod := range o.registry.Watching(ev.Type) {
		if mod.Name() == ev.Module {
			continue // don't route back to the producer
		}
		o.enqueue(mod, ev)
	}
	if ev.IsRoot() {
		for _, mod := range o.registry.Watching(TypeRoot) {
			o.enqueue(mod, ev)
		}
	}
}

func (o *Orchestrator) dropEvent(ev *Event, reason string) {
	o.logger.Debug().
		Str("module", ev.Module).
		Str("event_type", string(ev.Type)).
		Str("reason", reason).
		Msg("event dropped")
	o.mu.Lock()
	o.stats.Dropped++
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.EventDropped(reason)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, status ScanStatus) {
	o.scan.Status = status
	if status.Terminal() {
		o.scan.EndedAt = time.Now().UTC()
	}
	if err := o.store.UpdateScan(ctx, o.scan); err != nil {
		o.logger.Error().Err(err).Str("status", string(status)).Msg("failed to persist scan status")
	}
	if o.bus != nil {
		if err := o.bus.PublishStatus(o.scan); err != nil {
			o.logger.Warn().Err(err).Msg("failed to publish scan status")
		}
	}
}
