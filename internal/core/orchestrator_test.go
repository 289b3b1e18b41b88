package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memSink is a minimal hash-deduplicating sink for orchestrator tests.
type memSink struct {
	mu       sync.Mutex
	byHash   map[string]*Event
	order    []*Event
	scan     *Scan
	failFrom int // fail puts once this many events are stored; 0 disables
	puts     int
}

func newMemSink() *memSink {
	return &memSink{byHash: make(map[string]*Event)}
}

func (s *memSink) PutEvent(ctx context.Context, ev *Event) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failFrom > 0 && s.puts > s.failFrom {
		return 0, errors.New("connection refused")
	}
	if prev, ok := s.byHash[ev.Hash]; ok {
		if ev.Confidence > prev.Confidence {
			prev.Confidence = ev.Confidence
		}
		return PutMerged, nil
	}
	cp := *ev
	s.byHash[ev.Hash] = &cp
	s.order = append(s.order, &cp)
	return PutInserted, nil
}

func (s *memSink) UpdateScan(ctx context.Context, scan *Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *scan
	s.scan = &cp
	return nil
}

func (s *memSink) events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.order))
	copy(out, s.order)
	return out
}

func (s *memSink) byType(t EventType) []*Event {
	var out []*Event
	for _, ev := range s.events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testLimits() ScanLimits {
	return ScanLimits{
		MaxDuration:      5 * time.Second,
		MaxEventsPerType: 0,
		ModuleTimeout:    time.Second,
		Workers:          4,
	}
}

func newTestOrchestrator(t *testing.T, scan *Scan, limits ScanLimits, mods ...Module) (*Orchestrator, *memSink) {
	t.Helper()
	reg, err := NewRegistry(mods...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	snap := &ConfigSnapshot{ModuleOptions: map[string]map[string]string{}, Limits: limits}
	sink := newMemSink()
	return NewOrchestrator(scan, reg, snap, sink, nil, nil, zerolog.Nop()), sink
}

func TestScanChainProvenance(t *testing.T) {
	// resolver turns the root domain into an address, certgrabber turns the
	// address into a certificate. The stored events must chain back to the
	// root through SourceID/SourceHash.
	resolver := &stubModule{
		name:     "resolver",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			ip, err := NewEvent(TypeIPAddress, "192.0.2.10", "resolver", ev)
			if err != nil {
				return err
			}
			return sc.Emit(ip)
		},
	}
	certgrabber := &stubModule{
		name:     "certgrabber",
		watched:  []EventType{TypeIPAddress},
		produced: []EventType{TypeSSLCertRaw},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			cert, err := NewEvent(TypeSSLCertRaw, "-----BEGIN CERTIFICATE-----", "certgrabber", ev)
			if err != nil {
				return err
			}
			return sc.Emit(cert)
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"resolver", "certgrabber"})
	orch, sink := newTestOrchestrator(t, scan, testLimits(), resolver, certgrabber)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", scan.Status)
	}
	if stats.Inserted != 3 {
		t.Fatalf("inserted = %d, want 3 (root, ip, cert)", stats.Inserted)
	}

	roots := sink.byType(TypeDomainName)
	ips := sink.byType(TypeIPAddress)
	certs := sink.byType(TypeSSLCertRaw)
	if len(roots) != 1 || len(ips) != 1 || len(certs) != 1 {
		t.Fatalf("event counts: roots=%d ips=%d certs=%d", len(roots), len(ips), len(certs))
	}

	if !roots[0].IsRoot() {
		t.Error("root event lost its sentinel source hash")
	}
	if ips[0].SourceID != roots[0].ID || ips[0].SourceHash != roots[0].Hash {
		t.Error("ip event does not chain to root")
	}
	if certs[0].SourceID != ips[0].ID || certs[0].SourceHash != ips[0].Hash {
		t.Error("cert event does not chain to ip")
	}
	for _, ev := range sink.events() {
		if ev.ScanID != scan.ID {
			t.Errorf("event %s has scan id %q", ev.ID, ev.ScanID)
		}
	}
}

func TestDuplicateEmissionMerges(t *testing.T) {
	var downstream int
	var mu sync.Mutex

	emitter := &stubModule{
		name:     "emitter",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			for i := 0; i < 2; i++ {
				ip, err := NewEvent(TypeIPAddress, "192.0.2.10", "emitter", ev)
				if err != nil {
					return err
				}
				if err := sc.Emit(ip); err != nil {
					return err
				}
			}
			return nil
		},
	}
	watcher := &stubModule{
		name:    "watcher",
		watched: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			mu.Lock()
			downstream++
			mu.Unlock()
			return nil
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"emitter", "watcher"})
	orch, _ := newTestOrchestrator(t, scan, testLimits(), emitter, watcher)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Inserted != 2 { // root + one ip
		t.Errorf("inserted = %d, want 2", stats.Inserted)
	}
	if stats.Merged != 1 {
		t.Errorf("merged = %d, want 1", stats.Merged)
	}
	if downstream != 1 {
		t.Errorf("watcher ran %d times, want 1 (merged duplicate must not re-fan)", downstream)
	}
}

func TestEnqueueLoopPrevention(t *testing.T) {
	mod := &stubModule{name: "m", watched: []EventType{TypeIPAddress}}
	scan := NewScan("example.com", TypeDomainName, []string{"m"})
	orch, _ := newTestOrchestrator(t, scan, testLimits(), mod)

	root, _ := NewRootEvent(scan.ID, TypeDomainName, "example.com")
	ip, _ := NewEvent(TypeIPAddress, "192.0.2.1", "other", root)
	orch.enqueue(mod, ip)
	orch.enqueue(mod, ip)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.backlog) != 1 {
		t.Errorf("backlog = %d, want 1 (same hash enqueued once per module)", len(orch.backlog))
	}
}

func TestModulePanicIsolated(t *testing.T) {
	panicker := &stubModule{
		name:    "panicker",
		watched: []EventType{TypeDomainName},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			panic("boom")
		},
	}
	survivor := &stubModule{
		name:     "survivor",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeEmailAddr},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			em, err := NewEvent(TypeEmailAddr, "a@example.com", "survivor", ev)
			if err != nil {
				return err
			}
			return sc.Emit(em)
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"panicker", "survivor"})
	orch, sink := newTestOrchestrator(t, scan, testLimits(), panicker, survivor)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusCompleted {
		t.Errorf("status = %s, want completed despite panic", scan.Status)
	}
	if stats.FailedCalls != 1 {
		t.Errorf("failed calls = %d, want 1", stats.FailedCalls)
	}
	if got := sink.byType(TypeEmailAddr); len(got) != 1 {
		t.Errorf("survivor's event missing: %d email events", len(got))
	}
}

func TestModuleTimeoutSkipsCall(t *testing.T) {
	slow := &stubModule{
		name:    "slow",
		watched: []EventType{TypeDomainName},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	limits := testLimits()
	limits.ModuleTimeout = 20 * time.Millisecond
	scan := NewScan("example.com", TypeDomainName, []string{"slow"})
	orch, _ := newTestOrchestrator(t, scan, limits, slow)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", scan.Status)
	}
	if stats.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", stats.Timeouts)
	}
	if stats.FailedCalls != 1 {
		t.Errorf("failed calls = %d, want 1", stats.FailedCalls)
	}
}

func TestStopIsCooperative(t *testing.T) {
	// The first module stops the scan mid-call and then keeps emitting. Its
	// in-flight findings must persist, but nothing may be scheduled off them.
	var orch *Orchestrator
	var downstream int
	var mu sync.Mutex

	stopper := &stubModule{
		name:     "stopper",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			orch.Stop()
			ip, err := NewEvent(TypeIPAddress, "192.0.2.77", "stopper", ev)
			if err != nil {
				return err
			}
			return sc.Emit(ip)
		},
	}
	follower := &stubModule{
		name:    "follower",
		watched: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			mu.Lock()
			downstream++
			mu.Unlock()
			return nil
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"stopper", "follower"})
	var sink *memSink
	orch, sink = newTestOrchestrator(t, scan, testLimits(), stopper, follower)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", scan.Status)
	}
	if got := sink.byType(TypeIPAddress); len(got) != 1 {
		t.Errorf("in-flight finding not persisted: %d ip events", len(got))
	}
	if downstream != 0 {
		t.Errorf("follower ran %d times after stop, want 0", downstream)
	}
	if sink.scan == nil || sink.scan.Status != StatusStopped {
		t.Error("terminal status not persisted to sink")
	}
}

func TestPerTypeCapTruncates(t *testing.T) {
	burst := &stubModule{
		name:     "burst",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			for i := 0; i < 5; i++ {
				ip, err := NewEvent(TypeIPAddress, fmt.Sprintf("192.0.2.%d", i+1), "burst", ev)
				if err != nil {
					return err
				}
				if err := sc.Emit(ip); err != nil {
					return err
				}
			}
			return nil
		},
	}

	limits := testLimits()
	limits.MaxEventsPerType = 2
	scan := NewScan("example.com", TypeDomainName, []string{"burst"})
	orch, sink := newTestOrchestrator(t, scan, limits, burst)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", scan.Status)
	}
	if got := len(sink.byType(TypeIPAddress)); got != 2 {
		t.Errorf("stored ip events = %d, want 2", got)
	}
	if stats.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", stats.Dropped)
	}
	if !stats.Truncated || !scan.Truncated {
		t.Error("truncation not flagged")
	}
}

func TestPerTypeCapExactUnderConcurrentEmits(t *testing.T) {
	// Eight goroutines race distinct addresses through the same emit path.
	// The cap reserves its slot before the store write, so the stored count
	// lands exactly on the limit no matter how the goroutines interleave.
	const emitters = 8
	burst := &stubModule{
		name:     "burst",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			var wg sync.WaitGroup
			for i := 0; i < emitters; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ip, err := NewEvent(TypeIPAddress, fmt.Sprintf("192.0.2.%d", i+1), "burst", ev)
					if err != nil {
						return
					}
					_ = sc.Emit(ip)
				}(i)
			}
			wg.Wait()
			return nil
		},
	}

	limits := testLimits()
	limits.MaxEventsPerType = 3
	scan := NewScan("example.com", TypeDomainName, []string{"burst"})
	orch, sink := newTestOrchestrator(t, scan, limits, burst)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(sink.byType(TypeIPAddress)); got != 3 {
		t.Errorf("stored ip events = %d, want exactly 3", got)
	}
	if stats.Dropped != emitters-3 {
		t.Errorf("dropped = %d, want %d", stats.Dropped, emitters-3)
	}
	if !stats.Truncated {
		t.Error("truncation not flagged")
	}
}

func TestInvalidEmissionIsLocal(t *testing.T) {
	var emitErr error
	mod := &stubModule{
		name:     "sloppy",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			bad := &Event{
				ID: "x", Type: TypeIPAddress, Data: "not-an-ip", Module: "sloppy",
				SourceID: ev.ID, SourceHash: ev.Hash, Confidence: 100, Visibility: 100,
				CreatedAt: time.Now().UTC(), Hash: "deadbeef",
			}
			emitErr = sc.Emit(bad)

			good, err := NewEvent(TypeIPAddress, "192.0.2.1", "sloppy", ev)
			if err != nil {
				return err
			}
			return sc.Emit(good)
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"sloppy"})
	orch, sink := newTestOrchestrator(t, scan, testLimits(), mod)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var verr *ValidationError
	if !errors.As(emitErr, &verr) {
		t.Errorf("Emit returned %v, want *ValidationError", emitErr)
	}
	if scan.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (validation failure is local)", scan.Status)
	}
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
	if got := len(sink.byType(TypeIPAddress)); got != 1 {
		t.Errorf("valid follow-up event not stored: %d", got)
	}
}

func TestUnregisteredTypeRejected(t *testing.T) {
	var emitErr error
	mod := &stubModule{
		name:    "offscript",
		watched: []EventType{TypeDomainName},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			rogue, err := NewEvent(TypeRawData, "payload", "offscript", ev)
			if err != nil {
				return err
			}
			rogue.Type = "NEVER_DECLARED"
			emitErr = sc.Emit(rogue)
			return nil
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"offscript"})
	orch, sink := newTestOrchestrator(t, scan, testLimits(), mod)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if emitErr == nil {
		t.Error("unregistered type accepted")
	}
	for _, ev := range sink.events() {
		if ev.Type == "NEVER_DECLARED" {
			t.Error("unregistered event reached the sink")
		}
	}
}

func TestStoreFailureAbortsScan(t *testing.T) {
	mod := &stubModule{
		name:     "emitter",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			ip, err := NewEvent(TypeIPAddress, "192.0.2.1", "emitter", ev)
			if err != nil {
				return err
			}
			return sc.Emit(ip)
		},
	}

	scan := NewScan("example.com", TypeDomainName, []string{"emitter"})
	orch, sink := newTestOrchestrator(t, scan, testLimits(), mod)
	sink.failFrom = 1 // root stores fine, the module's put fails

	_, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil for store failure")
	}
	if !IsScanFatal(err) {
		t.Errorf("error %v not scan-fatal", err)
	}
	if scan.Status != StatusAborted {
		t.Errorf("status = %s, want aborted", scan.Status)
	}
}

func TestDeadlineTruncatesScan(t *testing.T) {
	// The module ignores its context and sleeps past the scan deadline, so
	// queued work is drained and the scan completes truncated.
	slow := &stubModule{
		name:     "slow",
		watched:  []EventType{TypeDomainName},
		produced: []EventType{TypeIPAddress},
		exec: func(ctx context.Context, ev *Event, sc *ScanContext) error {
			time.Sleep(80 * time.Millisecond)
			ip, err := NewEvent(TypeIPAddress, "192.0.2.1", "slow", ev)
			if err != nil {
				return err
			}
			return sc.Emit(ip)
		},
	}

	limits := testLimits()
	limits.MaxDuration = 30 * time.Millisecond
	limits.ModuleTimeout = 0
	scan := NewScan("example.com", TypeDomainName, []string{"slow"})
	orch, sink := newTestOrchestrator(t, scan, limits, slow)

	stats, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if scan.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", scan.Status)
	}
	if !stats.Truncated {
		t.Error("deadline hit but truncation not flagged")
	}
	// In-flight work finished after the deadline still persists.
	if got := len(sink.byType(TypeIPAddress)); got != 1 {
		t.Errorf("in-flight finding lost: %d ip events", got)
	}
}

func TestRunRejectsRestart(t *testing.T) {
	mod := &stubModule{name: "m", watched: []EventType{TypeDomainName}}
	scan := NewScan("example.com", TypeDomainName, []string{"m"})
	orch, _ := newTestOrchestrator(t, scan, testLimits(), mod)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := orch.Run(context.Background()); err == nil {
		t.Error("Run accepted a terminal scan")
	}
}
