package correlate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

func seedScan(t *testing.T, st *store.Memory) *core.Scan {
	t.Helper()
	scan := core.NewScan("example.com", core.TypeDomainName, nil)
	snap := &core.ConfigSnapshot{ModuleOptions: map[string]map[string]string{}}
	if err := st.CreateScan(context.Background(), scan, snap); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	return scan
}

func putEvent(t *testing.T, st *store.Memory, scan *core.Scan, typ core.EventType, data, module string, source *core.Event) *core.Event {
	t.Helper()
	var ev *core.Event
	var err error
	if source == nil {
		ev, err = core.NewRootEvent(scan.ID, typ, data)
	} else {
		ev, err = core.NewEvent(typ, data, module, source)
	}
	if err != nil {
		t.Fatalf("event %s %q: %v", typ, data, err)
	}
	ev.ScanID = scan.ID
	if _, err := st.PutEvent(context.Background(), ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	return ev
}

func mustRule(t *testing.T, body string) *Rule {
	t.Helper()
	rule, err := ParseRule([]byte(body))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	return rule
}

func TestEngineMatchesMinCount(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)
	for i := 0; i < 3; i++ {
		putEvent(t, st, scan, core.TypeEmailAddr, fmt.Sprintf("user%d@example.com", i), "emailparse", root)
	}

	rule := mustRule(t, `
id: email_cluster
title: Email cluster
risk: MEDIUM
matchers:
  - type: EMAILADDR
    min_count: 3
`)
	eng := New(st, []*Rule{rule}, zerolog.Nop())
	report, err := eng.RunScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(report.Matched) != 1 {
		t.Fatalf("matched = %d, want 1", len(report.Matched))
	}
	rec := report.Matched[0]
	if rec.RuleID != "email_cluster" || rec.Risk != "MEDIUM" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.EventIDs) != 3 {
		t.Errorf("event ids = %d, want 3", len(rec.EventIDs))
	}

	stored, _ := st.Correlations(context.Background(), scan.ID)
	if len(stored) != 1 {
		t.Errorf("stored correlations = %d, want 1", len(stored))
	}
}

func TestEngineBelowMinCountNoMatch(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)
	putEvent(t, st, scan, core.TypeEmailAddr, "solo@example.com", "emailparse", root)

	rule := mustRule(t, `
id: email_cluster
title: Email cluster
risk: MEDIUM
matchers:
  - type: EMAILADDR
    min_count: 3
`)
	report, err := New(st, []*Rule{rule}, zerolog.Nop()).RunScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(report.Matched) != 0 {
		t.Errorf("matched = %d, want 0", len(report.Matched))
	}
}

func TestEngineDescendantChain(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)

	// Ports under ip1 qualify; the port under the unrelated ip2 must not
	// satisfy a chain rooted at ip1 alone, but both IPs are refs here.
	ip1 := putEvent(t, st, scan, core.TypeIPAddress, "192.0.2.1", "dnsresolve", root)
	ip2 := putEvent(t, st, scan, core.TypeIPAddress, "192.0.2.2", "dnsresolve", root)
	cert := putEvent(t, st, scan, core.TypeSSLCertRaw, "-----BEGIN CERTIFICATE-----", "sslcert", ip1)
	putEvent(t, st, scan, core.TypeTCPPortOpen, "192.0.2.1:443", "sslcert", cert)
	putEvent(t, st, scan, core.TypeTCPPortOpen, "192.0.2.2:22", "portscan", ip2)
	// An email hanging off the root is outside every IP chain.
	putEvent(t, st, scan, core.TypeEmailAddr, "a@example.com", "emailparse", root)

	rule := mustRule(t, `
id: port_under_ip
title: Port under a discovered IP
risk: LOW
matchers:
  - ref: host
    type: IP_ADDRESS
  - type: TCP_PORT_OPEN
    descendant_of: host
    min_count: 2
`)
	report, err := New(st, []*Rule{rule}, zerolog.Nop()).RunScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(report.Matched) != 1 {
		t.Fatalf("matched = %d, want 1 (transitive descent through the cert)", len(report.Matched))
	}
	if got := len(report.Matched[0].EventIDs); got != 4 {
		t.Errorf("event ids = %d, want 4 (both ips, both ports)", got)
	}
}

func TestEngineRerunReplacesRecord(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)
	putEvent(t, st, scan, core.TypeUsername, "jdoe", "emailparse", root)
	putEvent(t, st, scan, core.TypeUsername, "john.doe", "emailparse", root)

	rule := mustRule(t, `
id: username_pair
title: Usernames
risk: LOW
matchers:
  - type: USERNAME
    min_count: 2
`)
	eng := New(st, []*Rule{rule}, zerolog.Nop())
	ctx := context.Background()
	if _, err := eng.RunScan(ctx, scan.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := eng.RunScan(ctx, scan.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	stored, _ := st.Correlations(ctx, scan.ID)
	if len(stored) != 1 {
		t.Errorf("stored correlations = %d, want 1 after re-run", len(stored))
	}
}

func TestEngineBadRegexIsolated(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)
	putEvent(t, st, scan, core.TypeEmailAddr, "a@example.com", "emailparse", root)

	broken := mustRule(t, `
id: broken_regex
title: Broken
risk: LOW
matchers:
  - type: EMAILADDR
    data_regex: "["
`)
	working := mustRule(t, `
id: email_present
title: Email present
risk: INFO
matchers:
  - type: EMAILADDR
`)
	report, err := New(st, []*Rule{broken, working}, zerolog.Nop()).RunScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(report.Errors))
	}
	var ruleErr *core.RuleEvaluationError
	if !errors.As(report.Errors[0], &ruleErr) || ruleErr.RuleID != "broken_regex" {
		t.Errorf("error = %v", report.Errors[0])
	}
	if len(report.Matched) != 1 || report.Matched[0].RuleID != "email_present" {
		t.Errorf("working rule did not survive the broken one: %+v", report.Matched)
	}
}

func TestEngineDeterministicOrdering(t *testing.T) {
	st := store.NewMemory(zerolog.Nop())
	scan := seedScan(t, st)
	root := putEvent(t, st, scan, core.TypeDomainName, "example.com", "", nil)
	for i := 0; i < 4; i++ {
		putEvent(t, st, scan, core.TypeEmailAddr, fmt.Sprintf("u%d@example.com", i), "emailparse", root)
	}

	rule := mustRule(t, `
id: emails
title: Emails
risk: INFO
matchers:
  - type: EMAILADDR
`)
	ctx := context.Background()
	first, err := New(st, []*Rule{rule}, zerolog.Nop()).RunScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	second, err := New(st, []*Rule{rule}, zerolog.Nop()).RunScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	a, b := first.Matched[0].EventIDs, second.Matched[0].EventIDs
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("event id order differs at %d: %s vs %s", i, a[i], b[i])
		}
	}
}
