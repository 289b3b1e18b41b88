package core

import (
	"testing"
	"time"
)

func TestScanStatusTransitions(t *testing.T) {
	allowed := map[ScanStatus][]ScanStatus{
		StatusCreated: {StatusRunning, StatusAborted},
		StatusRunning: {StatusCompleted, StatusAborted, StatusStopped},
	}
	all := []ScanStatus{StatusCreated, StatusRunning, StatusCompleted, StatusAborted, StatusStopped}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestScanStatusTerminal(t *testing.T) {
	for status, want := range map[ScanStatus]bool{
		StatusCreated:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusAborted:   true,
		StatusStopped:   true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestNewScanDefaults(t *testing.T) {
	s := NewScan("example.com", TypeDomainName, []string{"dnsresolve"})
	if s.ID == "" {
		t.Error("scan has no id")
	}
	if s.Status != StatusCreated {
		t.Errorf("status = %s, want created", s.Status)
	}
	if s.StartedAt.IsZero() {
		t.Error("started_at not set")
	}
	if !s.EndedAt.IsZero() {
		t.Error("ended_at set on a fresh scan")
	}

	other := NewScan("example.com", TypeDomainName, nil)
	if other.ID == s.ID {
		t.Error("two scans share an id")
	}
}

func TestConfigSnapshotRoundTrip(t *testing.T) {
	snap := &ConfigSnapshot{
		ModuleOptions: map[string]map[string]string{
			"dnsresolve": {"timeout": "5s", "reverse": "false"},
		},
		Limits: ScanLimits{
			MaxDuration:      time.Hour,
			MaxEventsPerType: 500,
			ModuleTimeout:    30 * time.Second,
			Workers:          8,
		},
	}

	raw, err := snap.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalConfigSnapshot(raw)
	if err != nil {
		t.Fatalf("UnmarshalConfigSnapshot: %v", err)
	}
	if got.Limits != snap.Limits {
		t.Errorf("limits = %+v, want %+v", got.Limits, snap.Limits)
	}
	if got.ModuleOptions["dnsresolve"]["timeout"] != "5s" {
		t.Errorf("module options lost: %+v", got.ModuleOptions)
	}
}
