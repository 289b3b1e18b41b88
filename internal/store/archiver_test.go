package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())
	scan := newTestScan(t, m)

	root := mustEvent(t, scan, core.TypeDomainName, "example.com", "", nil)
	m.PutEvent(ctx, root)
	ip := mustEvent(t, scan, core.TypeIPAddress, "192.0.2.1", "dnsresolve", root)
	m.PutEvent(ctx, ip)
	m.UpsertCorrelation(ctx, &core.Correlation{
		ScanID: scan.ID, RuleID: "test_rule", Title: "t", Risk: "LOW",
		CreatedAt: time.Now().UTC(),
	})

	scan.Status = core.StatusCompleted
	scan.EndedAt = time.Now().UTC()
	m.UpdateScan(ctx, scan)

	arch, err := NewArchiver(t.TempDir(), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	path, err := arch.Archive(ctx, m, scan.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if filepath.Base(path) != scan.ID+".json.gz" {
		t.Errorf("bundle path = %s", path)
	}

	bundle, err := ReadBundle(path)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if bundle.Scan.ID != scan.ID || bundle.Scan.Status != core.StatusCompleted {
		t.Errorf("scan = %+v", bundle.Scan)
	}
	if len(bundle.Events) != 2 {
		t.Errorf("events = %d, want 2", len(bundle.Events))
	}
	if len(bundle.Correlations) != 1 || bundle.Correlations[0].RuleID != "test_rule" {
		t.Errorf("correlations = %+v", bundle.Correlations)
	}
	if bundle.Config == nil || bundle.Config.Limits.Workers != 4 {
		t.Errorf("config snapshot not bundled: %+v", bundle.Config)
	}
	if bundle.ArchivedAt.IsZero() {
		t.Error("archived_at not set")
	}
}

func TestArchiveRefusesNonTerminalScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zerolog.Nop())
	scan := newTestScan(t, m)
	scan.Status = core.StatusRunning
	m.UpdateScan(ctx, scan)

	arch, err := NewArchiver(t.TempDir(), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	if _, err := arch.Archive(ctx, m, scan.ID); err == nil {
		t.Error("archived a running scan")
	}
	if _, err := arch.Archive(ctx, m, "missing"); err != ErrScanNotFound {
		t.Errorf("Archive(missing) = %v, want ErrScanNotFound", err)
	}
}

func TestSweepRemovesExpiredBundles(t *testing.T) {
	dir := t.TempDir()
	arch, err := NewArchiver(dir, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	old := filepath.Join(dir, "old-scan.json.gz")
	if err := os.WriteFile(old, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	fresh := filepath.Join(dir, "fresh-scan.json.gz")
	if err := os.WriteFile(fresh, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	n, err := arch.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired bundle survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh bundle removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-bundle file removed")
	}
}

func TestSweepDisabledWithoutRetention(t *testing.T) {
	dir := t.TempDir()
	arch, err := NewArchiver(dir, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	old := filepath.Join(dir, "scan.json.gz")
	os.WriteFile(old, []byte("x"), 0644)
	stale := time.Now().Add(-240 * time.Hour)
	os.Chtimes(old, stale, stale)

	if n, err := arch.Sweep(); err != nil || n != 0 {
		t.Errorf("Sweep = %d, %v; want 0, nil", n, err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Error("bundle removed with sweeping disabled")
	}
}
