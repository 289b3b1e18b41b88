package misp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

func testPublishConfig(url string) PublishConfig {
	return PublishConfig{
		URL:            url,
		Key:            "test-key",
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testEvent() *Event {
	return &Event{Info: "test", UUID: deterministicUUID("scan"), ThreatLevelID: 4}
}

func TestPublishSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher(testPublishConfig(srv.URL), zerolog.Nop())
	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotAuth != "test-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "/events/add" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestPublishRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher(testPublishConfig(srv.URL), zerolog.Nop())
	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPublishClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewPublisher(testPublishConfig(srv.URL), zerolog.Nop())
	err := p.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("Publish accepted a 403")
	}
	var pubErr *core.ExportPublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("error type = %T", err)
	}
	if pubErr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", pubErr.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on client error)", calls.Load())
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testPublishConfig(srv.URL)
	p := NewPublisher(cfg, zerolog.Nop())
	err := p.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("Publish succeeded against a dead server")
	}
	var pubErr *core.ExportPublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("error type = %T", err)
	}
	if pubErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", pubErr.Status)
	}
	if got := calls.Load(); got != int32(cfg.MaxRetries+1) {
		t.Errorf("calls = %d, want %d", got, cfg.MaxRetries+1)
	}
}

func TestPublishRequiresCredentials(t *testing.T) {
	p := NewPublisher(PublishConfig{URL: "https://misp.example"}, zerolog.Nop())
	err := p.Publish(context.Background(), testEvent())
	var pubErr *core.ExportPublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("error = %v, want *core.ExportPublishError", err)
	}
}

func TestPublishHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testPublishConfig(srv.URL)
	cfg.InitialBackoff = time.Hour
	p := NewPublisher(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Publish(ctx, testEvent()); err == nil {
		t.Fatal("Publish succeeded")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancel did not interrupt backoff")
	}
}
