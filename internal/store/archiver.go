package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

// Bundle is the cold-archive form of one scan: metadata, frozen config,
// full event set, and correlation records in a single gzipped JSON document.
type Bundle struct {
	Scan         *core.Scan           `json:"scan"`
	Config       *core.ConfigSnapshot `json:"config"`
	Events       []*core.Event        `json:"events"`
	Correlations []*core.Correlation  `json:"correlations"`
	ArchivedAt   time.Time            `json:"archived_at"`
}

// Archiver writes completed scans to compressed bundles for indefinite cold
// retention, and sweeps bundles past the retention window.
type Archiver struct {
	dir       string
	retention time.Duration
	logger    zerolog.Logger
}

// NewArchiver creates an archiver rooted at dir. retention <= 0 disables
// sweeping.
func NewArchiver(dir string, retention time.Duration, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", dir, err)
	}
	return &Archiver{
		dir:       dir,
		retention: retention,
		logger:    logger.With().Str("component", "archiver").Logger(),
	}, nil
}

// Archive bundles one scan out of the store into <dir>/<scanID>.json.gz.
// Only scans in a terminal state are archivable.
func (a *Archiver) Archive(ctx context.Context, st Store, scanID string) (string, error) {
	scan, err := st.GetScan(ctx, scanID)
	if err != nil {
		return "", err
	}
	if !scan.Status.Terminal() {
		return "", fmt.Errorf("scan %s is %s, not terminal", scanID, scan.Status)
	}

	snap, err := st.ConfigSnapshot(ctx, scanID)
	if err != nil {
		return "", err
	}
	events, err := st.Events(ctx, scanID, Filter{})
	if err != nil {
		return "", err
	}
	correlations, err := st.Correlations(ctx, scanID)
	if err != nil {
		return "", err
	}

	bundle := Bundle{
		Scan:         scan,
		Config:       snap,
		Events:       events,
		Correlations: correlations,
		ArchivedAt:   time.Now().UTC(),
	}

	path := filepath.Join(a.dir, scanID+".json.gz")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(&bundle); err != nil {
		f.Close()
		return "", fmt.Errorf("encoding bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("flushing gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing archive file: %w", err)
	}

	a.logger.Info().
		Str("scan_id", scanID).
		Str("path", path).
		Int("events", len(events)).
		Msg("scan archived")
	return path, nil
}

// ReadBundle loads an archived scan bundle.
func ReadBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading gzip header: %w", err)
	}
	defer gz.Close()

	var bundle Bundle
	if err := json.NewDecoder(gz).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	return &bundle, nil
}

// Sweep removes bundles older than the retention window, returning how many
// were deleted.
func (a *Archiver) Sweep() (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, fmt.Errorf("reading archive dir: %w", err)
	}

	cutoff := time.Now().Add(-a.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil {
				a.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to remove expired archive")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		a.logger.Info().Int("removed", removed).Msg("archive sweep complete")
	}
	return removed, nil
}
