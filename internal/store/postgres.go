package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id           TEXT PRIMARY KEY,
	target       TEXT NOT NULL,
	target_type  TEXT NOT NULL,
	status       TEXT NOT NULL,
	modules      TEXT NOT NULL,
	config       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	truncated    BOOLEAN NOT NULL DEFAULT FALSE,
	failed_calls INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	scan_id     TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	type        TEXT NOT NULL,
	data        TEXT NOT NULL,
	module      TEXT NOT NULL,
	source_id   TEXT,
	source_hash TEXT NOT NULL,
	confidence  INTEGER NOT NULL,
	visibility  INTEGER NOT NULL,
	risk        INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	hash        TEXT NOT NULL,
	UNIQUE (scan_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_events_scan_created ON events (scan_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_scan_type ON events (scan_id, type);

CREATE TABLE IF NOT EXISTS correlations (
	scan_id     TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	rule_id     TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL,
	risk        TEXT NOT NULL,
	event_ids   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scan_id, rule_id)
);
`

// Postgres is the durable Store. The (scan_id, hash) uniqueness constraint
// plus an ON CONFLICT upsert gives the dedup contract without any
// application-level locking: the database serializes the check-and-write.
type Postgres struct {
	db       *sql.DB
	logger   zerolog.Logger
	snapshots *lru.Cache[string, *core.ConfigSnapshot]
}

// OpenPostgres connects, verifies the connection, and applies the schema.
func OpenPostgres(dsn string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	// Snapshots are immutable once written, so a small cache never serves
	// stale data.
	cache, err := lru.New[string, *core.ConfigSnapshot](256)
	if err != nil {
		return nil, err
	}

	return &Postgres{
		db:        db,
		logger:    logger.With().Str("component", "pg_store").Logger(),
		snapshots: cache,
	}, nil
}

// CreateScan persists a scan and its frozen snapshot.
func (p *Postgres) CreateScan(ctx context.Context, scan *core.Scan, snap *core.ConfigSnapshot) error {
	modules, err := json.Marshal(scan.Modules)
	if err != nil {
		return fmt.Errorf("marshaling module list: %w", err)
	}
	config, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling config snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scans (id, target, target_type, status, modules, config, started_at, truncated, failed_calls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, 0)`,
		scan.ID, scan.Target, string(scan.TargetType), string(scan.Status), modules, config, scan.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	p.snapshots.Add(scan.ID, snap)
	return nil
}

// UpdateScan overwrites mutable scan metadata.
func (p *Postgres) UpdateScan(ctx context.Context, scan *core.Scan) error {
	var ended sql.NullTime
	if !scan.EndedAt.IsZero() {
		ended = sql.NullTime{Time: scan.EndedAt, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE scans SET status = $2, ended_at = $3, truncated = $4, failed_calls = $5
		WHERE id = $1`,
		scan.ID, string(scan.Status), ended, scan.Truncated, scan.FailedCalls)
	if err != nil {
		return fmt.Errorf("updating scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScanNotFound
	}
	return nil
}

// GetScan retrieves scan metadata by ID.
func (p *Postgres) GetScan(ctx context.Context, id string) (*core.Scan, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, target, target_type, status, modules, started_at, ended_at, truncated, failed_calls
		FROM scans WHERE id = $1`, id)
	return scanScanRow(row)
}

// ListScans returns all scans, most recently started first.
func (p *Postgres) ListScans(ctx context.Context) ([]*core.Scan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, target, target_type, status, modules, started_at, ended_at, truncated, failed_calls
		FROM scans ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var out []*core.Scan
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRow(row rowScanner) (*core.Scan, error) {
	var (
		scan    core.Scan
		tt      string
		status  string
		modules []byte
		ended   sql.NullTime
	)
	err := row.Scan(&scan.ID, &scan.Target, &tt, &status, &modules,
		&scan.StartedAt, &ended, &scan.Truncated, &scan.FailedCalls)
	if err == sql.ErrNoRows {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scan row: %w", err)
	}
	scan.TargetType = core.EventType(tt)
	scan.Status = core.ScanStatus(status)
	if ended.Valid {
		scan.EndedAt = ended.Time
	}
	if err := json.Unmarshal(modules, &scan.Modules); err != nil {
		return nil, fmt.Errorf("unmarshaling module list: %w", err)
	}
	return &scan, nil
}

// PutEvent upserts on the (scan_id, hash) constraint. The xmax = 0 check
// distinguishes a fresh insert from a conflict-update in a single statement,
// so the dedup decision is atomic in the database.
func (p *Postgres) PutEvent(ctx context.Context, ev *core.Event) (core.PutResult, error) {
	var inserted bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO events (id, scan_id, type, data, module, source_id, source_hash,
			confidence, visibility, risk, created_at, hash)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
		ON CONFLICT (scan_id, hash) DO UPDATE SET
			confidence = GREATEST(events.confidence, EXCLUDED.confidence),
			visibility = GREATEST(events.visibility, EXCLUDED.visibility),
			created_at = LEAST(events.created_at, EXCLUDED.created_at)
		RETURNING (xmax = 0)`,
		ev.ID, ev.ScanID, string(ev.Type), ev.Data, ev.Module, ev.SourceID,
		ev.SourceHash, ev.Confidence, ev.Visibility, ev.Risk, ev.CreatedAt, ev.Hash).
		Scan(&inserted)
	if err != nil {
		return core.PutMerged, fmt.Errorf("upserting event: %w", err)
	}
	if inserted {
		return core.PutInserted, nil
	}
	return core.PutMerged, nil
}

// Events returns a scan's events ordered by created_at ascending, hash as
// tie-break.
func (p *Postgres) Events(ctx context.Context, scanID string, f Filter) ([]*core.Event, error) {
	q := `
		SELECT id, scan_id, type, data, module, COALESCE(source_id, ''), source_hash,
			confidence, visibility, risk, created_at, hash
		FROM events WHERE scan_id = $1 AND risk >= $2 AND confidence >= $3`
	args := []any{scanID, f.MinRisk, f.MinConfidence}

	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		tj, _ := json.Marshal(types)
		args = append(args, string(tj))
		q += fmt.Sprintf(" AND type IN (SELECT json_array_elements_text($%d::json))", len(args))
	}
	if len(f.Modules) > 0 {
		mj, _ := json.Marshal(f.Modules)
		args = append(args, string(mj))
		q += fmt.Sprintf(" AND module IN (SELECT json_array_elements_text($%d::json))", len(args))
	}
	q += " ORDER BY created_at ASC, hash ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var (
			ev core.Event
			t  string
		)
		if err := rows.Scan(&ev.ID, &ev.ScanID, &t, &ev.Data, &ev.Module,
			&ev.SourceID, &ev.SourceHash, &ev.Confidence, &ev.Visibility,
			&ev.Risk, &ev.CreatedAt, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Type = core.EventType(t)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ConfigSnapshot returns the configuration frozen at scan start.
func (p *Postgres) ConfigSnapshot(ctx context.Context, scanID string) (*core.ConfigSnapshot, error) {
	if snap, ok := p.snapshots.Get(scanID); ok {
		return snap, nil
	}

	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT config FROM scans WHERE id = $1`, scanID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying config snapshot: %w", err)
	}
	snap, err := core.UnmarshalConfigSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling config snapshot: %w", err)
	}
	p.snapshots.Add(scanID, snap)
	return snap, nil
}

// UpsertCorrelation replaces the record keyed by (scan, rule).
func (p *Postgres) UpsertCorrelation(ctx context.Context, c *core.Correlation) error {
	ids, err := json.Marshal(c.EventIDs)
	if err != nil {
		return fmt.Errorf("marshaling event ids: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO correlations (scan_id, rule_id, title, description, risk, event_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scan_id, rule_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			risk = EXCLUDED.risk,
			event_ids = EXCLUDED.event_ids,
			created_at = EXCLUDED.created_at`,
		c.ScanID, c.RuleID, c.Title, c.Description, c.Risk, ids, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting correlation: %w", err)
	}
	return nil
}

// Correlations returns a scan's correlation records ordered by rule ID.
func (p *Postgres) Correlations(ctx context.Context, scanID string) ([]*core.Correlation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scan_id, rule_id, title, description, risk, event_ids, created_at
		FROM correlations WHERE scan_id = $1 ORDER BY rule_id ASC`, scanID)
	if err != nil {
		return nil, fmt.Errorf("querying correlations: %w", err)
	}
	defer rows.Close()

	var out []*core.Correlation
	for rows.Next() {
		var (
			c   core.Correlation
			ids []byte
		)
		if err := rows.Scan(&c.ScanID, &c.RuleID, &c.Title, &c.Description,
			&c.Risk, &ids, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning correlation row: %w", err)
		}
		if err := json.Unmarshal(ids, &c.EventIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling event ids: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ReconcileInterrupted flips scans left running by a dead process to aborted.
func (p *Postgres) ReconcileInterrupted(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE scans SET status = $1, ended_at = NOW() WHERE status = $2`,
		string(core.StatusAborted), string(core.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reconciling interrupted scans: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.logger.Warn().Int64("scans", n).Msg("reconciled interrupted scans to aborted")
	}
	return int(n), nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
