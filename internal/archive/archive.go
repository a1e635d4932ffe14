// Package archive keeps frozen recording sessions and their marker logs in
// SQLite.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"capsync/internal/coordinator"
	"capsync/internal/marker"
	"capsync/internal/model"
	"capsync/internal/registry"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    started_at  INTEGER NOT NULL,
    stopped_at  INTEGER NOT NULL,
    endpoints   TEXT NOT NULL,
    archived_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS markers (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    ordinal     INTEGER NOT NULL,
    marker_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    local_ts    INTEGER NOT NULL,
    master_ts   INTEGER NOT NULL,
    PRIMARY KEY (session_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_markers_marker ON markers(marker_id);

CREATE TABLE IF NOT EXISTS skews (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    marker_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    devices     INTEGER NOT NULL,
    max_skew_ms INTEGER NOT NULL,
    precise     INTEGER NOT NULL,
    pairs       TEXT NOT NULL,
    PRIMARY KEY (session_id, marker_id)
);
`

// Summary is one row of ListSessions.
type Summary struct {
	ID        string `json:"id"`
	StartedAt int64  `json:"started_at"`
	StoppedAt int64  `json:"stopped_at"`
	Endpoints int    `json:"endpoints"`
	Markers   int    `json:"markers"`
	MaxSkewMs int64  `json:"max_skew_ms"`
}

// Archive is the SQLite session store.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

var _ coordinator.SessionSink = (*Archive)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db, now: time.Now}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// SaveSession stores a frozen session, replacing any earlier copy with the
// same id.
func (a *Archive) SaveSession(ctx context.Context, s coordinator.Session) error {
	endpoints, err := json.Marshal(s.Endpoints)
	if err != nil {
		return fmt.Errorf("encode endpoints: %w", err)
	}
	kinds := kindsByMarker(s.Markers)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, s.ID); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, stopped_at, endpoints, archived_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt, s.StoppedAt, string(endpoints), a.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	mstmt, err := tx.PrepareContext(ctx, `
		INSERT INTO markers (session_id, ordinal, marker_id, kind, device_id, local_ts, master_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer mstmt.Close()
	for i, ev := range s.Markers {
		if _, err := mstmt.ExecContext(ctx, s.ID, i, ev.MarkerID, string(ev.Kind), ev.DeviceID, ev.LocalTimestamp, ev.MasterTimestamp); err != nil {
			return fmt.Errorf("insert marker: %w", err)
		}
	}

	sstmt, err := tx.PrepareContext(ctx, `
		INSERT INTO skews (session_id, marker_id, kind, devices, max_skew_ms, precise, pairs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer sstmt.Close()
	for _, sk := range s.Skews {
		pairs, err := json.Marshal(sk.Pairs)
		if err != nil {
			return fmt.Errorf("encode pairs: %w", err)
		}
		if _, err := sstmt.ExecContext(ctx, s.ID, sk.MarkerID, kinds[sk.MarkerID], sk.Devices, sk.MaxSkewMs, sk.Precise, string(pairs)); err != nil {
			return fmt.Errorf("insert skew: %w", err)
		}
	}

	return tx.Commit()
}

// ListSessions returns archived sessions, newest first.
func (a *Archive) ListSessions(ctx context.Context) ([]Summary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.stopped_at, s.endpoints,
		       (SELECT COUNT(*) FROM markers m WHERE m.session_id = s.id),
		       COALESCE((SELECT MAX(max_skew_ms) FROM skews k WHERE k.session_id = s.id), 0)
		FROM sessions s
		ORDER BY s.started_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var endpoints string
		if err := rows.Scan(&sum.ID, &sum.StartedAt, &sum.StoppedAt, &endpoints, &sum.Markers, &sum.MaxSkewMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var eps []registry.Endpoint
		if err := json.Unmarshal([]byte(endpoints), &eps); err != nil {
			return nil, fmt.Errorf("decode endpoints of %s: %w", sum.ID, err)
		}
		sum.Endpoints = len(eps)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSession loads one archived session with its markers and skews.
func (a *Archive) GetSession(ctx context.Context, id string) (coordinator.Session, error) {
	var s coordinator.Session
	var endpoints string
	err := a.db.QueryRowContext(ctx,
		`SELECT id, started_at, stopped_at, endpoints FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.StartedAt, &s.StoppedAt, &endpoints)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.Session{}, ErrNotFound
	}
	if err != nil {
		return coordinator.Session{}, fmt.Errorf("query session: %w", err)
	}
	if err := json.Unmarshal([]byte(endpoints), &s.Endpoints); err != nil {
		return coordinator.Session{}, fmt.Errorf("decode endpoints: %w", err)
	}

	if s.Markers, err = a.markers(ctx, id); err != nil {
		return coordinator.Session{}, err
	}
	if s.Skews, err = a.skews(ctx, id); err != nil {
		return coordinator.Session{}, err
	}
	return s, nil
}

func (a *Archive) markers(ctx context.Context, sessionID string) ([]marker.Event, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT marker_id, kind, device_id, local_ts, master_ts
		FROM markers WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var out []marker.Event
	for rows.Next() {
		var ev marker.Event
		var kind string
		if err := rows.Scan(&ev.MarkerID, &kind, &ev.DeviceID, &ev.LocalTimestamp, &ev.MasterTimestamp); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		ev.Kind = marker.Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (a *Archive) skews(ctx context.Context, sessionID string) ([]marker.Skew, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT marker_id, devices, max_skew_ms, precise, pairs
		FROM skews WHERE session_id = ? ORDER BY marker_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query skews: %w", err)
	}
	defer rows.Close()

	var out []marker.Skew
	for rows.Next() {
		var sk marker.Skew
		var pairs string
		if err := rows.Scan(&sk.MarkerID, &sk.Devices, &sk.MaxSkewMs, &sk.Precise, &pairs); err != nil {
			return nil, fmt.Errorf("scan skew: %w", err)
		}
		if err := json.Unmarshal([]byte(pairs), &sk.Pairs); err != nil {
			return nil, fmt.Errorf("decode pairs: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// SkewMetrics flattens the skews of sessions started at or after since into
// metric records for summarizing.
func (a *Archive) SkewMetrics(ctx context.Context, since time.Time) ([]model.SkewMetric, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT s.started_at, k.session_id, k.marker_id, k.kind, k.devices, k.max_skew_ms, k.precise
		FROM skews k JOIN sessions s ON s.id = k.session_id
		WHERE s.started_at >= ?
		ORDER BY s.started_at, k.marker_id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query skews: %w", err)
	}
	defer rows.Close()

	var out []model.SkewMetric
	for rows.Next() {
		var m model.SkewMetric
		var started int64
		if err := rows.Scan(&started, &m.SessionID, &m.MarkerID, &m.Kind, &m.Devices, &m.MaxSkewMs, &m.Precise); err != nil {
			return nil, fmt.Errorf("scan skew: %w", err)
		}
		m.Timestamp = time.UnixMilli(started)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its markers.
func (a *Archive) DeleteSession(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func kindsByMarker(events []marker.Event) map[string]string {
	out := make(map[string]string, len(events))
	for _, ev := range events {
		if _, ok := out[ev.MarkerID]; !ok {
			out[ev.MarkerID] = string(ev.Kind)
		}
	}
	return out
}
