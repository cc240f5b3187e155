package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	_ "modernc.org/sqlite"
)

// Run is the audit row for one correlation id.
type Run struct {
	CorrelationID string
	Source        string
	Channel       string
	Outcome       string
	CreatedAt     time.Time
}

// Event is one recorded attempt or run record.
type Event struct {
	ID            int64
	CorrelationID string
	Type          string
	Stage         string
	Outcome       string
	Attempt       int
	LatencyMS     int64
	Error         string
	Payload       []byte
	CreatedAt     time.Time
}

// Store is an optional SQLite audit trail of pipeline events. The pipeline
// only writes to it; in ephemeral mode every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

// Enabled reports whether writes reach a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    correlation_id TEXT PRIMARY KEY,
    source TEXT,
    channel TEXT,
    outcome TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    event_type TEXT,
    stage TEXT,
    outcome TEXT,
    attempt INTEGER,
    latency_ms INTEGER,
    error TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(correlation_id) REFERENCES runs(correlation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(correlation_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun ensures a run row exists and records its latest outcome.
func (s *Store) AppendRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(correlation_id, source, channel, outcome, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(correlation_id) DO UPDATE SET
		   source=COALESCE(NULLIF(excluded.source, ''), runs.source),
		   channel=COALESCE(NULLIF(excluded.channel, ''), runs.channel),
		   outcome=COALESCE(NULLIF(excluded.outcome, ''), runs.outcome)`,
		run.CorrelationID, run.Source, run.Channel, run.Outcome, run.CreatedAt)
	return err
}

// AppendEvent writes an event, creating its run row when missing.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CorrelationID == "" {
		return errors.New("event without correlation id")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(correlation_id, created_at) VALUES(?, ?) ON CONFLICT(correlation_id) DO NOTHING`,
		evt.CorrelationID, evt.CreatedAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(correlation_id, event_type, stage, outcome, attempt, latency_ms, error, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.CorrelationID, evt.Type, evt.Stage, evt.Outcome, evt.Attempt, evt.LatencyMS, evt.Error, evt.Payload, evt.CreatedAt)
	return err
}

// ListRunEvents retrieves up to limit events for a run ordered ascending by time.
func (s *Store) ListRunEvents(ctx context.Context, correlationID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, event_type, stage, outcome, attempt, latency_ms, error, payload, created_at
		 FROM events WHERE correlation_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.Type, &e.Stage, &e.Outcome, &e.Attempt, &e.LatencyMS, &e.Error, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE correlation_id IN (
			SELECT correlation_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if !s.Enabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
