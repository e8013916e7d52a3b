// Package archive spills retired event-log entries to SQLite so debug reads
// can page past the in-memory window. Writes happen off the hot path, on a
// single background goroutine; losing the archive never affects replay
// semantics, which are defined over the retained window only.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/simonstaton/claudeswarm/pkg/events"
)

const schema = `CREATE TABLE IF NOT EXISTS agent_events (
	agent_id   TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (agent_id, idx)
)`

// writeQueueDepth bounds pending spill batches before Enqueue drops.
const writeQueueDepth = 256

type batch struct {
	agentID string
	entries []events.Entry
}

// Store is the SQLite-backed event archive.
type Store struct {
	db *sql.DB

	queue chan batch
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Open creates or opens the archive database at path and starts the writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event archive: %w", err)
	}
	// modernc/sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event archive schema: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan batch, writeQueueDepth),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Enqueue hands a batch of evicted entries to the background writer. Never
// blocks the caller: when the queue is full the batch is dropped with a
// warning (the archive is best-effort).
func (s *Store) Enqueue(agentID string, entries []events.Entry) {
	if len(entries) == 0 {
		return
	}
	select {
	case s.queue <- batch{agentID: agentID, entries: entries}:
	default:
		slog.Warn("Event archive queue full, dropping batch",
			"agent_id", agentID, "count", len(entries))
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for b := range s.queue {
		if err := s.write(b); err != nil {
			slog.Error("Event archive write failed",
				"agent_id", b.agentID, "count", len(b.entries), "error", err)
		}
	}
}

func (s *Store) write(b batch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO agent_events (agent_id, idx, payload) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, e := range b.entries {
		payload, err := json.Marshal(map[string]any(e.Event))
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(b.agentID, e.Index, string(payload)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}
	_ = stmt.Close()
	return tx.Commit()
}

// Count returns how many archived events exist for the agent.
func (s *Store) Count(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_events WHERE agent_id = ?`, agentID).Scan(&n)
	return n, err
}

// Range returns archived entries with idx >= from, ascending, up to limit.
func (s *Store) Range(ctx context.Context, agentID string, from, limit int) ([]events.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, payload FROM agent_events WHERE agent_id = ? AND idx >= ? ORDER BY idx LIMIT ?`,
		agentID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Entry
	for rows.Next() {
		var idx int
		var payload string
		if err := rows.Scan(&idx, &payload); err != nil {
			return nil, err
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		out = append(out, events.Entry{Index: idx, Event: events.Event(ev)})
	}
	return out, rows.Err()
}

// Close stops the writer, flushes the queue, and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
