// Package history persists terminal task transitions to SQLite. The write
// path is asynchronous: an event-bus subscription feeds a single writer
// goroutine, so recording history never blocks scheduler workers.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/taskgrid/taskgrid/pkg/monitoring"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// Config holds history store configuration.
type Config struct {
	// DatabasePath is the SQLite file location.
	DatabasePath string

	// BufferSize is the depth of the async write queue. <= 0 selects 512.
	BufferSize int
}

// DefaultConfig returns the default history configuration.
func DefaultConfig() Config {
	return Config{
		DatabasePath: filepath.Join(os.TempDir(), "taskgrid", "history.db"),
		BufferSize:   512,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	final_status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	queue_ns INTEGER NOT NULL DEFAULT 0,
	exec_ns INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(final_status);
CREATE INDEX IF NOT EXISTS idx_task_history_finished ON task_history(finished_at);
`

// Record is one persisted terminal transition.
type Record struct {
	TaskID      scheduler.TaskID
	Description string
	Type        string
	Priority    string
	FinalStatus string
	Attempts    int32
	QueueTime   time.Duration
	ExecTime    time.Duration
	Error       string
	FinishedAt  time.Time
}

// Store writes terminal transitions to SQLite.
type Store struct {
	db     *sql.DB
	cancel func()
	done   chan struct{}

	closeOnce sync.Once
}

// Open creates (or reuses) the history database and starts the async
// writer consuming terminal events from bus.
func Open(cfg Config, bus *monitoring.EventBus) (*Store, error) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultConfig().DatabasePath
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL", cfg.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	events, cancel := bus.SubscribeBuffered(cfg.BufferSize)
	s := &Store{
		db:     db,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.writeLoop(events)

	log.Info().Str("database_path", cfg.DatabasePath).Msg("Task history store opened")
	return s, nil
}

// writeLoop drains the subscription until it closes, persisting terminal
// transitions.
func (s *Store) writeLoop(events <-chan scheduler.TransitionEvent) {
	defer close(s.done)
	for ev := range events {
		if !ev.To.IsTerminal() {
			continue
		}
		if err := s.insert(ev); err != nil {
			log.Error().
				Err(err).
				Uint64("task_id", uint64(ev.TaskID)).
				Msg("Failed to persist task history")
		}
	}
}

func (s *Store) insert(ev scheduler.TransitionEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO task_history
		(task_id, description, task_type, priority, final_status, attempts, queue_ns, exec_ns, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint64(ev.TaskID),
		ev.Description,
		ev.Type,
		ev.Priority.String(),
		ev.To.String(),
		ev.Attempt,
		ev.QueueTime.Nanoseconds(),
		ev.ExecTime.Nanoseconds(),
		ev.Error,
		ev.Timestamp.UTC(),
	)
	return err
}

// Query returns the most recent records, newest first, optionally filtered
// by final status. limit <= 0 selects 100.
func (s *Store) Query(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT task_id, description, task_type, priority, final_status,
		attempts, queue_ns, exec_ns, error, finished_at
		FROM task_history`
	args := []any{}
	if status != "" {
		query += " WHERE final_status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var taskID uint64
		var queueNs, execNs int64
		if err := rows.Scan(&taskID, &r.Description, &r.Type, &r.Priority,
			&r.FinalStatus, &r.Attempts, &queueNs, &execNs, &r.Error, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task history row: %w", err)
		}
		r.TaskID = scheduler.TaskID(taskID)
		r.QueueTime = time.Duration(queueNs)
		r.ExecTime = time.Duration(execNs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history").Scan(&n)
	return n, err
}

// Close cancels the subscription, waits for the writer to drain, and
// closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		err = s.db.Close()
	})
	return err
}
