// Package audit implements the security event log the dispatcher and
// connection manager write to: auth successes/failures, rate-limit
// trips, and other events worth a durable record. Writes are batched
// onto a background goroutine so a slow database never blocks a
// connection's hot path. See SPEC_FULL.md's ambient-stack section.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/metrics"
)

// EventType is a closed-ish vocabulary of security-relevant occurrences;
// callers may pass any string, these are just the ones the dispatcher
// and connection manager emit today.
type EventType string

const (
	EventAuthSuccess      EventType = "auth_success"
	EventAuthFailure      EventType = "auth_failure"
	EventRateLimited      EventType = "rate_limited"
	EventConnectionOpened EventType = "connection_opened"
	EventConnectionClosed EventType = "connection_closed"
	EventInvalidRequest   EventType = "invalid_request"
)

// Event is one row of the audit log.
type Event struct {
	ID        uuid.UUID
	EventType EventType
	ClientID  string
	Detail    string
	Timestamp time.Time
}

// Config tunes the batching behavior.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig matches the teacher's audit logger defaults, scaled
// down for a single-process deployment.
func DefaultConfig() Config {
	return Config{
		QueueSize:     10000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger batches Events onto db via a background writer goroutine.
// Satisfies connmanager/dispatcher's AuditLogger interface through
// LogEvent.
type Logger struct {
	db     *sql.DB
	config Config

	queue    chan Event
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	failCount int
}

// New creates a Logger and starts its background batch writer. db must
// already have the security_audit_log table (see Migrate).
func New(db *sql.DB) *Logger {
	return NewWithConfig(db, DefaultConfig())
}

// NewWithConfig is New with explicit batching parameters.
func NewWithConfig(db *sql.DB, config Config) *Logger {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}

	l := &Logger{
		db:       db,
		config:   config,
		queue:    make(chan Event, config.QueueSize),
		shutdown: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.batchWriter()
	return l
}

// Migrate creates the security_audit_log table if it doesn't exist.
// Works against both lib/pq's Postgres dialect and mattn/go-sqlite3 —
// the column set is intentionally simple enough that both accept the
// same DDL.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS security_audit_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			client_id TEXT NOT NULL,
			detail TEXT,
			timestamp TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// LogEvent queues a new event for the background writer. Never blocks
// the caller on the database: if the queue is full the event is
// dropped and logged to stderr, matching spec.md §5's backpressure
// rule that a slow sink degrades gracefully rather than stalling a
// connection's hot path.
func (l *Logger) LogEvent(eventType, clientID, detail string) {
	event := Event{
		ID:        uuid.New(),
		EventType: EventType(eventType),
		ClientID:  clientID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	select {
	case l.queue <- event:
		metrics.AuditQueueDepth.Set(float64(len(l.queue)))
	default:
		l.recordDrop()
	}
}

func (l *Logger) recordDrop() {
	l.mu.Lock()
	l.failCount++
	n := l.failCount
	l.mu.Unlock()
	metrics.AuditDroppedEventsTotal.Inc()
	if n%100 == 1 {
		log.Printf("[AUDIT] queue full, dropping events (%d dropped so far)", n)
	}
}

func (l *Logger) batchWriter() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			log.Printf("[AUDIT] batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			metrics.AuditQueueDepth.Set(float64(len(l.queue)))
			if len(batch) >= l.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.shutdown:
			flush()
			return
		}
	}
}

func (l *Logger) writeBatch(events []Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin batch: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO security_audit_log (id, event_type, client_id, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(e.ID.String(), string(e.EventType), e.ClientID, e.Detail, e.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("audit: insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit batch: %w", err)
	}
	metrics.AuditEventsProcessedTotal.Add(float64(len(events)))
	return nil
}

// Query returns the most recent events for clientID, newest first.
func (l *Logger) Query(clientID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`
		SELECT id, event_type, client_id, detail, timestamp
		FROM security_audit_log
		WHERE client_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var idStr, ts string
		if err := rows.Scan(&idStr, &e.EventType, &e.ClientID, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if id, err := uuid.Parse(idStr); err == nil {
			e.ID = id
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Shutdown flushes any queued events and stops the background writer,
// waiting up to timeout.
func (l *Logger) Shutdown(timeout time.Duration) error {
	close(l.queue)
	close(l.shutdown)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit: shutdown timed out after %v", timeout)
	}
}
