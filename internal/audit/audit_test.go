package audit

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := "test_audit_" + t.Name() + ".db"
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	require.NoError(t, Migrate(db))
	return db
}

func TestLogEventIsPersistedAfterFlush(t *testing.T) {
	db := newTestDB(t)
	l := NewWithConfig(db, Config{QueueSize: 10, BatchSize: 1, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { l.Shutdown(time.Second) })

	l.LogEvent(string(EventAuthSuccess), "client-1", "pubkey-abc")

	require.Eventually(t, func() bool {
		events, err := l.Query("client-1", 10)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownFlushesQueuedEvents(t *testing.T) {
	db := newTestDB(t)
	l := NewWithConfig(db, Config{QueueSize: 10, BatchSize: 100, FlushInterval: time.Hour})

	l.LogEvent(string(EventAuthFailure), "client-2", "bad-sig")
	require.NoError(t, l.Shutdown(time.Second))

	events, err := l.Query("client-2", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAuthFailure, events[0].EventType)
}

func TestQueryOrdersNewestFirst(t *testing.T) {
	db := newTestDB(t)
	l := NewWithConfig(db, Config{QueueSize: 10, BatchSize: 1, FlushInterval: 5 * time.Millisecond})
	t.Cleanup(func() { l.Shutdown(time.Second) })

	l.LogEvent(string(EventConnectionOpened), "client-3", "first")
	time.Sleep(15 * time.Millisecond)
	l.LogEvent(string(EventConnectionClosed), "client-3", "second")

	require.Eventually(t, func() bool {
		events, err := l.Query("client-3", 10)
		return err == nil && len(events) == 2
	}, time.Second, 10*time.Millisecond)

	events, err := l.Query("client-3", 10)
	require.NoError(t, err)
	assert.Equal(t, EventConnectionClosed, events[0].EventType)
	assert.Equal(t, EventConnectionOpened, events[1].EventType)
}

func TestLogEventDropsWhenQueueFull(t *testing.T) {
	db := newTestDB(t)
	l := NewWithConfig(db, Config{QueueSize: 1, BatchSize: 100, FlushInterval: time.Hour})
	t.Cleanup(func() { l.Shutdown(time.Second) })

	for i := 0; i < 20; i++ {
		l.LogEvent(string(EventRateLimited), "client-4", "spam")
	}
	// No assertion on exact count survives the race between the writer
	// goroutine draining the queue and this loop filling it; the
	// contract under test is only that LogEvent never blocks.
}
