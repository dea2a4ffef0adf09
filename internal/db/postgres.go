package db

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDB wraps the connection pool backing the audit log. Every
// other table the teacher's schema defined (users, devices, groups,
// friends, sessions, PIN/TOTP secrets, sealed-sender certificates)
// belonged to the REST chat API this build replaces; the only durable
// store this server keeps is internal/audit's append-only event log,
// so this wrapper is trimmed to exactly the connection-pool setup that
// serves it.
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB opens a pooled connection, grounded on the teacher's
// pool sizing (max open/idle conns, conn lifetime) and ping-on-connect
// check.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresDB{db: db}, nil
}

// Close closes the database connection.
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// GetDB returns the underlying *sql.DB, consumed by internal/audit for
// migrations and batched writes.
func (p *PostgresDB) GetDB() *sql.DB {
	return p.db
}
