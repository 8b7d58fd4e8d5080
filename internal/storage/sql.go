package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens dsn with driver ("sqlite3" or "postgres") and migrates
// the schema
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty %s DSN", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == "sqlite3" {
		// one writer; avoids SQLITE_BUSY inside transactions
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob, ts := "BLOB", "TIMESTAMP"
	if s.driver == "postgres" {
		blob, ts = "BYTEA", "TIMESTAMPTZ"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dev_nonces (
			dev_eui    TEXT PRIMARY KEY,
			last_nonce INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS uplinks (
			id             TEXT PRIMARY KEY,
			cycle_id       TEXT NOT NULL,
			dev_eui        TEXT NOT NULL,
			f_port         INTEGER NOT NULL,
			payload        ` + blob + ` NOT NULL,
			confirmed      BOOLEAN NOT NULL,
			transmitted_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uplinks_dev_eui ON uplinks (dev_eui, transmitted_at)`,
		`CREATE TABLE IF NOT EXISTS join_attempts (
			id         TEXT PRIMARY KEY,
			cycle_id   TEXT NOT NULL,
			dev_eui    TEXT NOT NULL,
			accepted   BOOLEAN NOT NULL,
			failures   INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_join_attempts_dev_eui ON join_attempts (dev_eui, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, rolling back on error
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
