// Package postgres provides a PostgreSQL-backed tier.Datastore implementation.
//
// Grounded on Morditux-dbsession/postgres.go: connection pool configuration,
// an upsert via ON CONFLICT for Put, and prepared statements per operation.
// As with the sqlite backend, sid's fixed-width, zero-padded expiration
// prefix makes ordinary TEXT ordering serve the reaper's range-delete sweep.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sessionforge/sessionforge/tier"
)

// Datastore is a PostgreSQL-backed tier.Datastore implementation.
type Datastore struct {
	db         *sql.DB
	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	rangeStmt  *sql.Stmt
}

// Config holds configuration for a PostgreSQL-backed Datastore.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens (and, if needed, initializes) a PostgreSQL-backed Datastore with
// default connection pool sizing.
func New(dsn string) (*Datastore, error) {
	return NewWithConfig(Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
}

// NewWithConfig opens a PostgreSQL-backed Datastore using explicit
// configuration.
func NewWithConfig(cfg Config) (*Datastore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres datastore: failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres datastore: failed to ping database: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		sid TEXT PRIMARY KEY,
		payload BYTEA NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres datastore: failed to create sessions table: %w", err)
	}

	d := &Datastore{db: db}
	if d.getStmt, err = db.Prepare("SELECT payload FROM sessions WHERE sid = $1"); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres datastore: failed to prepare get statement: %w", err)
	}
	if d.putStmt, err = db.Prepare(`
		INSERT INTO sessions (sid, payload) VALUES ($1, $2)
		ON CONFLICT (sid) DO UPDATE SET payload = EXCLUDED.payload
	`); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres datastore: failed to prepare put statement: %w", err)
	}
	if d.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE sid = $1"); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres datastore: failed to prepare delete statement: %w", err)
	}
	if d.rangeStmt, err = db.Prepare("SELECT sid FROM sessions WHERE sid < $1 ORDER BY sid LIMIT $2"); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres datastore: failed to prepare range statement: %w", err)
	}
	return d, nil
}

// Get implements tier.Datastore.
func (d *Datastore) Get(ctx context.Context, sidVal string) ([]byte, error) {
	var payload []byte
	err := d.getStmt.QueryRowContext(ctx, sidVal).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres datastore: get failed: %w", err)
	}
	return payload, nil
}

// Put implements tier.Datastore.
func (d *Datastore) Put(ctx context.Context, sidVal string, payload []byte) error {
	if _, err := d.putStmt.ExecContext(ctx, sidVal, payload); err != nil {
		return fmt.Errorf("postgres datastore: put failed: %w", err)
	}
	return nil
}

// Delete implements tier.Datastore.
func (d *Datastore) Delete(ctx context.Context, sidVal string) error {
	if _, err := d.deleteStmt.ExecContext(ctx, sidVal); err != nil {
		return fmt.Errorf("postgres datastore: delete failed: %w", err)
	}
	return nil
}

// RangeDelete implements tier.Datastore.
func (d *Datastore) RangeDelete(ctx context.Context, upperBound string, batch int) (int, error) {
	rows, err := d.rangeStmt.QueryContext(ctx, upperBound, batch)
	if err != nil {
		return 0, fmt.Errorf("postgres datastore: range query failed: %w", err)
	}
	var sids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres datastore: range scan failed: %w", err)
		}
		sids = append(sids, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("postgres datastore: range iteration failed: %w", err)
	}
	rows.Close()
	if len(sids) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres datastore: begin tx failed: %w", err)
	}
	defer tx.Rollback()
	stmt := tx.StmtContext(ctx, d.deleteStmt)
	for _, s := range sids {
		if _, err := stmt.ExecContext(ctx, s); err != nil {
			return 0, fmt.Errorf("postgres datastore: batch delete failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres datastore: commit failed: %w", err)
	}
	return len(sids), nil
}

// Close closes the underlying database handle and prepared statements.
func (d *Datastore) Close() error {
	if d.getStmt != nil {
		d.getStmt.Close()
	}
	if d.putStmt != nil {
		d.putStmt.Close()
	}
	if d.deleteStmt != nil {
		d.deleteStmt.Close()
	}
	if d.rangeStmt != nil {
		d.rangeStmt.Close()
	}
	return d.db.Close()
}
