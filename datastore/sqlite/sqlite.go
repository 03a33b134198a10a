// Package sqlite provides a SQLite-backed tier.Datastore implementation.
//
// Grounded on Morditux-dbsession/sqlite.go: PRAGMAs injected into the DSN so
// they apply to every pooled connection, a sync.Mutex serializing writes to
// avoid SQLITE_BUSY, and prepared statements for each operation. sid is
// stored as the TEXT primary key; because sids begin with a fixed-width,
// zero-padded expiration timestamp (see internal/sid), ordinary TEXT
// comparison gives the lexicographic ordering the reaper's RangeDelete
// relies on (spec §9, reaper ordering trick).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sessionforge/sessionforge/tier"
)

// Datastore is a SQLite-backed tier.Datastore implementation.
type Datastore struct {
	db         *sql.DB
	mu         sync.Mutex
	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	rangeStmt  *sql.Stmt
}

// Config holds configuration for a SQLite-backed Datastore.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// New opens (and, if needed, initializes) a SQLite-backed Datastore with
// default pool sizing.
func New(dsn string) (*Datastore, error) {
	return NewWithConfig(Config{DSN: dsn, MaxOpenConns: 16, MaxIdleConns: 16})
}

func injectPragma(dsn, pragma string) string {
	if strings.Contains(dsn, pragma) {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s", dsn, sep, pragma)
}

// NewWithConfig opens a SQLite-backed Datastore using explicit configuration.
func NewWithConfig(cfg Config) (*Datastore, error) {
	dsn := injectPragma(cfg.DSN, "synchronous=NORMAL")
	dsn = injectPragma(dsn, "busy_timeout=5000")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite datastore: failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to enable WAL mode: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		sid TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to create sessions table: %w", err)
	}

	d := &Datastore{db: db}
	if d.getStmt, err = db.Prepare("SELECT payload FROM sessions WHERE sid = ?"); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to prepare get statement: %w", err)
	}
	if d.putStmt, err = db.Prepare(`
		INSERT INTO sessions (sid, payload) VALUES (?, ?)
		ON CONFLICT(sid) DO UPDATE SET payload = excluded.payload
	`); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to prepare put statement: %w", err)
	}
	if d.deleteStmt, err = db.Prepare("DELETE FROM sessions WHERE sid = ?"); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to prepare delete statement: %w", err)
	}
	if d.rangeStmt, err = db.Prepare("SELECT sid FROM sessions WHERE sid < ? ORDER BY sid LIMIT ?"); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite datastore: failed to prepare range statement: %w", err)
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
		return nil, fmt.Errorf("sqlite datastore: get failed: %w", err)
	}
	return payload, nil
}

// Put implements tier.Datastore.
func (d *Datastore) Put(ctx context.Context, sidVal string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.putStmt.ExecContext(ctx, sidVal, payload); err != nil {
		return fmt.Errorf("sqlite datastore: put failed: %w", err)
	}
	return nil
}

// Delete implements tier.Datastore.
func (d *Datastore) Delete(ctx context.Context, sidVal string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.deleteStmt.ExecContext(ctx, sidVal); err != nil {
		return fmt.Errorf("sqlite datastore: delete failed: %w", err)
	}
	return nil
}

// RangeDelete implements tier.Datastore.
func (d *Datastore) RangeDelete(ctx context.Context, upperBound string, batch int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.rangeStmt.QueryContext(ctx, upperBound, batch)
	if err != nil {
		return 0, fmt.Errorf("sqlite datastore: range query failed: %w", err)
	}
	var sids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite datastore: range scan failed: %w", err)
		}
		sids = append(sids, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlite datastore: range iteration failed: %w", err)
	}
	rows.Close()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite datastore: begin tx failed: %w", err)
	}
	defer tx.Rollback()
	stmt := tx.StmtContext(ctx, d.deleteStmt)
	for _, s := range sids {
		if _, err := stmt.ExecContext(ctx, s); err != nil {
			return 0, fmt.Errorf("sqlite datastore: batch delete failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite datastore: commit failed: %w", err)
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
