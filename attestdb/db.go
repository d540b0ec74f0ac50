// Package attestdb is the message database: a SQLite-backed store of
// signed envelope chains, reachable only through an exclusively locked
// handle so that multi-step mutations (nonce consumption, insertion, tip
// recomputation) compose without racing one another.
package attestdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tos-network/attest/log"
)

// DB is one opened attestations store. All access goes through Begin,
// which serializes every caller behind a single mutex matching the
// tokio::sync::Mutex<Connection> pattern the original implementation
// used: one exclusive lock around the one underlying connection.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
	path string
}

// Handle is an exclusively held, transaction-scoped view of the database.
// It must be closed by exactly one of Commit or Rollback, which releases
// the DB's lock regardless of outcome.
type Handle struct {
	db *DB
	tx *sql.Tx
}

// Begin acquires the database's exclusive lock and opens a transaction.
// The caller must call Commit or Rollback on the returned Handle exactly
// once; until then every other caller of Begin blocks.
func (d *DB) Begin(ctx context.Context) (*Handle, error) {
	d.mu.Lock()
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	return &Handle{db: d, tx: tx}, nil
}

// Commit commits the handle's transaction and releases the database lock.
func (h *Handle) Commit() error {
	defer h.db.mu.Unlock()
	return h.tx.Commit()
}

// Rollback aborts the handle's transaction and releases the database lock.
func (h *Handle) Rollback() error {
	defer h.db.mu.Unlock()
	return h.tx.Rollback()
}

// Close is the underlying *sql.DB's Close, not a Handle release; it shuts
// the whole database down and should only be called at process exit.
func (d *DB) Close() error { return d.conn.Close() }

// SetupDBAt opens (creating if absent) dir/name.sqlite3, creating dir with
// 0o700 permissions if it does not exist, and runs SetupTables.
func SetupDBAt(dir, name string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name+".sqlite3")

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path}
	h, err := db.Begin(context.Background())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := SetupTables(h.tx); err != nil {
		h.Rollback()
		conn.Close()
		return nil, err
	}
	if err := h.Commit(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("attestdb: opened store", "path", path)
	return db, nil
}

// SetupDB opens "attestations.sqlite3" in prefix/application, creating
// that directory if needed. It does not look up a platform data
// directory: prefix is used as given.
func SetupDB(application, prefix string) (*DB, error) {
	dataDir := filepath.Join(prefix, application)
	return SetupDBAt(dataDir, "attestations")
}
