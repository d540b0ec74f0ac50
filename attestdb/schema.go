package attestdb

import "database/sql"

// schema is the idempotent table set from spec section 6, plus the
// pending-envelope side table and the local keymap supplementing
// get_keymap.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	key       TEXT PRIMARY KEY,
	nickname  TEXT NOT NULL,
	genesis   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	hash          TEXT PRIMARY KEY,
	key           TEXT NOT NULL REFERENCES users(key),
	height        INTEGER NOT NULL,
	genesis       TEXT NOT NULL,
	prev          TEXT,
	next_nonce    TEXT NOT NULL,
	sent_time_ms  INTEGER NOT NULL,
	body          BLOB NOT NULL,
	UNIQUE(key, height)
);

CREATE INDEX IF NOT EXISTS messages_genesis_idx ON messages(genesis);
CREATE INDEX IF NOT EXISTS messages_prev_idx ON messages(prev);

CREATE TABLE IF NOT EXISTS pending_envelopes (
	hash     TEXT PRIMARY KEY,
	key      TEXT NOT NULL,
	height   INTEGER NOT NULL,
	genesis  TEXT NOT NULL,
	prev     TEXT,
	body     BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
	pubnonce  TEXT PRIMARY KEY,
	key       TEXT NOT NULL,
	secnonce  BLOB NOT NULL,
	consumed  BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS hidden_services (
	service_url  TEXT PRIMARY KEY,
	added_at_ms  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS keymap (
	key     TEXT PRIMARY KEY,
	secret  BLOB NOT NULL
);
`

// SetupTables creates every table above if it does not already exist. It
// is safe to call on every process start.
func SetupTables(tx *sql.Tx) error {
	_, err := tx.Exec(schema)
	return err
}
