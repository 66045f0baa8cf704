package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if needed) the database at path. The special path
// ":memory:" yields a private in-memory database, capped to one connection
// so the pool does not silently hand out empty databases.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	mem := path == ":memory:"
	if !mem {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	// pragmas via DSN
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	if mem {
		dsn = "file::memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if mem {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	const schema = `
-- One row per configuration document source. hash is the BLAKE3 content
-- hash of the last applied document. parent_id forms a tree; the apply
-- transaction rejects chains that would close a cycle.
CREATE TABLE IF NOT EXISTS directory (
	dir_id      BLOB NOT NULL PRIMARY KEY,
	parent_id   BLOB,
	kind        TEXT NOT NULL,
	url         TEXT NOT NULL,
	hash        BLOB NOT NULL,
	deployed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- Label registry for every object declared by a document. Lets a re-applied
-- document keep stable IDs for objects whose label and kind are unchanged.
CREATE TABLE IF NOT EXISTS obj_label (
	dir_id BLOB NOT NULL,
	obj_id BLOB NOT NULL,
	kind   TEXT NOT NULL,
	label  TEXT NOT NULL,
	PRIMARY KEY (obj_id),
	UNIQUE (dir_id, kind, label)
);

-- Encrypted entity identifiers (usernames, emails, linked accounts).
-- fingerprint is a keyed BLAKE3 hash of the plaintext for exact lookup.
CREATE TABLE IF NOT EXISTS ent_ident (
	dir_id      BLOB NOT NULL,
	eid         BLOB NOT NULL,
	prop_id     BLOB NOT NULL,
	fingerprint BLOB NOT NULL,
	nonce       BLOB NOT NULL,
	ciph        BLOB NOT NULL,
	PRIMARY KEY (eid, prop_id)
);

CREATE INDEX IF NOT EXISTS idx_ent_ident_fp ON ent_ident(prop_id, fingerprint);

-- Plaintext text attributes (password hashes, hostnames).
CREATE TABLE IF NOT EXISTS obj_text_attr (
	dir_id  BLOB NOT NULL,
	obj_id  BLOB NOT NULL,
	prop_id BLOB NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (obj_id, prop_id)
);

-- Attribute assignments: entity eid carries attribute attrid.
CREATE TABLE IF NOT EXISTS ent_attr (
	dir_id BLOB NOT NULL,
	eid    BLOB NOT NULL,
	attrid BLOB NOT NULL,
	PRIMARY KEY (eid, attrid)
);

-- Entity relations (group membership and other relation properties).
CREATE TABLE IF NOT EXISTS ent_rel (
	dir_id      BLOB NOT NULL,
	rel_id      BLOB NOT NULL,
	subject_eid BLOB NOT NULL,
	object_eid  BLOB NOT NULL,
	PRIMARY KEY (rel_id, subject_eid, object_eid)
);

CREATE INDEX IF NOT EXISTS idx_ent_rel_subject ON ent_rel(subject_eid);

-- Service registry.
CREATE TABLE IF NOT EXISTS svc (
	dir_id  BLOB NOT NULL,
	svc_eid BLOB NOT NULL,
	PRIMARY KEY (svc_eid)
);

-- Which namespaces a service may reference in policies and lookups.
CREATE TABLE IF NOT EXISTS svc_namespace (
	dir_id  BLOB NOT NULL,
	svc_eid BLOB NOT NULL,
	ns_id   BLOB NOT NULL,
	PRIMARY KEY (svc_eid, ns_id)
);

-- Declared properties. kind is 'entity' or 'resource'.
CREATE TABLE IF NOT EXISTS prop (
	dir_id BLOB NOT NULL,
	id     BLOB NOT NULL,
	ns_id  BLOB NOT NULL,
	kind   TEXT NOT NULL,
	label  TEXT NOT NULL,
	PRIMARY KEY (id),
	UNIQUE (ns_id, kind, label)
);

-- Declared attributes of a property.
CREATE TABLE IF NOT EXISTS attr (
	dir_id  BLOB NOT NULL,
	id      BLOB NOT NULL,
	prop_id BLOB NOT NULL,
	label   TEXT NOT NULL,
	PRIMARY KEY (id),
	UNIQUE (prop_id, label)
);

-- Compiled policies. code is the deterministic opcode blob.
CREATE TABLE IF NOT EXISTS policy (
	dir_id BLOB NOT NULL,
	id     BLOB NOT NULL,
	label  TEXT NOT NULL,
	code   BLOB NOT NULL,
	PRIMARY KEY (id)
);

-- Policy binding matcher set: every attr_id must be present on the union
-- of subject and resource attributes for the binding to apply.
CREATE TABLE IF NOT EXISTS polbind_attr_match (
	dir_id     BLOB NOT NULL,
	polbind_id BLOB NOT NULL,
	attr_id    BLOB NOT NULL,
	PRIMARY KEY (polbind_id, attr_id)
);

-- Policies triggered by a binding.
CREATE TABLE IF NOT EXISTS polbind_policy (
	dir_id     BLOB NOT NULL,
	polbind_id BLOB NOT NULL,
	policy_id  BLOB NOT NULL,
	PRIMARY KEY (polbind_id, policy_id)
);

-- Authenticated sessions. token is 32 random bytes, expires_at is Unix
-- nanoseconds.
CREATE TABLE IF NOT EXISTS session (
	token      BLOB NOT NULL PRIMARY KEY,
	eid        BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_expires ON session(expires_at);

-- Master key versions that have wrapped at least one DEK.
CREATE TABLE IF NOT EXISTS cr_master_version (
	version    TEXT NOT NULL PRIMARY KEY,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

-- Per-property wrapped DEKs.
CREATE TABLE IF NOT EXISTS cr_prop_dek (
	prop_id    BLOB NOT NULL PRIMARY KEY,
	master_id  TEXT NOT NULL,
	nonce      BLOB NOT NULL,
	ciph       BLOB NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	// Backward-compatible upgrade for existing databases (adds missing columns).
	if err := ensureColumn(db, "cr_prop_dek", "master_id", "master_id TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(db, "directory", "parent_id", "parent_id BLOB"); err != nil {
		return err
	}

	return nil
}

func ensureColumn(db *sql.DB, table, col, ddl string) error {
	cols, err := tableColumns(db, table)
	if err != nil {
		return err
	}
	if cols[col] {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", table, ddl))
	return err
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name      string
			type_     string
			notnull   int
			dfltValue *string
			pk        int
		)
		if err := rows.Scan(&cid, &name, &type_, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}
