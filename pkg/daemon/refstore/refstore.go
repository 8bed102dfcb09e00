// Package refstore is a reference daemon.Handlers implementation backed by
// SQLite. It exists to give the wire protocol something real to talk to:
// path metadata, references and signatures persist across restarts, and
// NAR bodies are integrity-checked with a multihash digest computed at
// ingest time and re-checked on VerifyStore.
//
// It does not build anything. BuildPaths, BuildPathsWithResults,
// BuildDerivation and EnsurePath all return ErrBuildingNotSupported: this
// store only ever receives paths that some other builder or substituter
// already produced, the same way a binary-cache-backed store would.
package refstore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// ErrBuildingNotSupported is returned by every Handlers method that would
// require actually building a derivation.
var ErrBuildingNotSupported = errors.New("refstore: building derivations is not supported")

// ErrNotFound is returned internally when a lookup by store path or
// output ID finds nothing; callers translate it into whatever empty-result
// shape each Handlers method's reply expects rather than surfacing it to
// the wire protocol.
var ErrNotFound = errors.New("refstore: not found")

// Store is a SQLite-backed reference store. The zero value is not usable;
// construct one with Open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// applies the schema migrations. Use ":memory:" for a throwaway store,
// the same convention database/sql's sqlite3 driver itself uses.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("refstore: open %s: %w", path, err)
	}

	// A NAR body can be tens of gigabytes; AddMultipleToStore ingests many
	// of them on one connection, so keep it single-threaded against SQLite
	// rather than letting database/sql hand out a second pooled connection
	// that would see a half-written transaction.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()

		return nil, fmt.Errorf("refstore: migrate %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

//nolint:gochecknoglobals
var schema = []string{
	`CREATE TABLE IF NOT EXISTS path_info (
		store_path        TEXT PRIMARY KEY,
		deriver           TEXT NOT NULL DEFAULT '',
		nar_hash          TEXT NOT NULL,
		registration_time INTEGER NOT NULL,
		nar_size          INTEGER NOT NULL,
		ultimate          INTEGER NOT NULL DEFAULT 0,
		ca                TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS path_references (
		store_path TEXT NOT NULL REFERENCES path_info(store_path) ON DELETE CASCADE,
		reference  TEXT NOT NULL,
		PRIMARY KEY (store_path, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS path_references_reference ON path_references(reference)`,
	`CREATE TABLE IF NOT EXISTS path_sigs (
		store_path TEXT NOT NULL REFERENCES path_info(store_path) ON DELETE CASCADE,
		sig        TEXT NOT NULL,
		PRIMARY KEY (store_path, sig)
	)`,
	`CREATE TABLE IF NOT EXISTS nar_blobs (
		store_path TEXT PRIMARY KEY REFERENCES path_info(store_path) ON DELETE CASCADE,
		digest     TEXT NOT NULL,
		data       BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS temp_roots (
		path TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS realisations (
		id          TEXT PRIMARY KEY,
		out_path    TEXT NOT NULL,
		signatures  TEXT NOT NULL DEFAULT '',
		dependents  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS build_logs (
		drv_path TEXT PRIMARY KEY,
		log      BLOB NOT NULL
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying %q: %w", stmt, err)
		}
	}

	return nil
}
