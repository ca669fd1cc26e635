// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package structural

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dfinson/codeplane/internal/cperrors"
)

const schemaVersion = 1

// Store wraps a SQLite database in WAL mode and serializes writers the same
// way the teacher's EmbeddedBackend serializes CozoDB access: one RWMutex,
// write-lock for mutating calls, read-lock for queries. SQLite's own WAL
// snapshot isolation means readers never block on the writer's in-flight
// transaction; the mutex exists to guarantee the spec's "single-writer"
// invariant is a property of this process, not an accident of driver
// behavior.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
}

// Open opens (creating if necessary) the structural database at path,
// enables WAL journal mode, and ensures the schema is current.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.IndexBuildFailed, "open structural database", err, map[string]any{"path": path})
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes internally; one conn avoids SQLITE_BUSY churn
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, cperrors.Wrap(cperrors.IndexBuildFailed, "configure structural database", err, nil)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS codeplane_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS files (
		file_id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		hash TEXT NOT NULL,
		mtime_nanos INTEGER NOT NULL,
		size INTEGER NOT NULL,
		language_family TEXT NOT NULL,
		freshness TEXT NOT NULL DEFAULT 'UNINDEXED',
		unit_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS def_facts (
		def_uid TEXT PRIMARY KEY,
		unit_id INTEGER NOT NULL,
		file_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		simple_name TEXT NOT NULL,
		qualified_name TEXT NOT NULL,
		lexical_path TEXT NOT NULL,
		signature_hash TEXT NOT NULL,
		disambiguator INTEGER NOT NULL,
		start_line INTEGER NOT NULL,
		start_col INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		end_col INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		epoch INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_def_facts_file ON def_facts(file_id)`,
	`CREATE TABLE IF NOT EXISTS ref_facts (
		ref_id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL,
		token_text TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL,
		enclosing_scope INTEGER NOT NULL,
		role TEXT NOT NULL,
		tier TEXT NOT NULL,
		target_def_uid TEXT NOT NULL DEFAULT '',
		epoch INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ref_facts_def ON ref_facts(target_def_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_ref_facts_file ON ref_facts(file_id)`,
	`CREATE TABLE IF NOT EXISTS scope_facts (
		scope_id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS local_bind_facts (
		scope_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_uid TEXT NOT NULL,
		certainty TEXT NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (scope_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS import_facts (
		import_uid TEXT PRIMARY KEY,
		file_id INTEGER NOT NULL,
		imported_name TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		source_literal TEXT NOT NULL DEFAULT '',
		import_kind TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_import_facts_source ON import_facts(source_literal)`,
	`CREATE INDEX IF NOT EXISTS idx_import_facts_file ON import_facts(file_id)`,
	`CREATE TABLE IF NOT EXISTS export_surfaces (
		surface_id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id INTEGER NOT NULL UNIQUE,
		surface_hash TEXT NOT NULL,
		epoch INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS export_entries (
		surface_id INTEGER NOT NULL,
		exported_name TEXT NOT NULL,
		def_uid TEXT NOT NULL DEFAULT '',
		certainty TEXT NOT NULL,
		evidence_kind TEXT NOT NULL,
		PRIMARY KEY (surface_id, exported_name)
	)`,
	`CREATE TABLE IF NOT EXISTS export_thunks (
		surface_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS anchor_groups (
		group_id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id INTEGER NOT NULL,
		member_token TEXT NOT NULL,
		receiver_shape TEXT NOT NULL,
		total_count INTEGER NOT NULL,
		exemplar_ids TEXT NOT NULL,
		UNIQUE(unit_id, member_token, receiver_shape)
	)`,
	`CREATE TABLE IF NOT EXISTS dynamic_access_sites (
		site_id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL,
		pattern TEXT NOT NULL,
		literal TEXT NOT NULL DEFAULT '',
		line INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS def_snapshots (
		epoch INTEGER NOT NULL,
		def_uid TEXT NOT NULL,
		kind TEXT NOT NULL,
		file_path TEXT NOT NULL,
		lexical_path TEXT NOT NULL,
		signature_hash TEXT NOT NULL,
		display_name TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		PRIMARY KEY (epoch, def_uid)
	)`,
}

// ensureSchema creates every table if absent (idempotent, matching the
// teacher's EnsureSchema which ignores "already exists" errors) and then
// runs forward migrations gated on the stored schema_version, per §6's "the
// structural database schema is versioned and upgraded forward on start".
func (s *Store) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "begin schema tx", err, nil)
	}
	defer tx.Rollback()

	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return cperrors.Wrap(cperrors.IndexBuildFailed, "apply schema", err, map[string]any{"stmt": stmt})
		}
	}
	if err := tx.Commit(); err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "commit schema", err, nil)
	}

	return s.migrate(ctx)
}

// migrate probes the stored schema_version and applies any forward steps
// needed to reach schemaVersion. SQLite's ALTER TABLE is limited, so steps
// that need real column surgery follow the teacher's probe-then-rebuild
// pattern (create new table, copy, drop, rename) rather than blind ALTERs.
func (s *Store) migrate(ctx context.Context) error {
	var versionStr string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM codeplane_meta WHERE key = 'schema_version'`).Scan(&versionStr)
	current := 0
	if err == nil {
		fmt.Sscanf(versionStr, "%d", &current)
	} else if err != sql.ErrNoRows {
		return cperrors.Wrap(cperrors.IndexSchemaMismatch, "read schema version", err, nil)
	}

	if current > schemaVersion {
		return cperrors.New(cperrors.IndexSchemaMismatch, "structural database is newer than this binary", map[string]any{
			"stored_version": current, "binary_version": schemaVersion,
		})
	}

	// No migration steps defined yet beyond version 1's initial DDL; future
	// forward-migration steps land here, each gated on `current < N`.

	_, err = s.db.ExecContext(ctx, `INSERT INTO codeplane_meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "write schema version", err, nil)
	}
	return nil
}

// GetMeta / SetMeta expose the codeplane_meta key-value table, mirroring
// the teacher's GetProjectMeta/SetProjectMeta on EmbeddedBackend.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM codeplane_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, cperrors.Wrap(cperrors.InternalError, "get meta", err, nil)
	}
	return value, true, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO codeplane_meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "set meta", err, nil)
	}
	return nil
}

// DeleteEntitiesForFile cascades an ordered delete across every dependent
// table under one write lock, exactly mirroring the teacher's
// DeleteEntitiesForFile ordering discipline on EmbeddedBackend.
func (s *Store) DeleteEntitiesForFile(ctx context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "begin delete tx", err, nil)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM ref_facts WHERE file_id = ?`,
		`DELETE FROM dynamic_access_sites WHERE file_id = ?`,
		`DELETE FROM local_bind_facts WHERE scope_id IN (SELECT scope_id FROM scope_facts WHERE file_id = ?)`,
		`DELETE FROM scope_facts WHERE file_id = ?`,
		`DELETE FROM import_facts WHERE file_id = ?`,
		`DELETE FROM def_facts WHERE file_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, fileID); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "cascade delete", err, map[string]any{"stmt": stmt})
		}
	}
	if err := tx.Commit(); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "commit cascade delete", err, nil)
	}
	return nil
}
