// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package structural

import (
	"context"
	"database/sql"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/reconciler"
)

// FileStoreAdapter implements reconciler.FileStore on top of the files
// table. It is kept separate from Store's other responsibilities so the
// Reconciler's dependency surface stays exactly the narrow interface it
// declares, per "accept interfaces, return structs".
type FileStoreAdapter struct{ s *Store }

// AsFileStore exposes the Store as the interface the Reconciler consumes.
func (s *Store) AsFileStore() reconciler.FileStore { return &FileStoreAdapter{s: s} }

func (a *FileStoreAdapter) AllFiles(ctx context.Context) ([]reconciler.FileState, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	rows, err := a.s.db.QueryContext(ctx, `SELECT path, hash, mtime_nanos, size, language_family FROM files`)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list files", err, nil)
	}
	defer rows.Close()
	var out []reconciler.FileState
	for rows.Next() {
		var st reconciler.FileState
		if err := rows.Scan(&st.Path, &st.Hash, &st.Stat.ModTime, &st.Stat.Size, &st.LanguageFamily); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan file row", err, nil)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (a *FileStoreAdapter) RecordAdd(ctx context.Context, st reconciler.FileState) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	res, err := a.s.db.ExecContext(ctx,
		`INSERT INTO files(path, hash, mtime_nanos, size, language_family, freshness) VALUES (?, ?, ?, ?, ?, 'DIRTY')`,
		st.Path, st.Hash, st.Stat.ModTime, st.Stat.Size, st.LanguageFamily)
	if err != nil {
		return 0, cperrors.Wrap(cperrors.InternalError, "insert file", err, map[string]any{"path": st.Path})
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, cperrors.Wrap(cperrors.InternalError, "read inserted file id", err, nil)
	}
	return id, nil
}

func (a *FileStoreAdapter) RecordModify(ctx context.Context, path string, st reconciler.FileState) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, err := a.s.db.ExecContext(ctx,
		`UPDATE files SET hash = ?, mtime_nanos = ?, size = ?,
			freshness = CASE WHEN hash = ? THEN freshness ELSE 'DIRTY' END WHERE path = ?`,
		st.Hash, st.Stat.ModTime, st.Stat.Size, st.Hash, path)
	if err != nil {
		return 0, cperrors.Wrap(cperrors.InternalError, "update file", err, map[string]any{"path": path})
	}
	var fileID int64
	if err := a.s.db.QueryRowContext(ctx, `SELECT file_id FROM files WHERE path = ?`, path).Scan(&fileID); err != nil {
		return 0, cperrors.Wrap(cperrors.InternalError, "lookup file id after modify", err, map[string]any{"path": path})
	}
	return fileID, nil
}

func (a *FileStoreAdapter) RecordRename(ctx context.Context, oldPath, newPath string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, err := a.s.db.ExecContext(ctx, `UPDATE files SET path = ? WHERE path = ?`, newPath, oldPath)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "rename file", err, map[string]any{"old": oldPath, "new": newPath})
	}
	return nil
}

func (a *FileStoreAdapter) RecordDelete(ctx context.Context, path string) error {
	var fileID int64
	a.s.mu.RLock()
	err := a.s.db.QueryRowContext(ctx, `SELECT file_id FROM files WHERE path = ?`, path).Scan(&fileID)
	a.s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "lookup file id for delete", err, nil)
	}
	if err := a.s.DeleteEntitiesForFile(ctx, fileID); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, err = a.s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "delete file row", err, nil)
	}
	return nil
}

// SetFreshness updates a file's freshness_state (§4.5's per-file map,
// which the Publisher's freshness gate reads per file through IsClean).
func (s *Store) SetFreshness(ctx context.Context, fileID int64, state FreshnessState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE files SET freshness = ? WHERE file_id = ?`, state, fileID)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "set freshness", err, nil)
	}
	return nil
}

// Freshness reads a file's current freshness_state by path.
func (s *Store) Freshness(ctx context.Context, path string) (FreshnessState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT freshness FROM files WHERE path = ?`, path).Scan(&state)
	if err == sql.ErrNoRows {
		return Unindexed, nil
	}
	if err != nil {
		return "", cperrors.Wrap(cperrors.InternalError, "read freshness", err, nil)
	}
	return FreshnessState(state), nil
}

// PathByFileID resolves a file_id back to its current path, used by the
// Impact/Test-Selection engine to turn import-graph file IDs back into
// paths a test runner can act on.
func (s *Store) PathByFileID(ctx context.Context, fileID int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM files WHERE file_id = ?`, fileID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, cperrors.Wrap(cperrors.InternalError, "lookup path by file id", err, nil)
	}
	return path, true, nil
}

// IsClean reports whether fileID's freshness_state is CLEAN right now,
// satisfying epoch.FreshnessChecker so the Publisher's freshness gate can
// block readers on the Structural Tier directly.
func (s *Store) IsClean(ctx context.Context, fileID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT freshness FROM files WHERE file_id = ?`, fileID).Scan(&state)
	if err == sql.ErrNoRows {
		// A file_id with no row (deleted since admission) has nothing left
		// to block on.
		return true, nil
	}
	if err != nil {
		return false, cperrors.Wrap(cperrors.InternalError, "check freshness by id", err, nil)
	}
	return FreshnessState(state) == Clean, nil
}

// DirtyFileIDs lists every file_id not currently CLEAN, used as the "need"
// set for operations with no single narrower file dependency - the global
// fallback the Publisher's freshness gate documents.
func (s *Store) DirtyFileIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT file_id FROM files WHERE freshness != ?`, string(Clean))
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list dirty files", err, nil)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan dirty file id", err, nil)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FileIDByPath resolves a path to its stable file_id.
func (s *Store) FileIDByPath(ctx context.Context, path string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT file_id FROM files WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, cperrors.Wrap(cperrors.InternalError, "lookup file id", err, nil)
	}
	return id, true, nil
}
