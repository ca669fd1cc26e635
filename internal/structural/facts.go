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
	"encoding/json"
	"strings"

	"github.com/dfinson/codeplane/internal/cperrors"
)

// StagedFacts is everything the Parser Facade produces for one file at one
// epoch. WriteStaged is the single write path dispatch's reindex uses to
// commit a file's re-parsed rows, one transaction per file, before the Epoch
// Publisher advances the epoch.
type StagedFacts struct {
	FileID  int64
	Epoch   int64
	Defs    []DefFact
	Refs    []RefFact
	Scopes  []ScopeFact
	Binds   []LocalBindFact
	Imports []ImportFact
}

// WriteStaged replaces every T1 row owned by FileID with the staged set,
// inside one transaction, and marks the file CLEAN at Epoch. This is the
// only path that mutates T1 on behalf of a reindex; the Reconciler only
// decides *that* a file is dirty, never what its new rows are (§3
// ownership).
func (s *Store) WriteStaged(ctx context.Context, f StagedFacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "begin staged write", err, nil)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM ref_facts WHERE file_id = ?`,
		`DELETE FROM local_bind_facts WHERE scope_id IN (SELECT scope_id FROM scope_facts WHERE file_id = ?)`,
		`DELETE FROM scope_facts WHERE file_id = ?`,
		`DELETE FROM import_facts WHERE file_id = ?`,
		`DELETE FROM def_facts WHERE file_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, f.FileID); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "clear prior staged rows", err, nil)
		}
	}

	for _, d := range f.Defs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO def_facts
			(def_uid, unit_id, file_id, kind, simple_name, qualified_name, lexical_path, signature_hash,
			 disambiguator, start_line, start_col, end_line, end_col, display_name, epoch)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(def_uid) DO UPDATE SET file_id=excluded.file_id, start_line=excluded.start_line,
				start_col=excluded.start_col, end_line=excluded.end_line, end_col=excluded.end_col, epoch=excluded.epoch`,
			d.DefUID, d.UnitID, f.FileID, d.Kind, d.SimpleName, d.QualifiedName, d.LexicalPath, d.SignatureHash,
			d.Disambiguator, d.StartLine, d.StartCol, d.EndLine, d.EndCol, d.DisplayName, f.Epoch); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert def_fact", err, map[string]any{"def_uid": d.DefUID})
		}
	}
	for _, sc := range f.Scopes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scope_facts(scope_id, file_id, parent_id, kind, start_line, end_line)
			VALUES (?,?,?,?,?,?)`, sc.ScopeID, f.FileID, sc.ParentID, sc.Kind, sc.StartLine, sc.EndLine); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert scope_fact", err, nil)
		}
	}
	for _, b := range f.Binds {
		if _, err := tx.ExecContext(ctx, `INSERT INTO local_bind_facts(scope_id, name, target_kind, target_uid, certainty, reason)
			VALUES (?,?,?,?,?,?)`, b.ScopeID, b.Name, b.TargetKind, b.TargetUID, b.Certainty, b.Reason); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert local_bind_fact", err, nil)
		}
	}
	for _, r := range f.Refs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ref_facts(file_id, token_text, line, col, enclosing_scope, role, tier, target_def_uid, epoch)
			VALUES (?,?,?,?,?,?,?,?,?)`, f.FileID, r.TokenText, r.Line, r.Col, r.EnclosingScope, r.Role, r.Tier, r.TargetDefUID, f.Epoch); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert ref_fact", err, nil)
		}
	}
	for _, im := range f.Imports {
		if _, err := tx.ExecContext(ctx, `INSERT INTO import_facts(import_uid, file_id, imported_name, alias, source_literal, import_kind)
			VALUES (?,?,?,?,?,?) ON CONFLICT(import_uid) DO UPDATE SET alias=excluded.alias, source_literal=excluded.source_literal`,
			im.ImportUID, f.FileID, im.ImportedName, im.Alias, im.SourceLiteral, im.ImportKind); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert import_fact", err, nil)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE files SET freshness = 'CLEAN' WHERE file_id = ?`, f.FileID); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "mark file clean", err, nil)
	}
	if err := tx.Commit(); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "commit staged write", err, nil)
	}
	return nil
}

// checkLimit enforces invariant 6: every T0/T1 query requires an explicit
// positive limit.
func checkLimit(limit int) error {
	if limit <= 0 {
		return cperrors.New(cperrors.UnboundedQuery, "query requires an explicit positive limit", nil)
	}
	return nil
}

// GetDef returns a DefFact by def_uid, or (nil, nil) if absent.
func (s *Store) GetDef(ctx context.Context, defUID string) (*DefFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT def_uid, unit_id, file_id, kind, simple_name, qualified_name,
		lexical_path, signature_hash, disambiguator, start_line, start_col, end_line, end_col, display_name, epoch
		FROM def_facts WHERE def_uid = ?`, defUID)
	var d DefFact
	err := row.Scan(&d.DefUID, &d.UnitID, &d.FileID, &d.Kind, &d.SimpleName, &d.QualifiedName, &d.LexicalPath,
		&d.SignatureHash, &d.Disambiguator, &d.StartLine, &d.StartCol, &d.EndLine, &d.EndCol, &d.DisplayName, &d.Epoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "get def", err, nil)
	}
	return &d, nil
}

// DefsBySimpleName returns every current def_fact with the given simple_name,
// the Refactor Planner's entry point for resolving a bare symbol name into
// its candidate definitions.
func (s *Store) DefsBySimpleName(ctx context.Context, name string, limit int) ([]DefFact, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT def_uid, unit_id, file_id, kind, simple_name, qualified_name,
		lexical_path, signature_hash, disambiguator, start_line, start_col, end_line, end_col, display_name, epoch
		FROM def_facts WHERE simple_name = ? LIMIT ?`, name, limit)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list defs by name", err, nil)
	}
	defer rows.Close()
	var out []DefFact
	for rows.Next() {
		var d DefFact
		if err := rows.Scan(&d.DefUID, &d.UnitID, &d.FileID, &d.Kind, &d.SimpleName, &d.QualifiedName, &d.LexicalPath,
			&d.SignatureHash, &d.Disambiguator, &d.StartLine, &d.StartCol, &d.EndLine, &d.EndCol, &d.DisplayName, &d.Epoch); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan def", err, nil)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListRefs returns up to limit RefFacts pointing at defUID, optionally
// filtered by tier.
func (s *Store) ListRefs(ctx context.Context, defUID string, tier RefTier, limit int) ([]RefFact, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ref_id, file_id, token_text, line, col, enclosing_scope, role, tier, target_def_uid, epoch
		FROM ref_facts WHERE target_def_uid = ?`
	args := []any{defUID}
	if tier != "" {
		query += ` AND tier = ?`
		args = append(args, tier)
	}
	query += ` ORDER BY file_id, line, col LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list refs", err, nil)
	}
	defer rows.Close()
	var out []RefFact
	for rows.Next() {
		var r RefFact
		if err := rows.Scan(&r.RefID, &r.FileID, &r.TokenText, &r.Line, &r.Col, &r.EnclosingScope, &r.Role, &r.Tier, &r.TargetDefUID, &r.Epoch); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan ref", err, nil)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListImports returns up to limit ImportFacts for a file.
func (s *Store) ListImports(ctx context.Context, fileID int64, limit int) ([]ImportFact, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT import_uid, file_id, imported_name, alias, source_literal, import_kind
		FROM import_facts WHERE file_id = ? ORDER BY imported_name LIMIT ?`, fileID, limit)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list imports", err, nil)
	}
	defer rows.Close()
	var out []ImportFact
	for rows.Next() {
		var im ImportFact
		if err := rows.Scan(&im.ImportUID, &im.FileID, &im.ImportedName, &im.Alias, &im.SourceLiteral, &im.ImportKind); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan import", err, nil)
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// UpsertAnchorGroup writes (or grows) a bounded ambiguity bucket, truncating
// exemplars to cap K and keeping total_count exact regardless of truncation,
// per invariant 7.
func (s *Store) UpsertAnchorGroup(ctx context.Context, g AnchorGroup, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(g.ExemplarIDs) > cap {
		g.ExemplarIDs = g.ExemplarIDs[:cap]
	}
	payload, err := json.Marshal(g.ExemplarIDs)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "marshal exemplars", err, nil)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO anchor_groups(unit_id, member_token, receiver_shape, total_count, exemplar_ids)
		VALUES (?,?,?,?,?)
		ON CONFLICT(unit_id, member_token, receiver_shape) DO UPDATE SET total_count=excluded.total_count, exemplar_ids=excluded.exemplar_ids`,
		g.UnitID, g.MemberToken, g.ReceiverShape, g.TotalCount, string(payload))
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "upsert anchor group", err, nil)
	}
	return nil
}

// AnchorGroupFor returns a single anchor group or nil.
func (s *Store) AnchorGroupFor(ctx context.Context, unitID int64, memberToken, receiverShape string) (*AnchorGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var g AnchorGroup
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT group_id, unit_id, member_token, receiver_shape, total_count, exemplar_ids
		FROM anchor_groups WHERE unit_id = ? AND member_token = ? AND receiver_shape = ?`,
		unitID, memberToken, receiverShape).Scan(&g.GroupID, &g.UnitID, &g.MemberToken, &g.ReceiverShape, &g.TotalCount, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "get anchor group", err, nil)
	}
	if err := json.Unmarshal([]byte(payload), &g.ExemplarIDs); err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "unmarshal exemplars", err, nil)
	}
	return &g, nil
}

// DynamicAccessSites returns up to limit telemetry rows, optionally scoped
// to one file or unit (unit scoping is resolved by the caller joining
// through file_id since dynamic_access_sites is file-keyed).
func (s *Store) DynamicAccessSites(ctx context.Context, fileID int64, limit int) ([]DynamicAccessSite, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT site_id, file_id, pattern, literal, line FROM dynamic_access_sites`
	var args []any
	if fileID != 0 {
		query += ` WHERE file_id = ?`
		args = append(args, fileID)
	}
	query += ` ORDER BY file_id, line LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list dynamic access sites", err, nil)
	}
	defer rows.Close()
	var out []DynamicAccessSite
	for rows.Next() {
		var d DynamicAccessSite
		if err := rows.Scan(&d.SiteID, &d.FileID, &d.Pattern, &d.Literal, &d.Line); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan dynamic access site", err, nil)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertDynamicAccessSite records one telemetry row (written by the Parser
// Facade, never by readers).
func (s *Store) InsertDynamicAccessSite(ctx context.Context, d DynamicAccessSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO dynamic_access_sites(file_id, pattern, literal, line) VALUES (?,?,?,?)`,
		d.FileID, d.Pattern, d.Literal, d.Line)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "insert dynamic access site", err, nil)
	}
	return nil
}

// WriteExportSurface replaces a unit's export surface (surface + entries +
// thunks) in one transaction.
func (s *Store) WriteExportSurface(ctx context.Context, unitID int64, surfaceHash string, epoch int64, entries []ExportEntry, thunks []ExportThunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "begin export surface write", err, nil)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO export_surfaces(unit_id, surface_hash, epoch) VALUES (?,?,?)
		ON CONFLICT(unit_id) DO UPDATE SET surface_hash=excluded.surface_hash, epoch=excluded.epoch`, unitID, surfaceHash, epoch)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "upsert export surface", err, nil)
	}
	surfaceID, err := res.LastInsertId()
	if err != nil || surfaceID == 0 {
		if serr := tx.QueryRowContext(ctx, `SELECT surface_id FROM export_surfaces WHERE unit_id = ?`, unitID).Scan(&surfaceID); serr != nil {
			return cperrors.Wrap(cperrors.InternalError, "resolve surface id", serr, nil)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM export_entries WHERE surface_id = ?`, surfaceID); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "clear export entries", err, nil)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO export_entries(surface_id, exported_name, def_uid, certainty, evidence_kind)
			VALUES (?,?,?,?,?)`, surfaceID, e.ExportedName, e.DefUID, e.Certainty, e.EvidenceKind); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert export entry", err, nil)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM export_thunks WHERE surface_id = ?`, surfaceID); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "clear export thunks", err, nil)
	}
	for _, th := range thunks {
		if th.Mode != ThunkReexportAll && th.Mode != ThunkExplicitNames && th.Mode != ThunkAliasMap {
			return cperrors.New(cperrors.InternalError, "invalid export thunk mode", map[string]any{"mode": th.Mode})
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO export_thunks(surface_id, mode, payload) VALUES (?,?,?)`,
			surfaceID, th.Mode, th.Payload); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert export thunk", err, nil)
		}
	}
	if err := tx.Commit(); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "commit export surface", err, nil)
	}
	return nil
}

// ExportEntries returns up to limit entries for a unit's export surface.
func (s *Store) ExportEntries(ctx context.Context, unitID int64, limit int) ([]ExportEntry, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT e.surface_id, e.exported_name, e.def_uid, e.certainty, e.evidence_kind
		FROM export_entries e JOIN export_surfaces s ON s.surface_id = e.surface_id
		WHERE s.unit_id = ? ORDER BY e.exported_name LIMIT ?`, unitID, limit)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list export entries", err, nil)
	}
	defer rows.Close()
	var out []ExportEntry
	for rows.Next() {
		var e ExportEntry
		if err := rows.Scan(&e.SurfaceID, &e.ExportedName, &e.DefUID, &e.Certainty, &e.EvidenceKind); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan export entry", err, nil)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteDefSnapshots persists a DefSnapshotRecord per def_fact at the given
// epoch, used by the Semantic-Diff Engine.
func (s *Store) WriteDefSnapshots(ctx context.Context, epoch int64, records []DefSnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "begin snapshot write", err, nil)
	}
	defer tx.Rollback()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `INSERT INTO def_snapshots
			(epoch, def_uid, kind, file_path, lexical_path, signature_hash, display_name, start_line, end_line)
			VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(epoch, def_uid) DO NOTHING`,
			epoch, r.DefUID, r.Kind, r.FilePath, r.LexicalPath, r.SignatureHash, r.DisplayName, r.StartLine, r.EndLine); err != nil {
			return cperrors.Wrap(cperrors.InternalError, "insert def snapshot", err, nil)
		}
	}
	if err := tx.Commit(); err != nil {
		return cperrors.Wrap(cperrors.InternalError, "commit snapshots", err, nil)
	}
	return nil
}

// DefSnapshotsAt returns every snapshot recorded at exactly the given epoch.
func (s *Store) DefSnapshotsAt(ctx context.Context, epoch int64) ([]DefSnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT epoch, def_uid, kind, file_path, lexical_path, signature_hash, display_name, start_line, end_line
		FROM def_snapshots WHERE epoch = ?`, epoch)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "list def snapshots", err, nil)
	}
	defer rows.Close()
	var out []DefSnapshotRecord
	for rows.Next() {
		var r DefSnapshotRecord
		if err := rows.Scan(&r.Epoch, &r.DefUID, &r.Kind, &r.FilePath, &r.LexicalPath, &r.SignatureHash, &r.DisplayName, &r.StartLine, &r.EndLine); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan def snapshot", err, nil)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ImportsBySourceLiteral supports the Impact/Test-Selection engine's
// exact/prefix/child matching in a single bounded query (§4.10).
func (s *Store) ImportsBySourceLiteral(ctx context.Context, modulePath string, limit int) ([]ImportFact, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT import_uid, file_id, imported_name, alias, source_literal, import_kind
		FROM import_facts
		WHERE source_literal = ? OR source_literal = ? OR source_literal LIKE ?
		ORDER BY file_id LIMIT ?`,
		modulePath, parentOf(modulePath), modulePath+".%", limit)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "query imports by source literal", err, nil)
	}
	defer rows.Close()
	var out []ImportFact
	for rows.Next() {
		var im ImportFact
		if err := rows.Scan(&im.ImportUID, &im.FileID, &im.ImportedName, &im.Alias, &im.SourceLiteral, &im.ImportKind); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "scan import", err, nil)
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

func parentOf(modulePath string) string {
	idx := strings.LastIndex(modulePath, ".")
	if idx < 0 {
		return modulePath
	}
	return modulePath[:idx]
}
