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

// Package structural implements the Structural Tier (T1): a durable,
// ACID, WAL-mode fact store holding every row type from the data model in
// §3. The store has exactly one writer goroutine path at a time (guarded by
// a mutex) and unlimited concurrent readers via SQLite's WAL snapshot
// semantics - the closest available match, on a pure-Go dependency, to the
// teacher's CozoDB-backed EmbeddedBackend.
package structural

// FreshnessState is a file's position in the freshness contract (§4.5).
type FreshnessState string

const (
	Clean      FreshnessState = "CLEAN"
	Dirty      FreshnessState = "DIRTY"
	Stale      FreshnessState = "STALE"
	Unindexed  FreshnessState = "UNINDEXED"
)

// RefTier is fixed at index time per §3; there are no query-time upgrades.
type RefTier string

const (
	TierProven   RefTier = "PROVEN"
	TierStrong   RefTier = "STRONG"
	TierAnchored RefTier = "ANCHORED"
	TierUnknown  RefTier = "UNKNOWN"
)

// RefRole is the role a RefFact plays at its position.
type RefRole string

const (
	RoleDefinition RefRole = "definition"
	RoleReference  RefRole = "reference"
	RoleImport     RefRole = "import"
	RoleExport     RefRole = "export"
)

// BindTargetKind is the resolved kind of a LocalBindFact's target.
type BindTargetKind string

const (
	BindDef     BindTargetKind = "DEF"
	BindImport  BindTargetKind = "IMPORT"
	BindUnknown BindTargetKind = "UNKNOWN"
)

// BindReasonCode records why a LocalBindFact resolved the way it did.
type BindReasonCode string

const (
	ReasonParam       BindReasonCode = "PARAM"
	ReasonLocalAssign BindReasonCode = "LOCAL_ASSIGN"
	ReasonDefInScope  BindReasonCode = "DEF_IN_SCOPE"
	ReasonImportAlias BindReasonCode = "IMPORT_ALIAS"
)

// ExportThunkMode is one of the three strictly enumerated re-export shapes;
// no other mode may ever be produced (§9 open question 2).
type ExportThunkMode string

const (
	ThunkReexportAll   ExportThunkMode = "REEXPORT_ALL"
	ThunkExplicitNames ExportThunkMode = "EXPLICIT_NAMES"
	ThunkAliasMap      ExportThunkMode = "ALIAS_MAP"
)

// File is the row backing file identity (§3 "File identity").
type File struct {
	FileID         int64
	Path           string
	Hash           string
	MTimeNanos     int64
	Size           int64
	LanguageFamily string
	Freshness      FreshnessState
	UnitID         int64
}

// DefFact is a definition row. def_uid is computed by DefUID below.
type DefFact struct {
	DefUID        string
	UnitID        int64
	FileID        int64
	Kind          string
	SimpleName    string
	QualifiedName string
	LexicalPath   string
	SignatureHash string
	Disambiguator int
	StartLine     int
	StartCol      int
	EndLine       int
	EndCol        int
	DisplayName   string
	Epoch         int64
}

// RefFact is a reference row.
type RefFact struct {
	RefID          int64
	FileID         int64
	TokenText      string
	Line           int
	Col            int
	EnclosingScope int64
	Role           RefRole
	Tier           RefTier
	TargetDefUID   string // set when resolvable, empty otherwise
	Epoch          int64
}

// ScopeFact is a parent-linked scope node.
type ScopeFact struct {
	ScopeID  int64
	FileID   int64
	ParentID int64 // 0 for file-level root scope
	Kind     string
	StartLine int
	EndLine   int
}

// LocalBindFact is a binding written only at index time.
type LocalBindFact struct {
	ScopeID    int64
	Name       string
	TargetKind BindTargetKind
	TargetUID  string
	Certainty  string // "CERTAIN" or "UNCERTAIN"
	Reason     BindReasonCode
}

// ImportFact records one import statement.
type ImportFact struct {
	ImportUID     string
	FileID        int64
	ImportedName  string
	Alias         string
	SourceLiteral string // empty iff dynamic, per §3
	ImportKind    string
}

// ExportSurface is the per-unit export summary.
type ExportSurface struct {
	SurfaceID   int64
	UnitID      int64
	SurfaceHash string
	Epoch       int64
}

// ExportEntry is one exported name.
type ExportEntry struct {
	SurfaceID    int64
	ExportedName string
	DefUID       string // optional
	Certainty    string
	EvidenceKind string
}

// ExportThunk models a re-export.
type ExportThunk struct {
	SurfaceID int64
	Mode      ExportThunkMode
	Payload   string // names/aliases serialized per mode
}

// AnchorGroup is a bounded ambiguity bucket (§3).
type AnchorGroup struct {
	GroupID       int64
	UnitID        int64
	MemberToken   string
	ReceiverShape string
	TotalCount    int
	ExemplarIDs   []int64 // len <= K
}

// DynamicAccessSite is a telemetry-only row.
type DynamicAccessSite struct {
	SiteID   int64
	FileID   int64
	Pattern  string // bracket_access | getattr | reflect | eval
	Literal  string // extracted literal, if any
	Line     int
}

// DefSnapshotRecord is a compact per-epoch copy of a DefFact, stored without
// a foreign key to File so historical comparisons survive file deletion.
type DefSnapshotRecord struct {
	Epoch         int64
	DefUID        string
	Kind          string
	FilePath      string
	LexicalPath   string
	SignatureHash string
	DisplayName   string
	StartLine     int
	EndLine       int
}
