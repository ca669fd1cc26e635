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

// Package semdiff implements the Semantic-Diff Engine: it joins two
// DefSnapshotRecord epochs by def_uid and lexical_path to classify what
// changed between them, generalizing the teacher's ComputeFileDiff /
// computeFunctionDiff join-by-ID comparison from a whole-manifest diff to an
// arbitrary pair of recorded epochs.
package semdiff

import (
	"context"

	"github.com/dfinson/codeplane/internal/structural"
)

// ChangeKind is one classified def-level change.
type ChangeKind string

const (
	Added            ChangeKind = "added"
	Removed          ChangeKind = "removed"
	SignatureChanged ChangeKind = "signature_changed"
	BodyChanged      ChangeKind = "body_changed"
	Renamed          ChangeKind = "renamed"
)

// Change is one classified difference between two snapshot epochs.
type Change struct {
	Kind     ChangeKind
	DefUID   string
	OldPath  string // populated for renamed/removed
	NewPath  string // populated for added/renamed
	OldName  string
	NewName  string
}

// SnapshotSource loads the recorded DefSnapshotRecords for an epoch, the
// Structural Tier's own append-only snapshot table.
type SnapshotSource interface {
	DefSnapshotsAt(ctx context.Context, epoch int64) ([]structural.DefSnapshotRecord, error)
}

// Diff classifies the differences between the def snapshots recorded at
// fromEpoch and toEpoch. A def_uid present in both but with a different
// lexical_path is reported as Renamed rather than Removed+Added, so pure
// moves do not masquerade as churn.
func Diff(ctx context.Context, src SnapshotSource, fromEpoch, toEpoch int64) ([]Change, error) {
	oldSnaps, err := src.DefSnapshotsAt(ctx, fromEpoch)
	if err != nil {
		return nil, err
	}
	newSnaps, err := src.DefSnapshotsAt(ctx, toEpoch)
	if err != nil {
		return nil, err
	}
	return diffSnapshots(oldSnaps, newSnaps), nil
}

func diffSnapshots(oldSnaps, newSnaps []structural.DefSnapshotRecord) []Change {
	oldByUID := make(map[string]structural.DefSnapshotRecord, len(oldSnaps))
	for _, s := range oldSnaps {
		oldByUID[s.DefUID] = s
	}
	newByUID := make(map[string]structural.DefSnapshotRecord, len(newSnaps))
	for _, s := range newSnaps {
		newByUID[s.DefUID] = s
	}

	var changes []Change
	for uid, newS := range newByUID {
		oldS, existed := oldByUID[uid]
		if !existed {
			changes = append(changes, Change{Kind: Added, DefUID: uid, NewPath: newS.FilePath, NewName: newS.DisplayName})
			continue
		}
		switch {
		case oldS.LexicalPath != newS.LexicalPath:
			changes = append(changes, Change{
				Kind: Renamed, DefUID: uid,
				OldPath: oldS.FilePath, NewPath: newS.FilePath,
				OldName: oldS.DisplayName, NewName: newS.DisplayName,
			})
		case oldS.SignatureHash != newS.SignatureHash:
			changes = append(changes, Change{Kind: SignatureChanged, DefUID: uid, OldPath: oldS.FilePath, NewPath: newS.FilePath, OldName: oldS.DisplayName, NewName: newS.DisplayName})
		default:
			// SignatureHash matches but the def was re-recorded: a body-only
			// edit. The snapshot table does not carry a separate body hash
			// (only def-level metadata survives file deletion), so any
			// re-snapshot with an unchanged signature is treated as a body
			// change; callers that need finer granularity read the live
			// DefFact row instead.
			if oldS.Epoch != newS.Epoch {
				changes = append(changes, Change{Kind: BodyChanged, DefUID: uid, OldPath: oldS.FilePath, NewPath: newS.FilePath, OldName: oldS.DisplayName, NewName: newS.DisplayName})
			}
		}
	}
	for uid, oldS := range oldByUID {
		if _, stillExists := newByUID[uid]; !stillExists {
			changes = append(changes, Change{Kind: Removed, DefUID: uid, OldPath: oldS.FilePath, OldName: oldS.DisplayName})
		}
	}
	return changes
}
