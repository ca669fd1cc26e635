// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package semdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dfinson/codeplane/internal/structural"
)

func rec(uid, path, lexPath, sig, name string, epoch int64) structural.DefSnapshotRecord {
	return structural.DefSnapshotRecord{Epoch: epoch, DefUID: uid, FilePath: path, LexicalPath: lexPath, SignatureHash: sig, DisplayName: name}
}

func TestDiffClassifiesAddedAndRemoved(t *testing.T) {
	old := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}
	new_ := []structural.DefSnapshotRecord{rec("b", "x.go", "x.go::B", "s1", "B", 2)}

	changes := diffSnapshots(old, new_)
	var kinds []ChangeKind
	for _, c := range changes {
		kinds = append(kinds, c.Kind)
	}
	assert.Contains(t, kinds, Added)
	assert.Contains(t, kinds, Removed)
}

func TestDiffClassifiesSignatureChange(t *testing.T) {
	old := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}
	new_ := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s2", "A", 2)}

	changes := diffSnapshots(old, new_)
	assert.Len(t, changes, 1)
	assert.Equal(t, SignatureChanged, changes[0].Kind)
}

func TestDiffClassifiesRename(t *testing.T) {
	old := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}
	new_ := []structural.DefSnapshotRecord{rec("a", "y.go", "y.go::A", "s1", "A", 2)}

	changes := diffSnapshots(old, new_)
	assert.Len(t, changes, 1)
	assert.Equal(t, Renamed, changes[0].Kind)
	assert.Equal(t, "x.go", changes[0].OldPath)
	assert.Equal(t, "y.go", changes[0].NewPath)
}

func TestDiffClassifiesBodyChange(t *testing.T) {
	old := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}
	new_ := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 2)}

	changes := diffSnapshots(old, new_)
	assert.Len(t, changes, 1)
	assert.Equal(t, BodyChanged, changes[0].Kind)
}

func TestDiffNoChangeWhenIdentical(t *testing.T) {
	old := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}
	new_ := []structural.DefSnapshotRecord{rec("a", "x.go", "x.go::A", "s1", "A", 1)}

	changes := diffSnapshots(old, new_)
	assert.Empty(t, changes)
}
