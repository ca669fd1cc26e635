// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/structural"
)

type dirReader struct{ dir string }

func (d dirReader) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// fakeReindexer records the paths it was asked to mark dirty and reports a
// fixed post-commit epoch, standing in for the Structural Tier's real
// reparse+republish pipeline.
type fakeReindexer struct {
	paths []string
	epoch int64
}

func (f *fakeReindexer) ReindexPaths(ctx context.Context, paths []string) (int64, error) {
	f.paths = append(f.paths, paths...)
	f.epoch++
	return f.epoch, nil
}

func TestCommitDecisionAppliesEdits(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(filePath, []byte("func Foo() {}\n"), 0o644))

	store := fakeStore{
		defs: map[string][]structural.DefFact{
			"Foo": {{DefUID: "d1", Kind: "function", SimpleName: "Foo"}},
		},
		refs: map[string][]structural.RefFact{
			"d1": {{FileID: 1, TokenText: "Foo", Line: 1, Col: 5, Tier: structural.TierProven}},
		},
		paths: map[int64]string{1: filePath},
	}

	plan, err := PlanRename(context.Background(), store, 1, "Foo", "Bar")
	require.NoError(t, err)
	require.Equal(t, Ready, plan.Status)

	reader := dirReader{dir: dir}
	reindexer := &fakeReindexer{}
	result, needsDecision, err := CommitDecision(context.Background(), store, reader, 1, plan, plan.Candidates[0].CandidateID, nil, reindexer)
	require.NoError(t, err)
	require.Nil(t, needsDecision)
	require.Len(t, result.Deltas, 1)
	assert.Equal(t, []string{filePath}, reindexer.paths,
		"a committed edit must mark its file dirty and force the next epoch")
	assert.Equal(t, int64(1), result.EpochAfter)

	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "func Bar() {}\n", string(got))
}

func TestCommitDecisionRejectsExpiredPlan(t *testing.T) {
	plan := &Plan{PlanID: "p", Status: Ready, ExpiresAtEpoch: 1, Symbol: "Foo", NewName: "Bar"}
	_, _, err := CommitDecision(context.Background(), fakeStore{}, dirReader{}, 5, plan, "group_0", nil, nil)
	require.Error(t, err)
}

func TestResolveEditsDetectsStaleToken(t *testing.T) {
	_, err := resolveEdits("func Foo() {}\n", []PlannedEdit{{Path: "a.go", Line: 1, Col: 100, OldToken: "Foo", NewToken: "Bar"}})
	require.Error(t, err)
}

func TestSweepDocsNoMatchesWhenNoReadme(t *testing.T) {
	dir := t.TempDir()
	result, err := SweepDocs(context.Background(), dirReader{dir: dir}, []string{"pkg/a.go"}, "Foo", "Bar")
	require.NoError(t, err)
	assert.Empty(t, result.Matches)
	assert.False(t, result.ReviewRecommended)
}
