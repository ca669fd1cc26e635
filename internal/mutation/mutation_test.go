// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package mutation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/pathspec"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.go")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyReplacesMatchingSpan(t *testing.T) {
	content := "line1\nline2\nline3\n"
	path := writeTemp(t, content)

	delta, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 2, EndLine: 2, ExpectedHash: HashSpan("line2")}, Replacement: "replaced"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delta.LineShift)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nreplaced\nline3\n", string(got))
}

func TestApplyFuzzyLineDriftRecovers(t *testing.T) {
	content := "a\nb\nc\nd\ntarget\nf\n"
	path := writeTemp(t, content)

	// declared at line 3, actually at line 5: within drift tolerance
	delta, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 3, EndLine: 3, ExpectedHash: HashSpan("target")}, Replacement: "hit"},
	})
	require.NoError(t, err)
	require.Len(t, delta.AppliedAt, 1)
	assert.True(t, delta.AppliedAt[0].Drifted)
	assert.Equal(t, 5, delta.AppliedAt[0].ActualStartLine)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), "hit")
}

func TestApplyPreconditionFailedBeyondDrift(t *testing.T) {
	content := "a\nb\nc\n"
	path := writeTemp(t, content)

	_, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 1, EndLine: 1, ExpectedHash: HashSpan("nonexistent")}, Replacement: "x"},
	})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.PreconditionFailed))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got), "failed mutation must leave the file untouched")
}

func TestApplyRejectsOverlappingEdits(t *testing.T) {
	content := "a\nb\nc\nd\n"
	path := writeTemp(t, content)

	_, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 1, EndLine: 2, ExpectedHash: HashSpan("a\nb")}, Replacement: "x"},
		{Span: Span{StartLine: 2, EndLine: 3, ExpectedHash: HashSpan("b\nc")}, Replacement: "y"},
	})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.OverlappingEdits))
}

func TestApplyMultipleNonOverlappingEdits(t *testing.T) {
	content := "a\nb\nc\nd\n"
	path := writeTemp(t, content)

	_, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 1, EndLine: 1, ExpectedHash: HashSpan("a")}, Replacement: "A"},
		{Span: Span{StartLine: 4, EndLine: 4, ExpectedHash: HashSpan("d")}, Replacement: "D"},
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A\nb\nc\nD\n", string(got))
}

func TestApplyCancellation(t *testing.T) {
	path := writeTemp(t, "a\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Apply(ctx, path, []Edit{{Span: Span{StartLine: 1, EndLine: 1, ExpectedHash: HashSpan("a")}, Replacement: "b"}})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.Cancelled))
}

func TestApplyCRLFFileRoundTrips(t *testing.T) {
	content := "line1\r\nline2\r\nline3\r\n"
	path := writeTemp(t, content)

	delta, err := Apply(context.Background(), path, []Edit{
		{Span: Span{StartLine: 2, EndLine: 2, ExpectedHash: HashSpan("line2")}, Replacement: "replaced"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CRLF", delta.LineEnding)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\r\nreplaced\r\nline3\r\n", string(got))
}

func TestEngineApplyBatchCreatesUpdatesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.go")
	require.NoError(t, os.WriteFile(existing, []byte("package a\n"), 0o644))
	toDelete := filepath.Join(dir, "gone.go")
	require.NoError(t, os.WriteFile(toDelete, []byte("package a\n\nfunc Old() {}\n"), 0o644))

	e := NewEngine(dir, pathspec.New(nil, nil))

	result, err := e.ApplyBatch(context.Background(), "fingerprint-1", []FileMutation{
		{Action: Create, Path: "new.go", Content: "package a\n\nfunc New() {}\n"},
		{
			Action: Update, Path: "existing.go",
			Edits: []Edit{{Span: Span{StartLine: 1, EndLine: 1, ExpectedHash: HashSpan("package a")}, Replacement: "package a // updated", Symbol: "a"}},
		},
		{Action: Delete, Path: "gone.go"},
	})
	require.NoError(t, err)
	require.Len(t, result.Deltas, 3)
	assert.Equal(t, "fingerprint-1", result.RepoFingerprint)
	assert.NotEmpty(t, result.MutationID)
	assert.Equal(t, []string{"a"}, result.SymbolsChanged)

	gotNew, err := os.ReadFile(filepath.Join(dir, "new.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n\nfunc New() {}\n", string(gotNew))

	_, statErr := os.Stat(toDelete)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngineApplyBatchRejectsScopeViolation(t *testing.T) {
	dir := t.TempDir()
	matcher := pathspec.New([]string{"vendor/**"}, nil)
	e := NewEngine(dir, matcher)

	_, err := e.ApplyBatch(context.Background(), "fp", []FileMutation{
		{Action: Create, Path: "vendor/pkg/a.go", Content: "package pkg\n"},
	})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.ScopeViolation))
}

func TestEngineApplyBatchEnforcesFileHashPrecondition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	e := NewEngine(dir, pathspec.New(nil, nil))
	_, err := e.ApplyBatch(context.Background(), "fp", []FileMutation{
		{
			Action: Update, Path: "a.go", ExpectedFileSHA256: HashSpan("stale content"),
			Edits: []Edit{{Span: Span{StartLine: 1, EndLine: 1, ExpectedHash: HashSpan("package a")}, Replacement: "package b"}},
		},
	})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.PreconditionFailed))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(got), "a failed file-level precondition must leave the file untouched")
}

func TestEngineApplyBatchRejectsCreateOverExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	e := NewEngine(dir, pathspec.New(nil, nil))
	_, err := e.ApplyBatch(context.Background(), "fp", []FileMutation{
		{Action: Create, Path: "a.go", Content: "package b\n"},
	})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.PreconditionFailed))
}
