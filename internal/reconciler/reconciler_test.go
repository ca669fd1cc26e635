// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconciler

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

// memStore is an in-memory FileStore fake used to test cascade behavior
// without depending on the Structural Tier.
type memStore struct {
	byPath map[string]FileState
	idByPath map[string]int64
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{byPath: map[string]FileState{}, idByPath: map[string]int64{}}
}

func (m *memStore) AllFiles(ctx context.Context) ([]FileState, error) {
	out := make([]FileState, 0, len(m.byPath))
	for _, v := range m.byPath {
		out = append(out, v)
	}
	return out, nil
}

func (m *memStore) RecordAdd(ctx context.Context, st FileState) (int64, error) {
	m.nextID++
	m.byPath[st.Path] = st
	m.idByPath[st.Path] = m.nextID
	return m.nextID, nil
}

func (m *memStore) RecordModify(ctx context.Context, path string, st FileState) (int64, error) {
	m.byPath[path] = st
	id, ok := m.idByPath[path]
	if !ok {
		m.nextID++
		id = m.nextID
		m.idByPath[path] = id
	}
	return id, nil
}

func (m *memStore) RecordRename(ctx context.Context, oldPath, newPath string) error {
	st := m.byPath[oldPath]
	delete(m.byPath, oldPath)
	st.Path = newPath
	m.byPath[newPath] = st
	if id, ok := m.idByPath[oldPath]; ok {
		delete(m.idByPath, oldPath)
		m.idByPath[newPath] = id
	}
	return nil
}

func (m *memStore) RecordDelete(ctx context.Context, path string) error {
	delete(m.byPath, path)
	delete(m.idByPath, path)
	return nil
}

func newReconciler(t *testing.T, dir string, store FileStore) *Reconciler {
	t.Helper()
	matcher := pathspec.New(nil, nil)
	return New(dir, matcher, store, false, nil)
}

func TestReconcileAddThenIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))

	store := newMemStore()
	r := newReconciler(t, dir, store)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, res.AddedPaths)
	assert.Len(t, res.ChangedFileIDs, 1)

	res2, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res2.AddedPaths)
	assert.Empty(t, res2.ModifiedPaths)
	assert.Empty(t, res2.ChangedFileIDs)
}

func TestReconcileTouchWithoutContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	store := newMemStore()
	r := newReconciler(t, dir, store)
	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	// Bump mtime without touching content.
	future := os.Getenv("CODEPLANE_TEST_NOOP")
	_ = future
	info, _ := os.Stat(path)
	newTime := info.ModTime().Add(1e9)
	require.NoError(t, os.Chtimes(path, newTime, newTime))

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.ModifiedPaths, "touch without content change must not be marked dirty")
}

func TestReconcileModify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	store := newMemStore()
	r := newReconciler(t, dir, store)
	first, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, first.ChangedFileIDs, 1)
	fileID := first.ChangedFileIDs[0]

	require.NoError(t, os.WriteFile(path, []byte("package a\n\nfunc F() {}\n"), 0o644))
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, res.ModifiedPaths)
	assert.Equal(t, []int64{fileID}, res.ChangedFileIDs,
		"an in-place content edit must surface its file_id so opReconcile re-parses it")
}

func TestReconcileRenameDetection(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.py")
	require.NoError(t, os.WriteFile(oldPath, []byte("x = 1\n"), 0o644))

	store := newMemStore()
	r := newReconciler(t, dir, store)
	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Rename(oldPath, filepath.Join(dir, "new.py")))
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RenamedCount)
	assert.Equal(t, "new.py", res.RenamedPaths["old.py"])
	assert.Empty(t, res.DeletedPaths)
	assert.Empty(t, res.AddedPaths)
}

func TestReconcileDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	store := newMemStore()
	r := newReconciler(t, dir, store)
	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, res.DeletedPaths)
}

func TestReconcileCancellation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	store := newMemStore()
	r := newReconciler(t, dir, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx)
	// The walk stops early on cancellation, and Reconcile then returns
	// CANCELLED instead of reading the unwalked files as deleted.
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.Cancelled))
}
