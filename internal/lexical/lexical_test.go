// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/cperrors"
)

func TestSearchRequiresLimit(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	_, err = idx.Search(context.Background(), Query{Text: "foo", Limit: 0})
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.UnboundedQuery))
}

func TestUpsertAndSearch(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(context.Background(), []Document{
		{FileID: 1, Path: "a.go", Content: "func Reconcile() {}", LanguageFamily: "go"},
		{FileID: 2, Path: "b.go", Content: "func Unrelated() {}", LanguageFamily: "go"},
	}))

	hits, err := idx.Search(context.Background(), Query{Text: "Reconcile", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.go", hits[0].Path)
}

func TestRemoveDeletesDocument(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(context.Background(), []Document{
		{FileID: 1, Path: "a.go", Content: "package demo", LanguageFamily: "go"},
	}))
	require.NoError(t, idx.Remove(context.Background(), []int64{1}))

	hits, err := idx.Search(context.Background(), Query{Text: "demo", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(context.Background(), []Document{
		{FileID: 1, Path: "a.go", Content: "package demo", LanguageFamily: "go"},
	}))

	reloaded, err := Open(dir)
	require.NoError(t, err)
	hits, err := reloaded.Search(context.Background(), Query{Text: "demo", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
