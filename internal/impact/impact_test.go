// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package impact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/structural"
)

type fakeGraph struct {
	importsOf map[string][]structural.ImportFact
	pathOf    map[int64]string
}

func (f fakeGraph) ImportsBySourceLiteral(ctx context.Context, modulePath string, limit int) ([]structural.ImportFact, error) {
	return f.importsOf[modulePath], nil
}

func (f fakeGraph) PathByFileID(ctx context.Context, fileID int64) (string, bool, error) {
	p, ok := f.pathOf[fileID]
	return p, ok, nil
}

func identity(p string) string { return p }

func TestAffectedFilesDirectImporterIsProven(t *testing.T) {
	g := fakeGraph{
		importsOf: map[string][]structural.ImportFact{
			"pkg/a": {{FileID: 2, SourceLiteral: "pkg/a"}},
		},
		pathOf: map[int64]string{2: "pkg/b/file.go"},
	}
	out, err := AffectedFiles(context.Background(), g, []string{"pkg/a"}, identity)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, structural.TierProven, out[0].Tier)
	assert.Equal(t, "pkg/b/file.go", out[0].Path)
}

func TestAffectedFilesTransitiveHopDegradesTier(t *testing.T) {
	g := fakeGraph{
		importsOf: map[string][]structural.ImportFact{
			"pkg/a":          {{FileID: 2, SourceLiteral: "pkg/a"}},
			"pkg/b/file.go":  {{FileID: 3, SourceLiteral: "pkg/b/file.go"}},
		},
		pathOf: map[int64]string{2: "pkg/b/file.go", 3: "pkg/c/file.go"},
	}
	out, err := AffectedFiles(context.Background(), g, []string{"pkg/a"}, identity)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byPath := map[string]AffectedFile{}
	for _, f := range out {
		byPath[f.Path] = f
	}
	assert.Equal(t, structural.TierProven, byPath["pkg/b/file.go"].Tier)
	assert.Equal(t, structural.TierStrong, byPath["pkg/c/file.go"].Tier)
}

func TestAffectedFilesNoImportersReturnsEmpty(t *testing.T) {
	g := fakeGraph{importsOf: map[string][]structural.ImportFact{}, pathOf: map[int64]string{}}
	out, err := AffectedFiles(context.Background(), g, []string{"pkg/isolated"}, identity)
	require.NoError(t, err)
	assert.Empty(t, out)
}
