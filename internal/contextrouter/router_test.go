// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/cperrors"
)

type fakeLister struct{ files []string }

func (f fakeLister) ListFiles(ctx context.Context) ([]string, error) { return f.files, nil }

type cleanSampler struct{}

func (cleanSampler) Probe(ctx context.Context, family, relPath string) (int, int, bool, error) {
	return 0, 10, true, nil
}

var goMarkers = []FamilyMarkers{
	{Family: "go", Tier2Markers: []string{"go.mod"}, IncludeSpec: []string{"**/*.go"}, StrictTier1Authority: false},
}

func TestDiscoverSinglePackageRoot(t *testing.T) {
	lister := fakeLister{files: []string{"go.mod", "main.go", "pkg/util.go"}}
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 0)
	require.NoError(t, r.Discover(context.Background(), lister))

	c, err := r.GetContext("go", "pkg/util.go")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "", c.RootPath)
	assert.Equal(t, Valid, c.ProbeStatus)
}

func TestDiscoverDeepestRootWins(t *testing.T) {
	lister := fakeLister{files: []string{
		"go.mod", "main.go",
		"sub/go.mod", "sub/main.go",
	}}
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 0)
	require.NoError(t, r.Discover(context.Background(), lister))

	c, err := r.GetContext("go", "sub/main.go")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "sub", c.RootPath)

	root, err := r.GetContext("go", "main.go")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, "", root.RootPath)
}

func TestHolePunchExcludesNestedRootFiles(t *testing.T) {
	lister := fakeLister{files: []string{
		"go.mod", "main.go",
		"sub/go.mod", "sub/main.go",
	}}
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 0)
	require.NoError(t, r.Discover(context.Background(), lister))

	var parentRoot *Context
	for _, c := range r.contexts {
		if c.RootPath == "" {
			parentRoot = c
		}
	}
	require.NotNil(t, parentRoot)
	assert.True(t, matchedByAny("sub/main.go", parentRoot.ExcludeSpec))
}

func TestGetContextBeforeDiscoverIsNotReady(t *testing.T) {
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 0)
	_, err := r.GetContext("go", "main.go")
	require.Error(t, err)
	assert.True(t, cperrors.IsCode(err, cperrors.ContextRouterNotReady))
}

func TestEmptyContextWhenNoMatchingFiles(t *testing.T) {
	lister := fakeLister{files: []string{"go.mod"}}
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 0)
	require.NoError(t, r.Discover(context.Background(), lister))

	var found *Context
	for _, c := range r.contexts {
		found = c
	}
	require.NotNil(t, found)
	assert.Equal(t, Empty, found.ProbeStatus)
}

type failingSampler struct{}

func (failingSampler) Probe(ctx context.Context, family, relPath string) (int, int, bool, error) {
	return 10, 10, true, nil
}

func TestProbeFailsOnHighErrorRatio(t *testing.T) {
	lister := fakeLister{files: []string{"go.mod", "main.go"}}
	r := New(goMarkers, failingSampler{}, 5, 0.1, 0)
	require.NoError(t, r.Discover(context.Background(), lister))

	var found *Context
	for _, c := range r.contexts {
		found = c
	}
	require.NotNil(t, found)
	assert.Equal(t, Failed, found.ProbeStatus)
}

func TestDiscoverRespectsProbeRateLimitWithinBurst(t *testing.T) {
	lister := fakeLister{files: []string{"go.mod", "main.go", "pkg/util.go"}}
	r := New(goMarkers, cleanSampler{}, 5, 0.1, 1000)
	require.NoError(t, r.Discover(context.Background(), lister))

	c, err := r.GetContext("go", "main.go")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, Valid, c.ProbeStatus)
}
