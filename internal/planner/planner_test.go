// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfinson/codeplane/internal/structural"
)

type fakeStore struct {
	defs      map[string][]structural.DefFact
	refs      map[string][]structural.RefFact
	paths     map[int64]string
	freshness map[string]structural.FreshnessState
}

func (f fakeStore) DefsBySimpleName(ctx context.Context, name string, limit int) ([]structural.DefFact, error) {
	return f.defs[name], nil
}
func (f fakeStore) ListRefs(ctx context.Context, defUID string, tier structural.RefTier, limit int) ([]structural.RefFact, error) {
	var out []structural.RefFact
	for _, r := range f.refs[defUID] {
		if tier == "" || r.Tier == tier {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f fakeStore) PathByFileID(ctx context.Context, fileID int64) (string, bool, error) {
	p, ok := f.paths[fileID]
	return p, ok, nil
}
func (f fakeStore) Freshness(ctx context.Context, path string) (structural.FreshnessState, error) {
	if s, ok := f.freshness[path]; ok {
		return s, nil
	}
	return structural.Clean, nil
}

func TestPlanRenameNoOpSameName(t *testing.T) {
	plan, err := PlanRename(context.Background(), fakeStore{}, 1, "Foo", "Foo")
	require.NoError(t, err)
	assert.Equal(t, Ready, plan.Status)
	assert.Empty(t, plan.Candidates[0].Edits)
}

func TestPlanRenameUnknownSymbolBlocked(t *testing.T) {
	plan, err := PlanRename(context.Background(), fakeStore{defs: map[string][]structural.DefFact{}}, 1, "Missing", "New")
	require.NoError(t, err)
	assert.Equal(t, Blocked, plan.Status)
}

func TestPlanRenameSimplePathReady(t *testing.T) {
	store := fakeStore{
		defs: map[string][]structural.DefFact{
			"Foo": {{DefUID: "d1", Kind: "function", SimpleName: "Foo", LexicalPath: "a.go::Foo"}},
		},
		refs: map[string][]structural.RefFact{
			"d1": {{FileID: 1, TokenText: "Foo", Line: 5, Col: 2, Tier: structural.TierProven}},
		},
		paths: map[int64]string{1: "a.go"},
	}
	plan, err := PlanRename(context.Background(), store, 1, "Foo", "Bar")
	require.NoError(t, err)
	assert.Equal(t, Ready, plan.Status)
	require.Len(t, plan.Candidates, 1)
	assert.Len(t, plan.Candidates[0].Edits, 1)
}

func TestPlanRenameAmbiguousNeedsDecision(t *testing.T) {
	store := fakeStore{
		defs: map[string][]structural.DefFact{
			"process": {
				{DefUID: "d1", Kind: "method", SimpleName: "process", LexicalPath: "core.py::MyClass.process"},
				{DefUID: "d2", Kind: "function", SimpleName: "process", LexicalPath: "utils.py::process"},
			},
		},
		refs: map[string][]structural.RefFact{
			"d1": {{FileID: 1, TokenText: "process", Line: 1, Col: 0, Tier: structural.TierProven}},
			"d2": {{FileID: 2, TokenText: "process", Line: 1, Col: 0, Tier: structural.TierProven}},
		},
		paths: map[int64]string{1: "core.py", 2: "utils.py"},
	}
	plan, err := PlanRename(context.Background(), store, 1, "process", "handle")
	require.NoError(t, err)
	assert.Equal(t, NeedsDecision, plan.Status)
	assert.Len(t, plan.Candidates, 2)
	require.NotNil(t, plan.Witness)
	assert.Len(t, plan.Capsules, 3)
}

func TestPlanRenameBlockedWhenDirty(t *testing.T) {
	store := fakeStore{
		defs: map[string][]structural.DefFact{
			"Foo": {{DefUID: "d1", Kind: "function", SimpleName: "Foo"}},
		},
		refs: map[string][]structural.RefFact{
			"d1": {{FileID: 1, TokenText: "Foo", Line: 1, Col: 0, Tier: structural.TierProven}},
		},
		paths:     map[int64]string{1: "a.go"},
		freshness: map[string]structural.FreshnessState{"a.go": structural.Dirty},
	}
	plan, err := PlanRename(context.Background(), store, 1, "Foo", "Bar")
	require.NoError(t, err)
	assert.Equal(t, Blocked, plan.Status)
	assert.Contains(t, plan.SuggestedRefreshScope, "a.go")
}

func TestMergeAcrossContextsUnionsDisjointEdits(t *testing.T) {
	a := Candidate{Edits: []PlannedEdit{{Path: "x.go", Line: 1, Col: 0, NewToken: "A"}}}
	b := Candidate{Edits: []PlannedEdit{{Path: "y.go", Line: 2, Col: 0, NewToken: "A"}}}
	merged, div, err := MergeAcrossContexts([]Candidate{a, b}, false, -1)
	require.NoError(t, err)
	require.Nil(t, div)
	assert.Len(t, merged.Edits, 2)
}

func TestMergeAcrossContextsFailsOnDivergence(t *testing.T) {
	a := Candidate{Edits: []PlannedEdit{{Path: "x.go", Line: 1, Col: 0, NewToken: "A"}}}
	b := Candidate{Edits: []PlannedEdit{{Path: "x.go", Line: 1, Col: 0, NewToken: "B"}}}
	merged, div, err := MergeAcrossContexts([]Candidate{a, b}, false, -1)
	require.NoError(t, err)
	assert.Nil(t, merged)
	require.NotNil(t, div)
	assert.Equal(t, "x.go", div.ConflictingPath)
}
