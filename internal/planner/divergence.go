// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import "fmt"

// editKey identifies an edit site independent of which context produced it.
type editKey struct {
	Path string
	Line int
	Col  int
}

// DivergenceReport explains why merging per-context candidates failed: the
// same site was edited differently by two contexts, and the planner refuses
// to silently pick one per §4.8's multi-context behavior.
type DivergenceReport struct {
	ConflictingPath string
	ConflictingLine int
	Variants        []string // NewToken value proposed by each diverging context
}

// MergeAcrossContexts unions the disjoint edits from each context's
// candidate for the same symbol, de-duplicates edits every context agrees
// on, and fails with an explicit DivergenceReport the moment two contexts
// propose different edits at the same site. allowPrimaryOverride, when true
// and a primaryContextIndex is set, resolves a divergence by keeping that
// context's edit instead of failing - but per §13.1 this must default to
// disabled, so callers should only pass true when a caller has explicitly
// opted in.
func MergeAcrossContexts(candidates []Candidate, allowPrimaryOverride bool, primaryContextIndex int) (*Candidate, *DivergenceReport, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("no per-context candidates to merge")
	}
	if len(candidates) == 1 {
		return &candidates[0], nil, nil
	}

	chosen := make(map[editKey]PlannedEdit)
	proposedBy := make(map[editKey][]int) // editKey -> candidate indices proposing a differing value

	for ci, c := range candidates {
		for _, e := range c.Edits {
			key := editKey{Path: e.Path, Line: e.Line, Col: e.Col}
			if existing, ok := chosen[key]; ok {
				if existing.NewToken == e.NewToken {
					continue
				}
				proposedBy[key] = append(proposedBy[key], ci)
				continue
			}
			chosen[key] = e
			proposedBy[key] = []int{ci}
		}
	}

	var divergences []editKey
	for key, idxs := range proposedBy {
		if len(idxs) > 1 {
			divergences = append(divergences, key)
		}
	}

	if len(divergences) > 0 {
		if allowPrimaryOverride && primaryContextIndex >= 0 && primaryContextIndex < len(candidates) {
			for _, key := range divergences {
				for _, e := range candidates[primaryContextIndex].Edits {
					if e.Path == key.Path && e.Line == key.Line && e.Col == key.Col {
						chosen[key] = e
					}
				}
			}
		} else {
			key := divergences[0]
			var variants []string
			for _, c := range candidates {
				for _, e := range c.Edits {
					if e.Path == key.Path && e.Line == key.Line && e.Col == key.Col {
						variants = append(variants, e.NewToken)
					}
				}
			}
			return nil, &DivergenceReport{ConflictingPath: key.Path, ConflictingLine: key.Line, Variants: variants}, nil
		}
	}

	merged := Candidate{
		CandidateID: "merged", Description: "union of per-context candidates", Confidence: 1, Provenance: "semantic",
	}
	for _, e := range chosen {
		merged.Edits = append(merged.Edits, e)
	}
	return &merged, nil, nil
}
