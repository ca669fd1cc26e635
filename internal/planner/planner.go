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

// Package planner implements the Refactor Planner: bounded candidate
// generation from structural facts, the two-phase plan/commit flow, witness
// packets, decision capsules, the mutation gate, and multi-context
// divergence handling. It generalizes the teacher's interface-dispatch
// resolution in pkg/ingestion/resolver.go - where an ambiguous method call
// fans out into multiple candidate implementers - to an explicit two-phase
// plan/commit flow. Symbol rename (PlanRename) is the only operation
// planned; file moves and symbol deletes are not planned here.
package planner

import (
	"context"
	"fmt"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/structural"
)

// Status is a plan's outcome classification.
type Status string

const (
	Ready         Status = "ready"
	NeedsDecision Status = "needs_decision"
	Blocked       Status = "blocked"
)

// Occurrence is one located reference to the symbol being planned over.
type Occurrence struct {
	Path string
	Line int
	Col  int
	Text string
	Tier structural.RefTier
}

// PlannedEdit is a token-level rename site. It deliberately stops short of a
// concrete mutation.Edit: turning it into a whole-line span with a
// precondition hash requires reading the file's current content, which only
// happens at commit time so the plan itself never goes stale by holding
// file bytes across the plan/commit gap.
type PlannedEdit struct {
	Path     string
	Line     int
	Col      int
	OldToken string
	NewToken string
}

// Candidate is one disambiguation option in a needs_decision plan, or the
// sole entry in a ready plan.
type Candidate struct {
	CandidateID string
	Description string
	Confidence  float64
	Provenance  string // "semantic" or "syntactic"
	DefUID      string
	Edits       []PlannedEdit
	Occurrences []Occurrence
}

// AffectedPaths returns the distinct file paths this candidate would edit.
func (c Candidate) AffectedPaths() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range c.Edits {
		if !seen[e.Path] {
			seen[e.Path] = true
			out = append(out, e.Path)
		}
	}
	return out
}

// Capsule is a bounded micro-query the client can run to help disambiguate,
// with an explicit stop rule so it cannot be used as an unbounded search.
type Capsule struct {
	Kind     string // scope_resolution | receiver_resolution | context_membership
	Query    string
	StopRule string
}

// Witness is the evidence packet accompanying a needs_decision or blocked plan.
type Witness struct {
	SearchBounds            string
	FactsObserved           []string
	FailedInvariants        []string
	DisambiguationChecklist []string
}

// Plan is the full response to plan_rename.
type Plan struct {
	PlanID                string
	Status                Status
	Symbol                string
	NewName               string
	Candidates            []Candidate
	Witness               *Witness
	Capsules              []Capsule
	ExpiresAtEpoch        int64 // plan validity window expressed in epochs, not wall time
	SuggestedRefreshScope []string
}

// FactStore is the narrow read surface the planner needs from the
// Structural Tier.
type FactStore interface {
	DefsBySimpleName(ctx context.Context, name string, limit int) ([]structural.DefFact, error)
	ListRefs(ctx context.Context, defUID string, tier structural.RefTier, limit int) ([]structural.RefFact, error)
	PathByFileID(ctx context.Context, fileID int64) (string, bool, error)
	Freshness(ctx context.Context, path string) (structural.FreshnessState, error)
}

const refQueryLimit = 2000
const planTTLEpochs = 5

// PlanRename resolves symbol's candidate definitions, tiers their
// references, and produces a Plan. currentEpoch is the epoch the plan is
// computed at; the plan expires planTTLEpochs after it, per §4.8's
// expires_at contract (epoch-denominated here rather than wall-clock, since
// the freshness gate and mutation gate are both epoch-native).
func PlanRename(ctx context.Context, store FactStore, currentEpoch int64, symbol, newName string) (*Plan, error) {
	planID := fmt.Sprintf("plan:%s->%s@%d", symbol, newName, currentEpoch)

	if symbol == newName {
		return &Plan{
			PlanID: planID, Status: Ready, Symbol: symbol, NewName: newName,
			Candidates:     []Candidate{{CandidateID: "group_0", Description: "no-op rename", Confidence: 1, Provenance: "semantic"}},
			ExpiresAtEpoch: currentEpoch + planTTLEpochs,
		}, nil
	}

	defs, err := store.DefsBySimpleName(ctx, symbol, 50)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return &Plan{
			PlanID: planID, Status: Blocked, Symbol: symbol, NewName: newName,
			Witness: &Witness{
				SearchBounds:     fmt.Sprintf("def_facts WHERE simple_name = %q", symbol),
				FailedInvariants: []string{"no definition found with the requested simple_name"},
			},
			ExpiresAtEpoch: currentEpoch + planTTLEpochs,
		}, nil
	}

	candidates := make([]Candidate, 0, len(defs))
	allProven := len(defs) == 1
	var factsObserved []string
	var failedInvariants []string

	for i, d := range defs {
		refs, err := store.ListRefs(ctx, d.DefUID, "", refQueryLimit)
		if err != nil {
			return nil, err
		}
		var occs []Occurrence
		var edits []PlannedEdit
		provenance := "semantic"
		confidence := confidenceFor(d, refs)

		for _, r := range refs {
			path, ok, err := store.PathByFileID(ctx, r.FileID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			occs = append(occs, Occurrence{Path: path, Line: r.Line, Col: r.Col, Text: r.TokenText, Tier: r.Tier})
			edits = append(edits, PlannedEdit{Path: path, Line: r.Line, Col: r.Col, OldToken: r.TokenText, NewToken: newName})
			if r.Tier != structural.TierProven {
				allProven = false
			}
			if r.Tier == structural.TierUnknown {
				provenance = "syntactic"
			}
		}

		factsObserved = append(factsObserved, fmt.Sprintf("def_uid=%s kind=%s lexical_path=%s refs=%d", d.DefUID, d.Kind, d.LexicalPath, len(refs)))

		candidates = append(candidates, Candidate{
			CandidateID: fmt.Sprintf("group_%d", i),
			Description: fmt.Sprintf("%s %s at %s", d.Kind, d.SimpleName, d.LexicalPath),
			Confidence:  confidence, Provenance: provenance, DefUID: d.DefUID,
			Edits: edits, Occurrences: occs,
		})
	}

	if len(defs) > 1 {
		failedInvariants = append(failedInvariants, "multiple definitions share simple_name; identity is ambiguous")
	}

	status := Ready
	if !allProven || len(defs) > 1 {
		status = NeedsDecision
	}

	plan := &Plan{
		PlanID: planID, Status: status, Symbol: symbol, NewName: newName,
		Candidates:     candidates,
		ExpiresAtEpoch: currentEpoch + planTTLEpochs,
	}
	if status == NeedsDecision {
		plan.Witness = &Witness{
			SearchBounds:            fmt.Sprintf("def_facts/ref_facts reachable from simple_name=%q within %d refs per candidate", symbol, refQueryLimit),
			FactsObserved:           factsObserved,
			FailedInvariants:        failedInvariants,
			DisambiguationChecklist: []string{"confirm receiver type at each call site", "confirm enclosing scope owns the intended definition"},
		}
		plan.Capsules = []Capsule{
			{Kind: "scope_resolution", Query: "resolve enclosing scope for each occurrence", StopRule: "stop once every occurrence's scope chain reaches a DEF or file root"},
			{Kind: "receiver_resolution", Query: "resolve receiver type for method-shaped occurrences", StopRule: "stop after one resolution attempt per occurrence"},
			{Kind: "context_membership", Query: "confirm which context owns each occurrence's file", StopRule: "stop once every occurrence maps to exactly one context"},
		}
	}

	if status == Ready {
		blockedPaths, err := blockedByFreshness(ctx, store, candidates[0].AffectedPaths())
		if err != nil {
			return nil, err
		}
		if len(blockedPaths) > 0 {
			plan.Status = Blocked
			plan.SuggestedRefreshScope = blockedPaths
		}
	}

	return plan, nil
}

func confidenceFor(d structural.DefFact, refs []structural.RefFact) float64 {
	if len(refs) == 0 {
		return 0.5
	}
	proven, total := 0, 0
	for _, r := range refs {
		total++
		if r.Tier == structural.TierProven {
			proven++
		}
	}
	return 0.5 + 0.5*float64(proven)/float64(total)
}

func blockedByFreshness(ctx context.Context, store FactStore, paths []string) ([]string, error) {
	var blocked []string
	for _, p := range paths {
		state, err := store.Freshness(ctx, p)
		if err != nil {
			return nil, err
		}
		if state != structural.Clean {
			blocked = append(blocked, p)
		}
	}
	return blocked, nil
}

func findCandidate(plan *Plan, candidateID string) (*Candidate, error) {
	for i := range plan.Candidates {
		if plan.Candidates[i].CandidateID == candidateID {
			return &plan.Candidates[i], nil
		}
	}
	return nil, cperrors.New(cperrors.NeedsDecision, "selected_candidate_id does not match any candidate in this plan", map[string]any{"candidate_id": candidateID})
}
