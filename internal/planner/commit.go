// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import (
	"bufio"
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/mutation"
)

// Proof is the anchor+hash evidence a commit_decision call must supply per
// §4.8: the client re-reads its own view of the file and proves it still
// matches before the server applies anything.
type Proof struct {
	Path          string
	Line          int
	AnchorBefore  string
	AnchorAfter   string
	ContentSHA256 string
}

// FileReader is the minimal file-content access the commit path needs to
// resolve PlannedEdits into concrete mutation.Edit spans and to run the
// documentation sweep.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// CommitResult is the outcome of a successful commit_decision.
type CommitResult struct {
	Deltas            []*mutation.Delta
	DocSweep          *DocSweepResult
	ReviewRecommended bool
	EpochAfter        int64
}

// Reindexer is the post-write hook the commit path calls once every file in
// the candidate has been written, per §2's "the Mutation Engine ... calls
// the Reconciler (post-write) to mark files dirty and force the next
// epoch" - without it, a commit_decision apply would satisfy write-read
// causality for nobody: later reads could observe pre-commit facts forever.
type Reindexer interface {
	ReindexPaths(ctx context.Context, paths []string) (epochAfter int64, err error)
}

// CommitDecision re-validates the full mutation gate (freshness +
// ambiguity), verifies the caller's anchor+hash proof, applies the selected
// candidate's edits file by file through the Mutation Engine, forces the
// written files back to CLEAN through reindexer, and runs the documentation
// sweep. If re-resolution shows the world has moved since the plan was
// issued (the plan is now blocked, a ready plan has become ambiguous, or the
// selected candidate now names a different definition), it returns a fresh
// Plan with NeedsDecision or Blocked instead of applying anything.
func CommitDecision(ctx context.Context, store FactStore, reader FileReader, currentEpoch int64, plan *Plan, candidateID string, proofs []Proof, reindexer Reindexer) (*CommitResult, *Plan, error) {
	if plan.ExpiresAtEpoch < currentEpoch {
		return nil, nil, cperrors.New(cperrors.PlanExpired, "plan expired before commit", map[string]any{"plan_id": plan.PlanID})
	}

	fresh, err := PlanRename(ctx, store, currentEpoch, plan.Symbol, plan.NewName)
	if err != nil {
		return nil, nil, err
	}
	if fresh.Status == Blocked || (fresh.Status == NeedsDecision && plan.Status != NeedsDecision) {
		return nil, fresh, nil
	}

	candidate, err := findCandidate(fresh, candidateID)
	if err != nil {
		return nil, nil, err
	}
	if prior, perr := findCandidate(plan, candidateID); perr != nil || prior.DefUID != candidate.DefUID {
		return nil, fresh, nil
	}

	if blocked, err := blockedByFreshness(ctx, store, candidate.AffectedPaths()); err != nil {
		return nil, nil, err
	} else if len(blocked) > 0 {
		fresh.Status = Blocked
		fresh.SuggestedRefreshScope = blocked
		return nil, fresh, nil
	}

	if err := verifyProofs(ctx, reader, proofs); err != nil {
		return nil, nil, err
	}

	byPath := make(map[string][]PlannedEdit)
	for _, e := range candidate.Edits {
		byPath[e.Path] = append(byPath[e.Path], e)
	}

	var deltas []*mutation.Delta
	for path, edits := range byPath {
		content, err := reader.ReadFile(ctx, path)
		if err != nil {
			return nil, nil, cperrors.Wrap(cperrors.InternalError, "read file for commit", err, map[string]any{"path": path})
		}
		muts, err := resolveEdits(string(content), edits)
		if err != nil {
			return nil, nil, err
		}
		delta, err := mutation.Apply(ctx, path, muts)
		if err != nil {
			return nil, nil, err
		}
		deltas = append(deltas, delta)
	}

	var epochAfter int64
	if reindexer != nil {
		written := make([]string, 0, len(byPath))
		for path := range byPath {
			written = append(written, path)
		}
		epochAfter, err = reindexer.ReindexPaths(ctx, written)
		if err != nil {
			return nil, nil, err
		}
	}

	docSweep, err := SweepDocs(ctx, reader, docSweepCandidatePaths(candidate), plan.Symbol, plan.NewName)
	if err != nil {
		return nil, nil, err
	}

	return &CommitResult{Deltas: deltas, DocSweep: docSweep, ReviewRecommended: docSweep.ReviewRecommended, EpochAfter: epochAfter}, nil, nil
}

// resolveEdits turns line/col PlannedEdits into whole-line mutation.Edit
// spans by reading the exact current line text and replacing the old
// token at its column, the only point at which the planner touches file
// bytes directly.
func resolveEdits(content string, edits []PlannedEdit) ([]mutation.Edit, error) {
	lines := strings.Split(content, "\n")
	out := make([]mutation.Edit, 0, len(edits))
	for _, e := range edits {
		if e.Line < 1 || e.Line > len(lines) {
			return nil, cperrors.New(cperrors.PreconditionFailed, "planned edit line is out of range for current file content", map[string]any{"path": e.Path, "line": e.Line})
		}
		lineText := lines[e.Line-1]
		if e.Col < 0 || e.Col+len(e.OldToken) > len(lineText) || lineText[e.Col:e.Col+len(e.OldToken)] != e.OldToken {
			return nil, cperrors.New(cperrors.PreconditionFailed, "planned edit token no longer matches file content at its recorded position", map[string]any{"path": e.Path, "line": e.Line})
		}
		newLine := lineText[:e.Col] + e.NewToken + lineText[e.Col+len(e.OldToken):]
		out = append(out, mutation.Edit{
			Span:        mutation.Span{StartLine: e.Line, EndLine: e.Line, ExpectedHash: mutation.HashSpan(lineText)},
			Replacement: newLine,
		})
	}
	return out, nil
}

func verifyProofs(ctx context.Context, reader FileReader, proofs []Proof) error {
	for _, p := range proofs {
		content, err := reader.ReadFile(ctx, p.Path)
		if err != nil {
			return cperrors.Wrap(cperrors.InternalError, "read file for proof verification", err, map[string]any{"path": p.Path})
		}
		got := mutation.HashSpan(string(content))
		lines := strings.Split(string(content), "\n")
		if p.Line < 1 || p.Line > len(lines) {
			return cperrors.New(cperrors.PreconditionFailed, "proof line out of range", map[string]any{"path": p.Path})
		}
		lineHash := mutation.HashSpan(lines[p.Line-1])
		if p.ContentSHA256 != got && p.ContentSHA256 != lineHash {
			return cperrors.New(cperrors.PreconditionFailed, "commit proof does not match current file content", map[string]any{"path": p.Path, "line": p.Line})
		}
	}
	return nil
}

func docSweepCandidatePaths(c *Candidate) []string {
	return c.AffectedPaths()
}

// docExtensions are the file kinds the documentation sweep scans, per
// §4.8's "markdown/RST/AsciiDoc/plain text" list.
var docExtensions = map[string]bool{
	".md": true, ".markdown": true, ".rst": true, ".adoc": true, ".txt": true,
}

// DocMatch is one textual hit for the old symbol name outside the semantic
// edit set.
type DocMatch struct {
	Path       string
	Line       int
	Confidence string // high | medium | low
	Text       string
}

// DocSweepResult is the documentation sweep's output, kept structurally
// separate from the semantic edit delta per §4.8.
type DocSweepResult struct {
	Matches           []DocMatch
	ReviewRecommended bool
}

// SweepDocs scans the README file (README.md, .markdown, .rst, .adoc or
// .txt) in each given source file's directory for lines containing oldName
// as a substring, and records every hit at "high" confidence. This is a
// best-effort textual pass, not a semantic one: source comments and other
// documentation files are not scanned, and matches are not limited to whole
// words.
func SweepDocs(ctx context.Context, reader FileReader, sourcePaths []string, oldName, newName string) (*DocSweepResult, error) {
	result := &DocSweepResult{}
	seen := map[string]bool{}
	exts := make([]string, 0, len(docExtensions))
	for ext := range docExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, src := range sourcePaths {
		dir := filepath.Dir(src)
		for _, ext := range exts {
			candidate := filepath.Join(dir, "README"+ext)
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			content, err := reader.ReadFile(ctx, candidate)
			if err != nil {
				continue // absence is normal, not an error
			}
			scanMatches(result, candidate, string(content), oldName, "high")
		}
	}
	for _, c := range result.Matches {
		if c.Confidence != "high" {
			result.ReviewRecommended = true
		}
	}
	return result, nil
}

func scanMatches(result *DocSweepResult, path, content, term, confidence string) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.Contains(text, term) {
			result.Matches = append(result.Matches, DocMatch{Path: path, Line: line, Confidence: confidence, Text: text})
		}
	}
}
