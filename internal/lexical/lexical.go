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

// Package lexical implements the Lexical Tier (T0): an inverted full-text
// index over file content, keyed by file and build-unit identity. Updates
// are immutable-segment + delete-and-add: a new index is built in a staging
// directory and promoted by an atomic rename, the same promotion discipline
// the teacher's ManifestManager uses for its JSON checkpoint file.
package lexical

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dfinson/codeplane/internal/cperrors"
)

// Document is one indexed file.
type Document struct {
	FileID         int64
	UnitID         int64
	Path           string
	Content        string
	LanguageFamily string
}

// Hit is a single bounded search result.
type Hit struct {
	FileID         int64
	Path           string
	UnitID         int64
	LanguageFamily string
	Score          float64
	Snippet        string
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// postingEntry is one (doc, term frequency) pair in a term's posting list.
type postingEntry struct {
	docIdx int
	tf     int
}

// segment is one immutable built index generation.
type segment struct {
	docs     []Document
	postings map[string][]postingEntry
}

func buildSegment(docs []Document) *segment {
	seg := &segment{docs: docs, postings: make(map[string][]postingEntry)}
	for i, d := range docs {
		counts := map[string]int{}
		for _, tok := range tokenize(d.Content) {
			counts[tok]++
		}
		for tok, tf := range counts {
			seg.postings[tok] = append(seg.postings[tok], postingEntry{docIdx: i, tf: tf})
		}
	}
	return seg
}

// Index is the Lexical Tier handle. Swaps are atomic: a new segment is
// built off the current documents and swapped in under a brief write lock,
// so concurrent searches always see one fully-built generation.
type Index struct {
	mu      sync.RWMutex
	current *segment
	stateDir string
}

// Open loads a persisted index from stateDir if present, or starts empty.
func Open(stateDir string) (*Index, error) {
	idx := &Index{current: buildSegment(nil), stateDir: stateDir}
	path := filepath.Join(stateDir, "lexical.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, cperrors.Wrap(cperrors.IndexCorrupt, "read lexical index", err, nil)
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, cperrors.Wrap(cperrors.IndexCorrupt, "parse lexical index", err, nil)
	}
	idx.current = buildSegment(docs)
	return idx, nil
}

// Upsert replaces the documents for the given file IDs (delete-and-add) and
// stages+promotes a brand new segment built from the full document set.
// This mirrors the teacher's atomic temp-file-then-rename persistence for
// ProjectManifest, generalized to an in-memory inverted index snapshot.
func (idx *Index) Upsert(ctx context.Context, docs []Document) error {
	idx.mu.Lock()
	byFile := make(map[int64]Document, len(idx.current.docs))
	for _, d := range idx.current.docs {
		byFile[d.FileID] = d
	}
	for _, d := range docs {
		byFile[d.FileID] = d
	}
	merged := make([]Document, 0, len(byFile))
	for _, d := range byFile {
		merged = append(merged, d)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })
	newSeg := buildSegment(merged)
	idx.current = newSeg
	idx.mu.Unlock()

	return idx.persist(merged)
}

// Remove deletes documents for the given file IDs and promotes a new
// segment without them.
func (idx *Index) Remove(ctx context.Context, fileIDs []int64) error {
	toRemove := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		toRemove[id] = true
	}
	idx.mu.Lock()
	var kept []Document
	for _, d := range idx.current.docs {
		if !toRemove[d.FileID] {
			kept = append(kept, d)
		}
	}
	idx.current = buildSegment(kept)
	idx.mu.Unlock()
	return idx.persist(kept)
}

func (idx *Index) persist(docs []Document) error {
	if idx.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(idx.stateDir, 0o755); err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "create state dir", err, nil)
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "marshal lexical index", err, nil)
	}
	final := filepath.Join(idx.stateDir, "lexical.json")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return cperrors.Wrap(cperrors.IndexBuildFailed, "create staging file", err, nil)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return cperrors.Wrap(cperrors.IndexBuildFailed, "write staging file", err, nil)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cperrors.Wrap(cperrors.IndexBuildFailed, "fsync staging file", err, nil)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cperrors.Wrap(cperrors.IndexBuildFailed, "close staging file", err, nil)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return cperrors.Wrap(cperrors.IndexBuildFailed, "promote staging file", err, nil)
	}
	return nil
}

// Query is a bounded lexical search request. Limit must be explicit and
// positive; callers supplying none receive UNBOUNDED_QUERY (invariant 6).
type Query struct {
	Text     string
	Limit    int
	UnitID   int64 // 0 = any
	Language string // "" = any
}

// Search performs a bounded ranked lookup over the current segment. Scoring
// is a simple sum of term frequencies across the query's tokens - sufficient
// for the bounded top-K contract the spec requires without claiming any
// particular ranking algorithm.
func (idx *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.Limit <= 0 {
		return nil, cperrors.New(cperrors.UnboundedQuery, "lexical_search requires an explicit positive limit", nil)
	}
	idx.mu.RLock()
	seg := idx.current
	idx.mu.RUnlock()

	scores := make(map[int]float64)
	for _, tok := range tokenize(q.Text) {
		for _, p := range seg.postings[tok] {
			scores[p.docIdx] += float64(p.tf)
		}
	}
	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i, sc := range scores {
		d := seg.docs[i]
		if q.UnitID != 0 && d.UnitID != q.UnitID {
			continue
		}
		if q.Language != "" && d.LanguageFamily != q.Language {
			continue
		}
		ranked = append(ranked, scored{i, sc})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return seg.docs[ranked[i].idx].Path < seg.docs[ranked[j].idx].Path
	})
	if len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}
	out := make([]Hit, 0, len(ranked))
	for _, r := range ranked {
		d := seg.docs[r.idx]
		out = append(out, Hit{
			FileID: d.FileID, Path: d.Path, UnitID: d.UnitID, LanguageFamily: d.LanguageFamily,
			Score: r.score, Snippet: snippet(d.Content, q.Text),
		})
	}
	return out, nil
}

func snippet(content, query string) string {
	lower := strings.ToLower(content)
	terms := tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	pos := strings.Index(lower, terms[0])
	if pos < 0 {
		return ""
	}
	start := pos - 40
	if start < 0 {
		start = 0
	}
	end := pos + 80
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}
