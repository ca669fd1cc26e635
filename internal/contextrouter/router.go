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

// Package contextrouter implements the Context Router: discovery of
// per-family contexts (workspace fences, package roots, ambient roots),
// deterministic probing, and file→context ownership resolution with
// deepest-root-wins, hole-punch exclusion and segment-safe containment.
//
// This generalizes the teacher's per-package indexing in
// pkg/ingestion/resolver.go (PackageInfo discovery keyed by manifest files)
// from "one package index per Go module" to the spec's multi-family,
// multi-tier marker discovery.
package contextrouter

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/pathspec"
)

// ProbeStatus is a context's validity state.
type ProbeStatus string

const (
	Pending  ProbeStatus = "pending"
	Valid    ProbeStatus = "valid"
	Failed   ProbeStatus = "failed"
	Empty    ProbeStatus = "empty"
	Detached ProbeStatus = "detached"
)

// Context is one (id, language_family, root_path, ...) ownership record.
type Context struct {
	ID             int64
	LanguageFamily string
	RootPath       string // "" for ambient-root families
	IncludeSpec    []string
	ExcludeSpec    []string
	ProbeStatus    ProbeStatus
}

// FamilyMarkers is the per-family marker table driving discovery: Tier-1
// workspace fences (lockfiles, workspace manifests, solution files) and
// Tier-2 package roots (per-project manifests).
type FamilyMarkers struct {
	Family       string
	Tier1Markers []string // e.g. "go.work", "pnpm-workspace.yaml"
	Tier2Markers []string // e.g. "go.mod", "package.json"
	IncludeSpec  []string // e.g. "**/*.go"
	AmbientOnly  bool     // families without reliable package markers
	// StrictTier1Authority: if true, sub-roots not enumerated by a Tier-1
	// manifest are `detached`; if false, they are `pending`.
	StrictTier1Authority bool
}

var universalExcludes = []string{
	"**/node_modules/**", "**/venv/**", "**/__pycache__/**",
	"**/.git/**", "**/target/**", "**/dist/**", "**/build/**", "**/vendor/**",
}

// ProbeSampler parses a candidate sample file to decide whether a context
// probe passes. The Parser Facade backs this; the router does not parse
// files itself.
type ProbeSampler interface {
	// Probe parses relPath under family and reports (errorNodeCount,
	// totalNamedNodeCount, ok-to-consider-this-a-parse-at-all).
	Probe(ctx context.Context, family, relPath string) (errorNodes, namedNodes int, parsed bool, err error)
}

// FileLister lists every indexable repo-relative path, used for discovery
// and for sampling probe candidates.
type FileLister interface {
	ListFiles(ctx context.Context) ([]string, error)
}

// Router owns context discovery and resolution. It must not answer queries
// until the initial probe has resolved every pending candidate.
type Router struct {
	mu       sync.RWMutex
	ready    bool
	contexts []*Context
	markers  []FamilyMarkers
	sampler  ProbeSampler
	sampleSize int
	errorTolerance float64
	nextID   int64
	limiter  *rate.Limiter
}

// New constructs a Router. Call Discover before any Resolve call.
// probesPerSecond bounds how often the sampler is actually invoked during
// discovery, giving a repo with many candidate contexts backpressure
// against the disk instead of firing every probe read at once; 0 disables
// the limiter. The burst allowance is one full sample (sampleSize), so a
// single context's probe never stalls waiting on its own budget.
func New(markers []FamilyMarkers, sampler ProbeSampler, sampleSize int, errorTolerance float64, probesPerSecond float64) *Router {
	r := &Router{markers: markers, sampler: sampler, sampleSize: sampleSize, errorTolerance: errorTolerance}
	if probesPerSecond > 0 {
		burst := sampleSize
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(probesPerSecond), burst)
	}
	return r
}

// Discover runs marker-based and ambient-root discovery, hole-punch
// exclusion, and the deterministic probe, leaving the router ready to
// answer Resolve calls.
func (r *Router) Discover(ctx context.Context, lister FileLister) error {
	files, err := lister.ListFiles(ctx)
	if err != nil {
		return cperrors.Wrap(cperrors.InternalError, "list files for context discovery", err, nil)
	}

	r.mu.Lock()
	r.contexts = nil
	r.ready = false
	r.mu.Unlock()

	var found []*Context
	for _, fm := range r.markers {
		if fm.AmbientOnly {
			found = append(found, &Context{
				LanguageFamily: fm.Family,
				RootPath:       "",
				IncludeSpec:    fm.IncludeSpec,
				ExcludeSpec:    append([]string(nil), universalExcludes...),
				ProbeStatus:    Pending,
			})
			continue
		}
		tier1Roots := findMarkerRoots(files, fm.Tier1Markers)
		tier2Roots := findMarkerRoots(files, fm.Tier2Markers)

		for _, root := range tier2Roots {
			status := Pending
			if fm.StrictTier1Authority && len(tier1Roots) > 0 && !underAny(root, tier1Roots) {
				status = Detached
			}
			found = append(found, &Context{
				LanguageFamily: fm.Family, RootPath: root,
				IncludeSpec: fm.IncludeSpec, ExcludeSpec: append([]string(nil), universalExcludes...),
				ProbeStatus: status,
			})
		}
		// A Tier-1 fence that is not itself at or below a Tier-2 root gets
		// its own context; any Tier-2 roots nested under it are hole-punched
		// out of it below.
		for _, root := range tier1Roots {
			if !underAny(root, tier2Roots) {
				found = append(found, &Context{
					LanguageFamily: fm.Family, RootPath: root,
					IncludeSpec: fm.IncludeSpec, ExcludeSpec: append([]string(nil), universalExcludes...),
					ProbeStatus: Pending,
				})
			}
		}
	}

	applyHolePunch(found)

	for i, c := range found {
		r.nextID++
		c.ID = r.nextID
		if c.ProbeStatus == Detached {
			continue
		}
		status, err := r.probe(ctx, c, files)
		if err != nil {
			return err
		}
		found[i].ProbeStatus = status
	}

	r.mu.Lock()
	r.contexts = found
	r.ready = true
	r.mu.Unlock()
	return nil
}

// findMarkerRoots returns the set of directories (POSIX relative, "" for
// repo root) containing any of the given marker file basenames.
func findMarkerRoots(files []string, markers []string) []string {
	if len(markers) == 0 {
		return nil
	}
	markerSet := make(map[string]bool, len(markers))
	for _, m := range markers {
		markerSet[m] = true
	}
	rootSet := make(map[string]bool)
	for _, f := range files {
		base := path.Base(f)
		if markerSet[base] {
			rootSet[path.Dir(f)] = true
		}
	}
	var roots []string
	for r := range rootSet {
		if r == "." {
			r = ""
		}
		roots = append(roots, r)
	}
	sort.Strings(roots)
	return roots
}

func underAny(root string, roots []string) bool {
	for _, other := range roots {
		if other == root || (other != "" && strings.HasPrefix(root, other+"/")) {
			return true
		}
	}
	return false
}

// applyHolePunch appends {child_rel_root}/** to every parent candidate's
// exclude_spec for each strictly-nested same-family child, guaranteeing
// single-owner membership within a family.
func applyHolePunch(contexts []*Context) {
	for _, parent := range contexts {
		for _, child := range contexts {
			if parent == child || parent.LanguageFamily != child.LanguageFamily {
				continue
			}
			if isStrictChild(parent.RootPath, child.RootPath) {
				parent.ExcludeSpec = append(parent.ExcludeSpec, child.RootPath+"/**")
			}
		}
	}
}

func isStrictChild(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == "" {
		return child != ""
	}
	return strings.HasPrefix(child, parent+"/")
}

// probe samples up to sampleSize files from include_spec, ordered by (path
// length ascending, then lexicographic), and classifies the context per the
// deterministic rule in §4.7.
func (r *Router) probe(ctx context.Context, c *Context, files []string) (ProbeStatus, error) {
	var candidates []string
	for _, f := range files {
		if !underRoot(f, c.RootPath) {
			continue
		}
		if matchedByAny(f, c.ExcludeSpec) {
			continue
		}
		if matchedByAny(f, c.IncludeSpec) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return Empty, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) > r.sampleSize {
		candidates = candidates[:r.sampleSize]
	}

	if r.sampler == nil {
		return Valid, nil
	}
	for _, cand := range candidates {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return Failed, cperrors.Wrap(cperrors.InternalError, "probe rate limiter wait", err, nil)
			}
		}
		errNodes, named, parsed, err := r.sampler.Probe(ctx, c.LanguageFamily, cand)
		if err != nil {
			return Failed, err
		}
		if !parsed {
			continue
		}
		tolerance := float64(errNodes)
		if named > 0 {
			tolerance = float64(errNodes) / float64(named)
		}
		if (errNodes == 0 || tolerance < r.errorTolerance) && named > 0 {
			return Valid, nil
		}
	}
	return Failed, nil
}

func underRoot(relPath, root string) bool {
	if root == "" {
		return true
	}
	return relPath == root || strings.HasPrefix(relPath, root+"/")
}

func matchedByAny(relPath string, globs []string) bool {
	for _, g := range globs {
		if pathspec.MatchGlob(relPath, g) {
			return true
		}
	}
	return false
}

// GetContext resolves (file_path, family) to its owning context, or nil if
// no context owns it. Candidates are sorted deepest-root-first; the first
// one that contains the file, is not excluded, and is matched by its
// include spec wins. A file may be owned by multiple contexts iff they
// belong to different families (callers query one family at a time here,
// so that invariant is structural rather than enforced in this function).
func (r *Router) GetContext(family, filePath string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, cperrors.New(cperrors.ContextRouterNotReady, "context router has not completed its initial probe", nil)
	}

	var candidates []*Context
	for _, c := range r.contexts {
		if c.LanguageFamily == family && c.ProbeStatus != Detached {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i].RootPath) > len(candidates[j].RootPath) })

	for _, c := range candidates {
		if !underRoot(filePath, c.RootPath) {
			continue
		}
		if matchedByAny(filePath, c.ExcludeSpec) {
			continue
		}
		if matchedByAny(filePath, c.IncludeSpec) {
			return c, nil
		}
	}
	return nil, nil
}

// Ready reports whether the initial probe has resolved every candidate.
func (r *Router) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}
