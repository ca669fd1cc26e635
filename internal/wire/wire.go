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

// Package wire assembles one dispatch.Service for a repository: opening the
// Structural Tier's sqlite file, the Lexical Tier's staging directory, the
// Reconciler, the Parser Facade, and the Context Router, then bridging the
// Router's path-based ProbeSampler interface onto the Facade's
// content-based Probe method. This bridge is the one place the two
// signatures meet; neither package needs to know about the other.
package wire

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dfinson/codeplane/internal/config"
	"github.com/dfinson/codeplane/internal/contextrouter"
	"github.com/dfinson/codeplane/internal/dispatch"
	"github.com/dfinson/codeplane/internal/epoch"
	"github.com/dfinson/codeplane/internal/lexical"
	"github.com/dfinson/codeplane/internal/mutation"
	"github.com/dfinson/codeplane/internal/parserfacade"
	"github.com/dfinson/codeplane/internal/pathspec"
	"github.com/dfinson/codeplane/internal/reconciler"
	"github.com/dfinson/codeplane/internal/structural"
)

// contentProbeAdapter reads relPath off disk and delegates to the Parser
// Facade's content-based Probe, satisfying contextrouter.ProbeSampler.
type contentProbeAdapter struct {
	root   string
	facade *parserfacade.Facade
}

func (a contentProbeAdapter) Probe(ctx context.Context, family, relPath string) (int, int, bool, error) {
	content, err := os.ReadFile(filepath.Join(a.root, relPath))
	if err != nil {
		return 0, 0, false, err
	}
	return a.facade.Probe(ctx, family, content)
}

// repoFileLister walks the repo root honoring matcher's exclude rules,
// backing the Router's discovery sample. The Reconciler runs its own walk.
type repoFileLister struct {
	root    string
	matcher *pathspec.Matcher
}

func (l repoFileLister) ListFiles(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(l.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if pathspec.PrunableDirs[d.Name()] || l.matcher.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if l.matcher.Excluded(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

// defaultFamilyMarkers is the starter marker set: Go, Python, and the
// JS/TS family, each keyed by the manifest files that root a Tier-1
// workspace fence or a Tier-2 package root per §4.7.
func defaultFamilyMarkers() []contextrouter.FamilyMarkers {
	return []contextrouter.FamilyMarkers{
		{
			Family:       "go",
			Tier1Markers: []string{"go.work"},
			Tier2Markers: []string{"go.mod"},
			IncludeSpec:  []string{"**/*.go"},
		},
		{
			Family:       "python",
			Tier1Markers: []string{"pyproject.toml", "setup.cfg"},
			Tier2Markers: []string{"setup.py", "__init__.py"},
			IncludeSpec:  []string{"**/*.py"},
		},
		{
			Family:       "javascript",
			Tier1Markers: []string{"pnpm-workspace.yaml", "lerna.json"},
			Tier2Markers: []string{"package.json"},
			IncludeSpec:  []string{"**/*.js", "**/*.jsx", "**/*.ts", "**/*.tsx"},
		},
	}
}

// Build wires one Service over repoRoot, opening its on-disk state under
// cfg.StateDirName and running the Context Router's initial discovery.
// Callers own calling Close on the returned Store once done.
func Build(ctx context.Context, repoRoot string, cfg config.Config, logger *slog.Logger) (*dispatch.Service, *structural.Store, error) {
	stateDir := filepath.Join(repoRoot, cfg.StateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, err
	}

	matcher := pathspec.New(cfg.ExcludeGlobs, readCplIgnore(repoRoot))
	mutation.LockTimeout = cfg.Mutation.LockTimeout
	mutation.FuzzyLineDriftK = cfg.Mutation.FuzzyLineDriftK
	mutationEngine := mutation.NewEngine(repoRoot, matcher)

	store, err := structural.Open(ctx, filepath.Join(stateDir, "structural.db"), logger)
	if err != nil {
		return nil, nil, err
	}

	lex, err := lexical.Open(filepath.Join(stateDir, "lexical"))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	recon := reconciler.New(repoRoot, matcher, store.AsFileStore(), cfg.Reconciler.FollowSubmodules, logger)
	pub := epoch.New()
	facade := parserfacade.New(logger)

	lister := repoFileLister{root: repoRoot, matcher: matcher}
	router := contextrouter.New(defaultFamilyMarkers(), contentProbeAdapter{root: repoRoot, facade: facade}, cfg.Router.ProbeSampleSize, cfg.Router.ProbeErrorTolerance, cfg.Router.ProbeRatePerSecond)
	if err := router.Discover(ctx, lister); err != nil {
		store.Close()
		return nil, nil, err
	}

	svc := dispatch.New(repoRoot, logger, &cfg, matcher, recon, lex, store, pub, router, facade, mutationEngine)
	return svc, store, nil
}

func readCplIgnore(repoRoot string) []byte {
	b, err := os.ReadFile(filepath.Join(repoRoot, ".cplignore"))
	if err != nil {
		return nil
	}
	return b
}
