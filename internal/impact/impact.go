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

// Package impact implements reverse-import-graph affected-file discovery
// for test selection. It walks ImportFact.source_literal edges backwards,
// breadth-first, from a changed file's module identity, tiering results by
// how many hops away they were found, using the same PROVEN/STRONG/ANCHORED
// confidence vocabulary the Refactor Planner uses for refs.
package impact

import (
	"context"

	"github.com/dfinson/codeplane/internal/structural"
)

// ImportGraph is the read surface this package needs from the Structural
// Tier: a bounded reverse lookup from a module identity to the files that
// import it, and a file_id -> path resolver for reporting results.
type ImportGraph interface {
	ImportsBySourceLiteral(ctx context.Context, modulePath string, limit int) ([]structural.ImportFact, error)
	PathByFileID(ctx context.Context, fileID int64) (string, bool, error)
}

// ModuleIdentifier maps a changed file's path to the module identity other
// files would import it by (e.g. its Go import path, or its JS/TS module
// specifier). This varies per language family, so it is supplied by the
// caller rather than computed here.
type ModuleIdentifier func(changedPath string) string

// AffectedFile is one file transitively affected by a change, with the
// confidence tier of the edge that connected it.
type AffectedFile struct {
	Path string
	Tier structural.RefTier
	Hops int
}

const maxHops = 3
const perHopLimit = 500

// AffectedFiles performs a bounded breadth-first reverse-import walk
// starting at the changed files' module identities. Direct importers are
// PROVEN; everything reached by a further hop is STRONG for hop 2 and
// ANCHORED beyond that, reflecting that transitive impact confidence
// degrades with distance exactly the way ref tiers degrade with evidence
// strength elsewhere in the spec.
func AffectedFiles(ctx context.Context, g ImportGraph, changedPaths []string, identify ModuleIdentifier) ([]AffectedFile, error) {
	visited := make(map[string]bool, len(changedPaths))
	for _, p := range changedPaths {
		visited[p] = true
	}

	frontier := make([]string, 0, len(changedPaths))
	for _, p := range changedPaths {
		frontier = append(frontier, identify(p))
	}

	var out []AffectedFile
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		tier := tierForHop(hop)
		var next []string
		seenModule := make(map[string]bool)
		for _, modulePath := range frontier {
			if modulePath == "" || seenModule[modulePath] {
				continue
			}
			seenModule[modulePath] = true
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
			imports, err := g.ImportsBySourceLiteral(ctx, modulePath, perHopLimit)
			if err != nil {
				return nil, err
			}
			for _, im := range imports {
				path, ok, err := g.PathByFileID(ctx, im.FileID)
				if err != nil {
					return nil, err
				}
				if !ok || visited[path] {
					continue
				}
				visited[path] = true
				out = append(out, AffectedFile{Path: path, Tier: tier, Hops: hop})
				next = append(next, identify(path))
			}
		}
		frontier = next
	}
	return out, nil
}

func tierForHop(hop int) structural.RefTier {
	switch hop {
	case 1:
		return structural.TierProven
	case 2:
		return structural.TierStrong
	default:
		return structural.TierAnchored
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
