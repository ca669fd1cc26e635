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

// Package reconciler computes RepoVersion and the stat→hash cascade that
// drives incremental re-indexing without relying on OS file-watchers. It is
// stateless, idempotent and deterministic per call: it never mutates the
// working tree, .git, or HEAD.
package reconciler

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/pathspec"
)

// Stat is the cached (mtime, size) pair compared first: when it matches, the
// file counts as unchanged without its hash being compared. The walk still
// hashes every file it visits.
type Stat struct {
	ModTime int64 // unix nanoseconds
	Size    int64
}

// FileState is the Reconciler's view of one tracked file: its cached stat,
// content hash and language family, keyed by path.
type FileState struct {
	Path           string
	Hash           string
	Stat           Stat
	LanguageFamily string
}

// FileStore is the persistence boundary the Reconciler depends on. The
// Structural Tier is the concrete implementation (file identity is owned by
// T1 per §3's "Ownership and lifecycle"); the Reconciler only needs to
// accept the narrow interface it actually uses.
type FileStore interface {
	// AllFiles returns every currently tracked file, in any order.
	AllFiles(ctx context.Context) ([]FileState, error)
	// RecordAdd assigns a new file_id and stores its initial state.
	RecordAdd(ctx context.Context, st FileState) (fileID int64, err error)
	// RecordModify updates the stored stat/hash for an existing path,
	// marking it dirty for re-parsing only when the hash differs from the
	// stored one, and returns its stable file_id.
	RecordModify(ctx context.Context, path string, st FileState) (fileID int64, err error)
	// RecordRename updates a file's path in place, preserving file_id and
	// all owned T1 rows, per the spec's "identity survives moves" rule.
	RecordRename(ctx context.Context, oldPath, newPath string) error
	// RecordDelete removes a file and cascades deletion of its owned rows.
	RecordDelete(ctx context.Context, path string) error
}

// RepoVersion is the canonical state tuple from §4.1.
type RepoVersion struct {
	HeadSHA       string
	IndexStat     Stat
	SubmoduleSHAs map[string]string
}

// Result is the outcome of one Reconcile pass.
type Result struct {
	ChangedFileIDs []int64
	RenamedCount   int
	AddedPaths     []string
	ModifiedPaths  []string
	DeletedPaths   []string
	RenamedPaths   map[string]string // old -> new
	Version        RepoVersion
}

// Reconciler walks an indexable file tree, hashes every file it visits, and
// emits the set of changed files; stored hashes are compared only for files
// whose cached stat differs. Symlinks are skipped, never followed, and
// uninitialized submodules are never recursed into.
type Reconciler struct {
	repoRoot         string
	matcher          *pathspec.Matcher
	store            FileStore
	logger           *slog.Logger
	followSubmodules bool
}

// New constructs a Reconciler rooted at repoRoot.
func New(repoRoot string, matcher *pathspec.Matcher, store FileStore, followSubmodules bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repoRoot:         repoRoot,
		matcher:          matcher,
		store:            store,
		logger:           logger,
		followSubmodules: followSubmodules,
	}
}

// Reconcile performs one full pass: enumerate, stat-compare, hash-compare,
// infer renames, and report the changed set. It is safe to call repeatedly;
// calling it twice with no intervening filesystem change yields an empty
// changed set and an identical RepoVersion (invariant 1 in §8).
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	version, err := r.computeRepoVersion(ctx)
	if err != nil {
		return nil, err
	}

	onDisk, err := r.walk(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctxErr(ctx); err != nil {
		// A cancelled walk stops early; its partial listing is not read as deletions.
		return nil, err
	}

	stored, err := r.store.AllFiles(ctx)
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "load stored file states", err, nil)
	}
	storedByPath := make(map[string]FileState, len(stored))
	for _, s := range stored {
		storedByPath[s.Path] = s
	}
	onDiskByPath := make(map[string]FileState, len(onDisk))
	for _, s := range onDisk {
		onDiskByPath[s.Path] = s
	}

	res := &Result{RenamedPaths: make(map[string]string), Version: version}

	var missing []FileState
	var newPaths []string
	for path := range storedByPath {
		if _, ok := onDiskByPath[path]; !ok {
			missing = append(missing, storedByPath[path])
		}
	}
	for path := range onDiskByPath {
		if _, ok := storedByPath[path]; !ok {
			newPaths = append(newPaths, path)
		}
	}
	sort.Strings(newPaths)
	sort.Slice(missing, func(i, j int) bool { return missing[i].Path < missing[j].Path })

	missingByHash := make(map[string]FileState, len(missing))
	for _, m := range missing {
		missingByHash[m.Hash] = m
	}
	renamedOld := make(map[string]bool)
	for _, newPath := range newPaths {
		candidate := onDiskByPath[newPath]
		if old, ok := missingByHash[candidate.Hash]; ok && !renamedOld[old.Path] {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
			if err := r.store.RecordRename(ctx, old.Path, newPath); err != nil {
				return nil, cperrors.Wrap(cperrors.InternalError, "record rename", err, nil)
			}
			res.RenamedPaths[old.Path] = newPath
			renamedOld[old.Path] = true
			res.RenamedCount++
			continue
		}
		fileID, err := r.store.RecordAdd(ctx, candidate)
		if err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "record add", err, nil)
		}
		res.ChangedFileIDs = append(res.ChangedFileIDs, fileID)
		res.AddedPaths = append(res.AddedPaths, newPath)
	}
	for _, m := range missing {
		if renamedOld[m.Path] {
			continue
		}
		if err := r.store.RecordDelete(ctx, m.Path); err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "record delete", err, nil)
		}
		res.DeletedPaths = append(res.DeletedPaths, m.Path)
	}

	var commonPaths []string
	for path := range onDiskByPath {
		if _, ok := storedByPath[path]; ok {
			commonPaths = append(commonPaths, path)
		}
	}
	sort.Strings(commonPaths)
	for _, path := range commonPaths {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		cur := onDiskByPath[path]
		prev := storedByPath[path]
		if cur.Stat == prev.Stat {
			// Stat-only match: the hashes are not compared. Invariant 2.
			continue
		}
		if cur.Hash == prev.Hash {
			// Touched but unchanged content: refresh the cached stat only,
			// do not mark dirty.
			if _, err := r.store.RecordModify(ctx, path, cur); err != nil {
				return nil, cperrors.Wrap(cperrors.InternalError, "refresh stat", err, nil)
			}
			continue
		}
		fileID, err := r.store.RecordModify(ctx, path, cur)
		if err != nil {
			return nil, cperrors.Wrap(cperrors.InternalError, "record modify", err, nil)
		}
		res.ModifiedPaths = append(res.ModifiedPaths, path)
		res.ChangedFileIDs = append(res.ChangedFileIDs, fileID)
	}

	r.logger.Info("reconcile.complete",
		"added", len(res.AddedPaths),
		"modified", len(res.ModifiedPaths),
		"deleted", len(res.DeletedPaths),
		"renamed", res.RenamedCount,
	)
	return res, nil
}

// RepoVersion computes the current canonical state tuple without performing
// a full reconcile pass, for callers that need a repo fingerprint (e.g. the
// Mutation Engine's apply_mutation response) without paying for a directory
// walk.
func (r *Reconciler) RepoVersion(ctx context.Context) (RepoVersion, error) {
	return r.computeRepoVersion(ctx)
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return cperrors.New(cperrors.Cancelled, "reconcile cancelled", nil)
	default:
		return nil
	}
}

// walk enumerates all indexable files under the repo root, applying the
// prunable-directory fast-reject before descending and the exclude-glob
// matcher per discovered path.
func (r *Reconciler) walk(ctx context.Context) ([]FileState, error) {
	var out []FileState
	err := filepath.Walk(r.repoRoot, func(full string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr(ctx) != nil {
			return filepath.SkipAll
		}
		rel, relErr := pathspec.Canonicalize(r.repoRoot, full)
		if relErr != nil {
			return nil
		}
		if rel == "" {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(full)
			if pathspec.PrunableDirs[base] {
				return filepath.SkipDir
			}
			if r.matcher.Excluded(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if r.matcher.Excluded(rel) {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Symlinks are skipped: never dereferenced, and not indexed.
			return nil
		}
		hash, herr := hashFile(full)
		if herr != nil {
			return nil
		}
		out = append(out, FileState{
			Path:           rel,
			Hash:           hash,
			Stat:           Stat{ModTime: info.ModTime().UnixNano(), Size: info.Size()},
			LanguageFamily: languageFamily(rel),
		})
		return nil
	})
	if err != nil {
		return nil, cperrors.Wrap(cperrors.InternalError, "walk repository tree", err, nil)
	}
	return out, nil
}

// hashFile computes the SHA-256 of the file's LF-normalized bytes, per §3's
// "content hash (SHA-256 of LF-normalized bytes)". CRLF sequences are
// folded to LF only for the purpose of hashing; the on-disk bytes are never
// rewritten by the Reconciler.
func hashFile(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	r := bufio.NewReader(f)
	buf := make([]byte, 0, 64*1024)
	for {
		chunk, err := r.ReadBytes('\n')
		if len(chunk) > 0 {
			normalized := bytes.TrimSuffix(chunk, []byte("\n"))
			if len(normalized) != len(chunk) {
				normalized = bytes.TrimSuffix(normalized, []byte("\r"))
			}
			buf = append(buf[:0], normalized...)
			h.Write(buf)
			if bytes.HasSuffix(chunk, []byte("\n")) {
				h.Write([]byte("\n"))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var extToFamily = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".jsx": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".rs": "rust", ".java": "java",
	".md": "markdown", ".rst": "restructuredtext", ".txt": "plaintext",
}

func languageFamily(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if fam, ok := extToFamily[ext]; ok {
		return fam
	}
	return "unknown"
}

// computeRepoVersion reads HEAD SHA and submodule HEADs from Git, read-only.
// Git metadata corruption fails loudly with no auto-repair, per §4.1's
// failure semantics.
func (r *Reconciler) computeRepoVersion(ctx context.Context) (RepoVersion, error) {
	head, err := r.gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		// A repository with no commits yet, or no Git at all, is not
		// "corrupt" - it simply has no HEAD. Only an existing-but-broken
		// .git is a GIT_METADATA_CORRUPT condition.
		if _, statErr := os.Stat(filepath.Join(r.repoRoot, ".git")); statErr == nil {
			return RepoVersion{}, cperrors.Wrap(cperrors.GitMetadataCorrupt, "read HEAD", err, map[string]any{"repo_root": r.repoRoot})
		}
		return RepoVersion{SubmoduleSHAs: map[string]string{}}, nil
	}

	subs := map[string]string{}
	if r.followSubmodules {
		out, serr := r.gitOutput(ctx, "submodule", "status")
		if serr == nil {
			for _, line := range strings.Split(out, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				line = strings.TrimPrefix(line, "-")
				line = strings.TrimPrefix(line, "+")
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					subs[fields[1]] = fields[0]
				}
			}
		}
	}

	info, statErr := os.Stat(r.repoRoot)
	var st Stat
	if statErr == nil {
		st = Stat{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
	}
	return RepoVersion{HeadSHA: strings.TrimSpace(head), IndexStat: st, SubmoduleSHAs: subs}, nil
}

func (r *Reconciler) gitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", stderr.String(), err)
	}
	return stdout.String(), nil
}
