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

// Package pathspec implements the Path & Ignore Engine: POSIX-canonical
// relative paths, glob include/exclude matching, and prunable-directory
// fast-rejection during filesystem walks.
package pathspec

import (
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// PrunableDirs lists directory names that are never descended into,
// regardless of exclude globs - a fast-reject applied during the walk
// itself rather than per matched path.
var PrunableDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".hg":          true,
	".svn":         true,
}

// Canonicalize converts an OS path relative to root into a POSIX-canonical,
// repo-relative path. "" denotes the repo root. Windows canonicalization
// preserves original casing; Linux paths are already case-sensitive so no
// folding is performed here.
func Canonicalize(root, full string) (string, error) {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Matcher evaluates a file path against an ordered set of exclude globs plus
// the ignore file patterns loaded from .cplignore.
type Matcher struct {
	excludeGlobs []string
	ignoreGlobs  []string
}

// New builds a Matcher from the configured exclude globs and the contents of
// a .cplignore file (one glob per line, "#" comments, blank lines skipped).
// A missing .cplignore is not an error - it means no additional patterns.
func New(excludeGlobs []string, cplignore []byte) *Matcher {
	m := &Matcher{excludeGlobs: append([]string(nil), excludeGlobs...)}
	for _, line := range strings.Split(string(cplignore), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.ignoreGlobs = append(m.ignoreGlobs, line)
	}
	return m
}

// Excluded reports whether the POSIX-canonical relative path matches any
// configured exclude glob or .cplignore pattern.
func (m *Matcher) Excluded(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range m.excludeGlobs {
		if MatchGlob(relPath, pattern) {
			return true
		}
	}
	for _, pattern := range m.ignoreGlobs {
		if MatchGlob(relPath, pattern) {
			return true
		}
	}
	return false
}

// MatchGlob reports whether name matches pattern, where pattern may use "**"
// to match any number of path segments (including zero) in addition to the
// single-segment "*"/"?"/"[...]" semantics of path.Match. This generalizes
// filepath.Match, which has no "**" concept, to the glob dialect the spec's
// include/exclude specs require ("**/*.py", "node_modules/**", ...).
func MatchGlob(name, pattern string) bool {
	name = strings.TrimPrefix(name, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(seg); i++ {
			if matchSegments(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	}
	if len(seg) == 0 {
		return false
	}
	ok, err := path.Match(pat[0], seg[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], seg[1:])
}

// Eligible applies the same filesystem-level checks the Reconciler needs
// before hashing a candidate file: it must exist, be a regular file (a
// symlink is rejected, never dereferenced), be under any configured size
// ceiling, and not be binary (detected by NUL-byte sniffing over the first
// 8KiB, the same heuristic and window the teacher's delta filter uses).
func Eligible(fullPath string, maxSize int64) bool {
	info, err := os.Lstat(fullPath)
	if err != nil {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	if maxSize > 0 && info.Size() > maxSize {
		return false
	}
	return !looksBinary(fullPath)
}

func looksBinary(fullPath string) bool {
	f, err := os.Open(fullPath)
	if err != nil {
		return false
	}
	defer f.Close()
	const sniff = 8192
	buf := make([]byte, sniff)
	n, _ := io.ReadFull(f, buf)
	if n <= 0 {
		return false
	}
	return bytes.IndexByte(buf[:n], 0x00) >= 0
}
