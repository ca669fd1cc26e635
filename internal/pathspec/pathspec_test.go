// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pathspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"node_modules/foo/bar.js", "node_modules/**", true},
		{"src/node_modules/bar.js", "node_modules/**", false},
		{"a/b/c.py", "**/*.py", true},
		{"c.py", "**/*.py", true},
		{"a/b/c.go", "**/*.py", false},
		{"dist/bundle.js", "dist/**", true},
		{"a.min.js", "*.min.js", true},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, MatchGlob(c.name, c.pattern), "path=%s pattern=%s", c.name, c.pattern)
	}
}

func TestMatcherExcluded(t *testing.T) {
	m := New([]string{"vendor/**"}, []byte("# comment\n*.log\n\n"))
	assert.True(t, m.Excluded("vendor/pkg/a.go"))
	assert.True(t, m.Excluded("debug.log"))
	assert.False(t, m.Excluded("src/main.go"))
}

func TestCanonicalize(t *testing.T) {
	rel, err := Canonicalize("/repo", "/repo/src/a.go")
	require.NoError(t, err)
	assert.Equal(t, "src/a.go", rel)

	rel, err = Canonicalize("/repo", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "", rel)
}

func TestEligible(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("hello world"), 0o644))
	assert.True(t, Eligible(textPath, 0))

	binPath := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(binPath, []byte{0x00, 0x01, 0x02}, 0o644))
	assert.False(t, Eligible(binPath, 0))

	assert.False(t, Eligible(filepath.Join(dir, "missing"), 0))

	smallLimit := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(smallLimit, []byte("0123456789"), 0o644))
	assert.False(t, Eligible(smallLimit, 5))
}
