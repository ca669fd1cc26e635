// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parserfacade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSample = `package demo

import (
	"fmt"
	alias "strings"
)

func Greet(name string) string {
	return fmt.Sprintf("hi %s", name)
}

type T struct{}

func (t *T) Method() {}
`

func TestExtractGoFunctionsAndImports(t *testing.T) {
	f := New(nil)
	staged, out := f.Extract(context.Background(), 1, 1, "go", "demo.go", []byte(goSample), 1, 0.1)
	require.False(t, out.Skipped)
	require.NoError(t, out.Err)

	var names []string
	for _, d := range staged.Defs {
		names = append(names, d.SimpleName)
	}
	assert.Contains(t, names, "Greet")
	assert.Contains(t, names, "Method")

	var sources []string
	for _, imp := range staged.Imports {
		sources = append(sources, imp.SourceLiteral)
	}
	assert.Contains(t, sources, "fmt")
	assert.Contains(t, sources, "strings")
}

func TestExtractGoMethodQualifiesReceiverShape(t *testing.T) {
	f := New(nil)
	staged, out := f.Extract(context.Background(), 1, 1, "go", "demo.go", []byte(goSample), 1, 0.1)
	require.False(t, out.Skipped)
	require.NoError(t, out.Err)

	var method *struct{ qualified, display string }
	for _, d := range staged.Defs {
		if d.SimpleName == "Method" {
			method = &struct{ qualified, display string }{d.QualifiedName, d.DisplayName}
		}
	}
	require.NotNil(t, method)
	assert.Equal(t, "T.Method", method.qualified)
	assert.Equal(t, "T.Method", method.display)
}

func TestNormalizeGoTypeTextStripsPointerSliceAndPackage(t *testing.T) {
	assert.Equal(t, "Builder", normalizeGoTypeText("*Builder"))
	assert.Equal(t, "Builder", normalizeGoTypeText("[]*Builder"))
	assert.Equal(t, "Server", normalizeGoTypeText("pkg.Server"))
	assert.Equal(t, "Builder", normalizeGoTypeText("Builder[T]"))
	assert.Equal(t, "func", normalizeGoTypeText("func()"))
}

func TestExtractUnsupportedLanguageSkips(t *testing.T) {
	f := New(nil)
	_, out := f.Extract(context.Background(), 1, 1, "cobol", "demo.cbl", []byte("IDENTIFICATION DIVISION."), 1, 0.1)
	assert.True(t, out.Skipped)
}

const pySample = `import os
from collections import OrderedDict as OD

def greet(name):
    return name

class Widget:
    def render(self):
        pass
`

func TestExtractPythonDefsAndImports(t *testing.T) {
	f := New(nil)
	staged, out := f.Extract(context.Background(), 2, 2, "python", "demo.py", []byte(pySample), 1, 0.1)
	require.False(t, out.Skipped)

	var names []string
	for _, d := range staged.Defs {
		names = append(names, d.SimpleName)
	}
	assert.Contains(t, names, "greet")
	assert.Contains(t, names, "Widget")
	assert.Contains(t, names, "render")

	var aliases []string
	for _, imp := range staged.Imports {
		aliases = append(aliases, imp.Alias)
	}
	assert.Contains(t, aliases, "OD")
}

const jsSample = `import React from "react";
import { useState, useEffect as useFx } from "react";

function App() {
  return null;
}

class Widget {
  render() {}
}
`

func TestExtractJSFunctionsAndImports(t *testing.T) {
	f := New(nil)
	staged, out := f.Extract(context.Background(), 3, 3, "javascript", "app.jsx", []byte(jsSample), 1, 0.1)
	require.False(t, out.Skipped)

	var names []string
	for _, d := range staged.Defs {
		names = append(names, d.SimpleName)
	}
	assert.Contains(t, names, "App")
	assert.Contains(t, names, "Widget")
	assert.Contains(t, names, "render")

	var kinds []string
	for _, imp := range staged.Imports {
		kinds = append(kinds, imp.ImportKind)
	}
	assert.Contains(t, kinds, "default")
	assert.Contains(t, kinds, "named")
}

func TestProbeCountsErrorNodes(t *testing.T) {
	f := New(nil)
	errNodes, named, parsed, err := f.Probe(context.Background(), "go", []byte(goSample))
	require.NoError(t, err)
	assert.True(t, parsed)
	assert.Equal(t, 0, errNodes)
	assert.Greater(t, named, 0)
}
