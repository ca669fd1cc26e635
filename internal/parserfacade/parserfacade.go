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

// Package parserfacade implements the Parser Facade: tree-sitter-driven
// per-language fact extraction that emits structural.StagedFacts rows, with
// graceful skip for unsupported or unparseable content. No extraction error
// from one file ever aborts a batch; a failure degrades that file to an
// empty fact set and is reported through the returned Outcome.
package parserfacade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/dfinson/codeplane/internal/structural"
)

// Outcome reports what happened extracting one file.
type Outcome struct {
	Path           string
	LanguageFamily string
	Skipped        bool // unsupported language, or unparseable beyond tolerance
	ErrorNodes     int
	NamedNodes     int
	Err            error
}

// Facade dispatches to a per-language tree-sitter grammar and walks the
// resulting tree into structural facts. Parsers are pooled because
// tree-sitter parsers are not goroutine-safe, mirroring the teacher's
// TreeSitterParser pool-per-language design.
type Facade struct {
	logger *slog.Logger

	initOnce sync.Once
	goPool   sync.Pool
	pyPool   sync.Pool
	jsPool   sync.Pool
	tsPool   sync.Pool
}

// New constructs a Facade. logger may be nil, in which case slog.Default is used.
func New(logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{logger: logger}
}

func (f *Facade) init() {
	f.initOnce.Do(func() {
		f.goPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(golang.GetLanguage())
			return p
		}
		f.pyPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(python.GetLanguage())
			return p
		}
		f.jsPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(javascript.GetLanguage())
			return p
		}
		f.tsPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(typescript.GetLanguage())
			return p
		}
	})
}

func (f *Facade) poolFor(family string) *sync.Pool {
	switch family {
	case "go":
		return &f.goPool
	case "python":
		return &f.pyPool
	case "javascript":
		return &f.jsPool
	case "typescript":
		return &f.tsPool
	default:
		return nil
	}
}

// countErrors counts ERROR nodes in the tree, used both for probe tolerance
// and for the graceful-skip decision.
func countErrors(n *sitter.Node) int {
	count := 0
	if n.Type() == "ERROR" {
		count++
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		count += countErrors(n.Child(i))
	}
	return count
}

func countNamed(n *sitter.Node) int {
	count := 0
	if n.IsNamed() {
		count = 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		count += countNamed(n.Child(i))
	}
	return count
}

// Probe implements contextrouter.ProbeSampler: it parses content and
// reports raw error/named node counts without building any facts.
func (f *Facade) Probe(ctx context.Context, family string, content []byte) (errorNodes, namedNodes int, parsed bool, err error) {
	f.init()
	pool := f.poolFor(family)
	if pool == nil {
		return 0, 0, false, nil
	}
	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return 0, 0, false, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()
	root := tree.RootNode()
	return countErrors(root), countNamed(root), true, nil
}

// Extract parses content for the given language family and file and returns
// staged structural facts ready for structural.Store.WriteStaged, plus an
// Outcome describing whether extraction happened cleanly, was skipped, or
// degraded to a partial/empty result.
//
// unitID is the build-unit identity facts are scoped under (the file's own
// ID, for file-granularity extraction).
func (f *Facade) Extract(ctx context.Context, fileID, unitID int64, family, path string, content []byte, epoch int64, errorTolerance float64) (structural.StagedFacts, Outcome) {
	f.init()
	out := Outcome{Path: path, LanguageFamily: family}
	pool := f.poolFor(family)
	if pool == nil {
		out.Skipped = true
		f.logger.Debug("parserfacade.skip_unsupported", "path", path, "family", family)
		return structural.StagedFacts{FileID: fileID, Epoch: epoch}, out
	}

	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		out.Err = err
		f.logger.Warn("parserfacade.parse_failed", "path", path, "family", family, "err", err)
		return structural.StagedFacts{FileID: fileID, Epoch: epoch}, out
	}
	defer tree.Close()

	root := tree.RootNode()
	errNodes := countErrors(root)
	named := countNamed(root)
	out.ErrorNodes, out.NamedNodes = errNodes, named

	tolerance := float64(errNodes)
	if named > 0 {
		tolerance = float64(errNodes) / float64(named)
	}
	if named == 0 || (errNodes > 0 && tolerance >= errorTolerance) {
		out.Skipped = true
		f.logger.Info("parserfacade.skip_beyond_tolerance", "path", path, "error_nodes", errNodes, "named_nodes", named)
		return structural.StagedFacts{FileID: fileID, Epoch: epoch}, out
	}

	w := &walker{fileID: fileID, unitID: unitID, path: path, content: content, epoch: epoch}

	switch family {
	case "go":
		w.walkGo(root)
	case "python":
		w.walkPython(root)
	case "javascript", "typescript":
		w.walkJSFamily(root)
	}

	return w.staged(), out
}

// walker accumulates facts while descending one file's AST.
type walker struct {
	fileID, unitID int64
	path           string
	content        []byte
	epoch          int64

	defs    []structural.DefFact
	scopes  []structural.ScopeFact
	binds   []structural.LocalBindFact
	imports []structural.ImportFact
	refs    []structural.RefFact

	nextScopeID int64
}

func (w *walker) staged() structural.StagedFacts {
	return structural.StagedFacts{
		FileID: w.fileID, Epoch: w.epoch,
		Defs: w.defs, Refs: w.refs, Scopes: w.scopes, Binds: w.binds, Imports: w.imports,
	}
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func fieldByName(n *sitter.Node, name string) *sitter.Node {
	return n.ChildByFieldName(name)
}
