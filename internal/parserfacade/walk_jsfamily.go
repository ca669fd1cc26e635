// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parserfacade

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dfinson/codeplane/internal/structural"
)

// walkJSFamily handles both JavaScript and TypeScript trees, which share
// enough grammar node names (function_declaration, method_definition,
// import_statement) that one walker serves both, matching the teacher's own
// treatment of the two as one extraction path in parser_javascript.go.
func (w *walker) walkJSFamily(root *sitter.Node) {
	w.nextScopeID++
	moduleScope := w.nextScopeID
	w.scopes = append(w.scopes, structural.ScopeFact{
		ScopeID: moduleScope, FileID: w.fileID, Kind: "module",
		StartLine: int(root.StartPoint().Row) + 1, EndLine: int(root.EndPoint().Row) + 1,
	})

	var walk func(n *sitter.Node, enclosingScope int64)
	walk = func(n *sitter.Node, enclosingScope int64) {
		next := enclosingScope
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			next = w.emitJSFunc(n, enclosingScope, "function")
		case "method_definition":
			next = w.emitJSFunc(n, enclosingScope, "method")
		case "class_declaration":
			next = w.emitJSClass(n, enclosingScope)
		case "import_statement":
			w.emitJSImport(n)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), next)
		}
	}
	walk(root, moduleScope)
}

func (w *walker) emitJSFunc(n *sitter.Node, enclosingScope int64, kind string) int64 {
	nameNode := fieldByName(n, "name")
	if nameNode == nil {
		return enclosingScope
	}
	name := w.text(nameNode)
	lexPath := w.path + "::" + name
	sig := structural.SignatureHash(w.text(n))
	uid := structural.DefUID(w.unitID, kind, lexPath, sig, 0)

	w.defs = append(w.defs, structural.DefFact{
		DefUID: uid, UnitID: w.unitID, FileID: w.fileID, Kind: kind,
		SimpleName: name, QualifiedName: lexPath, LexicalPath: lexPath,
		SignatureHash: sig,
		StartLine:     int(n.StartPoint().Row) + 1, StartCol: int(n.StartPoint().Column),
		EndLine: int(n.EndPoint().Row) + 1, EndCol: int(n.EndPoint().Column),
		DisplayName: name, Epoch: w.epoch,
	})

	w.nextScopeID++
	scope := w.nextScopeID
	w.scopes = append(w.scopes, structural.ScopeFact{
		ScopeID: scope, FileID: w.fileID, ParentID: enclosingScope, Kind: kind,
		StartLine: int(n.StartPoint().Row) + 1, EndLine: int(n.EndPoint().Row) + 1,
	})

	if params := fieldByName(n, "parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			p := params.NamedChild(i)
			if p.Type() == "identifier" {
				w.binds = append(w.binds, structural.LocalBindFact{
					ScopeID: scope, Name: w.text(p), TargetKind: structural.BindUnknown,
					Certainty: "UNCERTAIN", Reason: structural.ReasonParam,
				})
			}
		}
	}
	return scope
}

func (w *walker) emitJSClass(n *sitter.Node, enclosingScope int64) int64 {
	nameNode := fieldByName(n, "name")
	if nameNode == nil {
		return enclosingScope
	}
	name := w.text(nameNode)
	lexPath := w.path + "::" + name
	sig := structural.SignatureHash(w.text(n))
	uid := structural.DefUID(w.unitID, "class", lexPath, sig, 0)

	w.defs = append(w.defs, structural.DefFact{
		DefUID: uid, UnitID: w.unitID, FileID: w.fileID, Kind: "class",
		SimpleName: name, QualifiedName: lexPath, LexicalPath: lexPath,
		SignatureHash: sig,
		StartLine:     int(n.StartPoint().Row) + 1, StartCol: int(n.StartPoint().Column),
		EndLine: int(n.EndPoint().Row) + 1, EndCol: int(n.EndPoint().Column),
		DisplayName: name, Epoch: w.epoch,
	})

	w.nextScopeID++
	scope := w.nextScopeID
	w.scopes = append(w.scopes, structural.ScopeFact{
		ScopeID: scope, FileID: w.fileID, ParentID: enclosingScope, Kind: "class",
		StartLine: int(n.StartPoint().Row) + 1, EndLine: int(n.EndPoint().Row) + 1,
	})
	return scope
}

func (w *walker) emitJSImport(n *sitter.Node) {
	var lit string
	var clause *sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "string" {
			lit = trimQuotes(w.text(child))
		}
		if child.Type() == "import_clause" {
			clause = child
		}
	}
	if lit == "" {
		return
	}
	if clause == nil {
		w.imports = append(w.imports, structural.ImportFact{
			ImportUID: structural.ImportUID(w.fileID, "", lit),
			FileID:    w.fileID, SourceLiteral: lit, ImportKind: "side_effect",
		})
		return
	}
	w.walkJSImportClause(clause, lit)
}

func (w *walker) walkJSImportClause(n *sitter.Node, lit string) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "identifier":
			name := w.text(child)
			w.imports = append(w.imports, structural.ImportFact{
				ImportUID: structural.ImportUID(w.fileID, name, lit),
				FileID:    w.fileID, ImportedName: name, Alias: name,
				SourceLiteral: lit, ImportKind: "default",
			})
		case "namespace_import":
			if id := child.NamedChild(0); id != nil {
				name := w.text(id)
				w.imports = append(w.imports, structural.ImportFact{
					ImportUID: structural.ImportUID(w.fileID, name, lit),
					FileID:    w.fileID, ImportedName: name, Alias: name,
					SourceLiteral: lit, ImportKind: "namespace",
				})
			}
		case "named_imports":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				spec := child.NamedChild(j)
				if spec.Type() != "import_specifier" {
					continue
				}
				nameNode := fieldByName(spec, "name")
				aliasNode := fieldByName(spec, "alias")
				name, alias := "", ""
				if nameNode != nil {
					name = w.text(nameNode)
				}
				if aliasNode != nil {
					alias = w.text(aliasNode)
				}
				w.imports = append(w.imports, structural.ImportFact{
					ImportUID: structural.ImportUID(w.fileID, name, lit),
					FileID:    w.fileID, ImportedName: name, Alias: alias,
					SourceLiteral: lit, ImportKind: "named",
				})
			}
		}
	}
}
