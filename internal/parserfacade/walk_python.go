// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parserfacade

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dfinson/codeplane/internal/structural"
)

// walkPython extracts def/class definitions and import statements. Nested
// defs (closures, methods) are walked recursively and get their own scope,
// parented to the innermost enclosing function or class scope.
func (w *walker) walkPython(root *sitter.Node) {
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
		case "function_definition":
			next = w.emitPyDef(n, enclosingScope, "function")
		case "class_definition":
			next = w.emitPyDef(n, enclosingScope, "class")
		case "import_statement":
			w.emitPyImport(n)
		case "import_from_statement":
			w.emitPyImportFrom(n)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), next)
		}
	}
	walk(root, moduleScope)
}

func (w *walker) emitPyDef(n *sitter.Node, enclosingScope int64, kind string) int64 {
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

	if kind == "function" {
		if params := fieldByName(n, "parameters"); params != nil {
			for i := 0; i < int(params.NamedChildCount()); i++ {
				p := params.NamedChild(i)
				pname := p
				if p.Type() == "typed_parameter" || p.Type() == "default_parameter" {
					if id := fieldByName(p, "name"); id != nil {
						pname = id
					}
				}
				if pname.Type() == "identifier" {
					w.binds = append(w.binds, structural.LocalBindFact{
						ScopeID: scope, Name: w.text(pname), TargetKind: structural.BindUnknown,
						Certainty: "UNCERTAIN", Reason: structural.ReasonParam,
					})
				}
			}
		}
	}
	return scope
}

func (w *walker) emitPyImport(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() != "dotted_name" && child.Type() != "aliased_import" {
			continue
		}
		lit := w.text(child)
		alias := ""
		if child.Type() == "aliased_import" {
			if nameNode := fieldByName(child, "name"); nameNode != nil {
				lit = w.text(nameNode)
			}
			if aliasNode := fieldByName(child, "alias"); aliasNode != nil {
				alias = w.text(aliasNode)
			}
		}
		w.imports = append(w.imports, structural.ImportFact{
			ImportUID: structural.ImportUID(w.fileID, alias, lit),
			FileID:    w.fileID, ImportedName: alias, Alias: alias,
			SourceLiteral: lit, ImportKind: "import",
		})
	}
}

func (w *walker) emitPyImportFrom(n *sitter.Node) {
	moduleNode := fieldByName(n, "module_name")
	module := ""
	if moduleNode != nil {
		module = w.text(moduleNode)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == moduleNode {
			continue
		}
		if child.Type() != "dotted_name" && child.Type() != "identifier" && child.Type() != "aliased_import" {
			continue
		}
		name := w.text(child)
		alias := ""
		if child.Type() == "aliased_import" {
			if nameNode := fieldByName(child, "name"); nameNode != nil {
				name = w.text(nameNode)
			}
			if aliasNode := fieldByName(child, "alias"); aliasNode != nil {
				alias = w.text(aliasNode)
			}
		}
		w.imports = append(w.imports, structural.ImportFact{
			ImportUID: structural.ImportUID(w.fileID, name, module),
			FileID:    w.fileID, ImportedName: name, Alias: alias,
			SourceLiteral: module, ImportKind: "from",
		})
	}
}
