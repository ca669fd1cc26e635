// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parserfacade

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dfinson/codeplane/internal/structural"
)

// walkGo extracts top-level function/method declarations and import specs
// from a Go source tree. It does not attempt generics-aware signature
// normalization; the signature hash is computed from the declaration's raw
// source slice, which is sufficient for change detection even though it is
// coarser than a fully normalized AST signature.
func (w *walker) walkGo(root *sitter.Node) {
	w.nextScopeID++
	fileScope := w.nextScopeID
	w.scopes = append(w.scopes, structural.ScopeFact{
		ScopeID: fileScope, FileID: w.fileID, Kind: "file",
		StartLine: int(root.StartPoint().Row) + 1, EndLine: int(root.EndPoint().Row) + 1,
	})

	var walk func(n *sitter.Node, enclosingScope int64)
	walk = func(n *sitter.Node, enclosingScope int64) {
		switch n.Type() {
		case "function_declaration":
			w.emitGoFunc(n, enclosingScope, "function")
		case "method_declaration":
			w.emitGoFunc(n, enclosingScope, "method")
		case "import_spec":
			w.emitGoImport(n)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), enclosingScope)
		}
	}
	walk(root, fileScope)
}

func (w *walker) emitGoFunc(n *sitter.Node, enclosingScope int64, kind string) {
	nameNode := fieldByName(n, "name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	// Methods are qualified by their receiver's base type ("Builder.Build"),
	// the same convention the anchor-group member_token/receiver_shape pair
	// keys on, so a rename candidate on "Build" can be disambiguated by
	// which receiver it hangs off without a second lookup.
	receiverShape := ""
	if kind == "method" {
		receiverShape = w.receiverShape(n)
	}
	displayName := name
	if receiverShape != "" {
		displayName = receiverShape + "." + name
	}
	lexPath := w.path + "::" + displayName
	sig := structural.SignatureHash(w.text(n))
	uid := structural.DefUID(w.unitID, kind, lexPath, sig, 0)

	w.defs = append(w.defs, structural.DefFact{
		DefUID: uid, UnitID: w.unitID, FileID: w.fileID, Kind: kind,
		SimpleName: name, QualifiedName: displayName, LexicalPath: lexPath,
		SignatureHash: sig,
		StartLine:     int(n.StartPoint().Row) + 1, StartCol: int(n.StartPoint().Column),
		EndLine: int(n.EndPoint().Row) + 1, EndCol: int(n.EndPoint().Column),
		DisplayName: displayName, Epoch: w.epoch,
	})

	w.nextScopeID++
	funcScope := w.nextScopeID
	w.scopes = append(w.scopes, structural.ScopeFact{
		ScopeID: funcScope, FileID: w.fileID, ParentID: enclosingScope, Kind: "function",
		StartLine: int(n.StartPoint().Row) + 1, EndLine: int(n.EndPoint().Row) + 1,
	})

	params := fieldByName(n, "parameters")
	if params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			p := params.NamedChild(i)
			pname := fieldByName(p, "name")
			if pname != nil {
				w.binds = append(w.binds, structural.LocalBindFact{
					ScopeID: funcScope, Name: w.text(pname), TargetKind: structural.BindUnknown,
					Certainty: "UNCERTAIN", Reason: structural.ReasonParam,
				})
			}
		}
	}
}

// receiverShape extracts and normalizes a method declaration's receiver
// base type, e.g. "(b *Builder)" -> "Builder", "(s pkg.Server)" -> "Server".
// Structure: receiver field > parameter_list > parameter_declaration > type.
func (w *walker) receiverShape(n *sitter.Node) string {
	receiver := fieldByName(n, "receiver")
	if receiver == nil {
		return ""
	}
	for i := 0; i < int(receiver.NamedChildCount()); i++ {
		decl := receiver.NamedChild(i)
		typeNode := fieldByName(decl, "type")
		if typeNode == nil {
			continue
		}
		return normalizeGoTypeText(w.text(typeNode))
	}
	return ""
}

func (w *walker) emitGoImport(n *sitter.Node) {
	pathNode := fieldByName(n, "path")
	if pathNode == nil {
		return
	}
	lit := trimQuotes(w.text(pathNode))
	alias := ""
	if nameNode := fieldByName(n, "name"); nameNode != nil {
		alias = w.text(nameNode)
	}
	w.imports = append(w.imports, structural.ImportFact{
		ImportUID: structural.ImportUID(w.fileID, alias, lit),
		FileID:    w.fileID, ImportedName: alias, Alias: alias,
		SourceLiteral: lit, ImportKind: "import",
	})
}

func trimQuotes(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'' || s[0] == '`') {
		return s[1 : len(s)-1]
	}
	return s
}
