package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

var ErrParse = errors.New("parse failed")

// verbatimModuleSyntax keeps value imports that are only used as types.
// Keeping them is the safe direction for dependency tracing.
const tsconfigRaw = `{"compilerOptions":{"verbatimModuleSyntax":true}}`

// Dynamic import() is renamed to a plain call so it walks like require().
const dynamicImportFn = "__stackkit_import__"

var dynamicImportRe = regexp.MustCompile(`\bimport\s*\(`)

// typeOnlyRe finds the type-only forms the TypeScript transform erases:
//
//	import type X from "s"   import type { X, Y as Z } from "s"
//	export type { X } from "s"   export type * from "s"
//
// Group 1 is the clause, 2 the specifier.
var typeOnlyRe = regexp.MustCompile(`(?m)^[ \t]*(?:import|export)[ \t]+type[ \t]+(\{[^}]*\}|\*(?:[ \t]+as[ \t]+[\w$]+)?|[\w$]+)\s*from\s*["']([^"'\r\n]+)["']`)

// Parseable reports whether the file extension is one the extractor reads.
func Parseable(path string) bool {
	if strings.HasSuffix(path, ".d.ts") {
		return false
	}
	_, ok := loaderFor(path)
	return ok
}

func loaderFor(path string) (api.Loader, bool) {
	switch filepath.Ext(path) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS, true
	case ".tsx":
		return api.LoaderTSX, true
	case ".jsx":
		return api.LoaderJSX, true
	case ".js", ".mjs", ".cjs":
		return api.LoaderJS, true
	}
	return api.LoaderNone, false
}

// Extract reads path and returns its module references in source order,
// followed by its type-only references.
func Extract(path string) ([]Reference, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refs: read %s: %w", path, err)
	}
	return ExtractSource(path, src)
}

// ExtractSource is Extract over in-memory source. path selects the loader.
func ExtractSource(path string, src []byte) ([]Reference, error) {
	ast, err := parseModule(path, src)
	if err != nil {
		return nil, err
	}
	v := &refVisitor{handled: make(map[*js.CallExpr]bool)}
	js.Walk(v, ast)
	if loader, _ := loaderFor(path); loader == api.LoaderTS || loader == api.LoaderTSX {
		v.refs = append(v.refs, typeOnlyRefs(src)...)
	}
	return v.refs, nil
}

func typeOnlyRefs(src []byte) []Reference {
	var out []Reference
	for _, m := range typeOnlyRe.FindAllSubmatch(src, -1) {
		out = append(out, newReference(string(m[2]), KindType, typeClauseNames(string(m[1]))))
	}
	return out
}

// typeClauseNames returns the names a type-only clause pulls in. A
// namespace or star clause uses the whole module.
func typeClauseNames(clause string) []string {
	inner, ok := strings.CutPrefix(clause, "{")
	if !ok {
		if strings.HasPrefix(clause, "*") {
			return nil
		}
		return []string{"default"}
	}
	inner = strings.TrimSuffix(inner, "}")
	var names []string
	for _, item := range strings.Split(inner, ",") {
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}

func parseModule(path string, src []byte) (*js.AST, error) {
	loader, ok := loaderFor(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported file type", ErrParse, path)
	}
	result := api.Transform(string(src), api.TransformOptions{
		Loader:      loader,
		Sourcefile:  path,
		Target:      api.ESNext,
		TsconfigRaw: tsconfigRaw,
		LogLevel:    api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrParse, path, result.Errors[0].Text)
	}
	code := dynamicImportRe.ReplaceAllString(string(result.Code), dynamicImportFn+"(")
	ast, err := js.Parse(parse.NewInputString(code), js.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	return ast, nil
}

type refVisitor struct {
	refs    []Reference
	handled map[*js.CallExpr]bool
}

func (v *refVisitor) Enter(n js.INode) js.IVisitor {
	switch node := n.(type) {
	case *js.ImportStmt:
		if node.Module == nil {
			return v
		}
		var symbols []string
		if len(node.Default) > 0 {
			symbols = append(symbols, "default")
		}
		for _, alias := range node.List {
			symbols = append(symbols, importedName(alias))
		}
		v.refs = append(v.refs, newReference(unquote(node.Module), KindImport, symbols))

	case *js.ExportStmt:
		if node.Module == nil {
			return v
		}
		var symbols []string
		for _, alias := range node.List {
			symbols = append(symbols, importedName(alias))
		}
		v.refs = append(v.refs, newReference(unquote(node.Module), KindReExport, symbols))

	case *js.VarDecl:
		for _, el := range node.List {
			call, ok := el.Default.(*js.CallExpr)
			if !ok {
				continue
			}
			spec, ok := requireSpecifier(call)
			if !ok {
				continue
			}
			v.handled[call] = true
			v.refs = append(v.refs, newReference(spec, KindRequire, destructuredNames(el.Binding)))
		}

	case *js.CallExpr:
		if v.handled[node] {
			return v
		}
		if spec, ok := requireSpecifier(node); ok {
			v.refs = append(v.refs, newReference(spec, KindRequire, nil))
		} else if spec, ok := callSpecifier(node, dynamicImportFn); ok {
			v.refs = append(v.refs, newReference(spec, KindDynamic, nil))
		}
	}
	return v
}

func (v *refVisitor) Exit(js.INode) {}

// importedName returns the name an alias pulls from the other module.
// The parser leaves Name empty when no "as" rename is present.
func importedName(alias js.Alias) string {
	if len(alias.Name) > 0 {
		return string(alias.Name)
	}
	return string(alias.Binding)
}

func requireSpecifier(call *js.CallExpr) (string, bool) {
	return callSpecifier(call, "require")
}

func callSpecifier(call *js.CallExpr, fn string) (string, bool) {
	ident, ok := call.X.(*js.Var)
	if !ok || string(ident.Data) != fn || len(call.Args.List) == 0 {
		return "", false
	}
	return stringLiteral(call.Args.List[0].Value)
}

func stringLiteral(e js.IExpr) (string, bool) {
	lit, ok := e.(*js.LiteralExpr)
	if !ok || lit.TokenType != js.StringToken {
		return "", false
	}
	return unquote(lit.Data), true
}

// destructuredNames returns the property names of `const {a, b} = require(...)`.
// Anything other than a plain object pattern means whole-module use.
func destructuredNames(b js.IBinding) []string {
	obj, ok := any(b).(*js.BindingObject)
	if !ok || obj.Rest != nil {
		return nil
	}
	names := make([]string, 0, len(obj.List))
	for _, item := range obj.List {
		switch {
		case item.Key != nil && item.Key.Computed == nil:
			names = append(names, unquote(item.Key.Literal.Data))
		case item.Key == nil:
			if v, ok := any(item.Value.Binding).(*js.Var); ok {
				names = append(names, string(v.Data))
				continue
			}
			return nil
		default:
			return nil
		}
	}
	return names
}

func unquote(b []byte) string {
	s := string(b)
	if len(s) < 2 {
		return s
	}
	switch s[0] {
	case '"':
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	case '\'':
		inner := strings.ReplaceAll(s[1:len(s)-1], `"`, `\"`)
		if u, err := strconv.Unquote(`"` + inner + `"`); err == nil {
			return u
		}
	}
	return strings.Trim(s, "\"'`")
}
