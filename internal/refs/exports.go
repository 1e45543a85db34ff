package refs

import (
	"fmt"
	"os"
	"slices"

	"github.com/tdewolff/parse/v2/js"
)

// ReExport is an `export {imported as exported} from "specifier"` edge, or
// an imported binding that is exported again under a local name.
type ReExport struct {
	Exported  string
	Imported  string
	Specifier string
}

type ExportInfo struct {
	// Local lists the names defined and exported by the module itself.
	Local []string
	// Stars lists the specifiers of `export * from` statements.
	Stars []string
	Named []ReExport
}

// Defines reports whether the module itself defines the exported symbol.
func (e *ExportInfo) Defines(symbol string) bool {
	return slices.Contains(e.Local, symbol)
}

// ReExportOf returns the re-export edge that provides symbol, if any.
func (e *ExportInfo) ReExportOf(symbol string) (ReExport, bool) {
	for _, re := range e.Named {
		if re.Exported == symbol {
			return re, true
		}
	}
	return ReExport{}, false
}

// Exports reads path and describes what it exports.
func Exports(path string) (*ExportInfo, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refs: read %s: %w", path, err)
	}
	return ExportsSource(path, src)
}

func ExportsSource(path string, src []byte) (*ExportInfo, error) {
	ast, err := parseModule(path, src)
	if err != nil {
		return nil, err
	}

	type binding struct{ spec, name string }
	imported := make(map[string]binding)
	info := &ExportInfo{}

	for _, stmt := range ast.BlockStmt.List {
		switch s := stmt.(type) {
		case *js.ImportStmt:
			if s.Module == nil {
				continue
			}
			spec := unquote(s.Module)
			if len(s.Default) > 0 {
				imported[string(s.Default)] = binding{spec, "default"}
			}
			for _, alias := range s.List {
				imported[string(alias.Binding)] = binding{spec, importedName(alias)}
			}

		case *js.ExportStmt:
			if s.Module != nil {
				spec := unquote(s.Module)
				if len(s.List) == 1 && isBareStar(s.List[0]) {
					info.Stars = append(info.Stars, spec)
					continue
				}
				for _, alias := range s.List {
					info.Named = append(info.Named, ReExport{
						Exported:  string(alias.Binding),
						Imported:  importedName(alias),
						Specifier: spec,
					})
				}
				continue
			}
			if s.Default {
				info.Local = append(info.Local, "default")
				continue
			}
			if s.Decl != nil {
				info.Local = append(info.Local, declaredNames(s.Decl)...)
				continue
			}
			for _, alias := range s.List {
				local := importedName(alias)
				exported := string(alias.Binding)
				if b, ok := imported[local]; ok {
					info.Named = append(info.Named, ReExport{Exported: exported, Imported: b.name, Specifier: b.spec})
					continue
				}
				info.Local = append(info.Local, exported)
			}
		}
	}
	return info, nil
}

// isBareStar matches `export * from`, but not `export * as ns from`.
func isBareStar(a js.Alias) bool {
	name, bind := string(a.Name), string(a.Binding)
	return (name == "" && bind == Wildcard) || (name == Wildcard && bind == "")
}

func declaredNames(decl js.IExpr) []string {
	switch d := any(decl).(type) {
	case *js.VarDecl:
		var names []string
		for _, el := range d.List {
			if v, ok := any(el.Binding).(*js.Var); ok {
				names = append(names, string(v.Data))
			}
		}
		return names
	case *js.FuncDecl:
		if d.Name != nil {
			return []string{string(d.Name.Data)}
		}
	case *js.ClassDecl:
		if d.Name != nil {
			return []string{string(d.Name.Data)}
		}
	}
	return nil
}
