// Package refs extracts module references (import, export-from, dynamic
// import and require) from JavaScript and TypeScript sources.
package refs

import (
	"slices"
	"strings"
)

// Wildcard is the symbol recorded when a reference uses the whole module
// or the used symbols cannot be determined statically.
const Wildcard = "*"

type Kind uint8

const (
	KindImport Kind = iota
	KindReExport
	KindDynamic
	KindRequire
	// KindType is an "import type" or "export type ... from" reference.
	// It is erased from compiled output, so nothing loads it at runtime.
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindReExport:
		return "re-export"
	case KindDynamic:
		return "dynamic-import"
	case KindRequire:
		return "require"
	case KindType:
		return "type"
	}
	return "unknown"
}

type Reference struct {
	// Specifier is the module string exactly as written.
	Specifier string
	// Package is the bare package name for package specifiers, empty for
	// relative and absolute paths.
	Package string
	// Subpath is the part of a package specifier after the package name,
	// including the leading slash.
	Subpath string
	// Symbols are the imported names, sorted. "default" stands for a default
	// binding; Wildcard for whole-module use.
	Symbols []string
	Kind    Kind
}

// IsLocal reports whether the reference points at a file path rather
// than a package.
func (r Reference) IsLocal() bool {
	return r.Package == ""
}

// IsTypeOnly reports whether the reference disappears from compiled output.
func (r Reference) IsTypeOnly() bool {
	return r.Kind == KindType
}

// IsWildcard reports whether the reference uses the whole module.
func (r Reference) IsWildcard() bool {
	return slices.Contains(r.Symbols, Wildcard)
}

func newReference(spec string, kind Kind, symbols []string) Reference {
	ref := Reference{Specifier: spec, Kind: kind}
	if !IsPathSpecifier(spec) {
		ref.Package, ref.Subpath = SplitPackage(spec)
	}
	if len(symbols) == 0 {
		symbols = []string{Wildcard}
	}
	slices.Sort(symbols)
	ref.Symbols = slices.Compact(symbols)
	return ref
}

// IsPathSpecifier reports whether spec is a relative or absolute path.
func IsPathSpecifier(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") ||
		strings.HasPrefix(spec, "/")
}

// SplitPackage splits a package specifier into the package name and the
// remaining subpath: "@aws-sdk/client-s3/dist" gives ("@aws-sdk/client-s3", "/dist").
func SplitPackage(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return spec, ""
		}
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			subpath = "/" + parts[2]
		}
		return name, subpath
	}
	name = parts[0]
	if rest, ok := strings.CutPrefix(spec, name); ok {
		subpath = rest
	}
	return name, subpath
}

var builtins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

// IsBuiltin reports whether spec names a node builtin module.
func IsBuiltin(spec string) bool {
	if strings.HasPrefix(spec, "node:") {
		return true
	}
	name, _ := SplitPackage(spec)
	return builtins[name]
}
