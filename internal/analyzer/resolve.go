package analyzer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

// Extensions probed, in order, when a specifier omits one.
var Extensions = []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// TypeScript sources are commonly imported with the extension of their
// compiled output ("./util.js" for util.ts).
var compiledToSource = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// ResolveFile applies node-style file resolution to an absolute base path:
// the exact file, the base with each known extension, the TypeScript source
// for a compiled extension, then the directory's index file.
func ResolveFile(base string) (string, bool) {
	if fsutil.IsFile(base) {
		return base, true
	}
	for _, ext := range Extensions {
		if fsutil.IsFile(base + ext) {
			return base + ext, true
		}
	}
	ext := filepath.Ext(base)
	for _, alt := range compiledToSource[ext] {
		candidate := strings.TrimSuffix(base, ext) + alt
		if fsutil.IsFile(candidate) {
			return candidate, true
		}
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		for _, ext := range Extensions {
			candidate := filepath.Join(base, "index"+ext)
			if fsutil.IsFile(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

// ResolveLocal resolves a relative or absolute specifier written in a file
// under fromDir to a project source file. Files inside node_modules and
// type declaration files are never local.
func ResolveLocal(fromDir, spec string) (string, bool) {
	base := spec
	if !filepath.IsAbs(filepath.FromSlash(spec)) {
		base = filepath.Join(fromDir, filepath.FromSlash(spec))
	}
	resolved, ok := ResolveFile(filepath.Clean(base))
	if !ok || !IsLocalSource(resolved) {
		return "", false
	}
	return resolved, true
}

// IsLocalSource reports whether path is eligible to be a local dependency.
func IsLocalSource(path string) bool {
	if strings.HasSuffix(path, ".d.ts") {
		return false
	}
	return !slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "node_modules")
}

// Within reports whether path is root or inside it.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
