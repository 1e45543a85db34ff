package bundler

import (
	"path/filepath"
	"regexp"
	"strings"
)

// specifierRe finds module specifier literals in the forms
//
//	import x from "s"   export { x } from "s"   import "s"
//	import("s")         require("s")
//
// Group 1 is the lead-in, 2 the quote, 3 the specifier.
var specifierRe = regexp.MustCompile(`(\bfrom\s*|\bimport\s*\(\s*|\brequire\s*\(\s*|\bimport\s*)(["'])([^"'\r\n]+)["']`)

// rewriteSpecifiers replaces every specifier literal found in
// replacements, keeping the original quote style.
func rewriteSpecifiers(src []byte, replacements map[string]string) []byte {
	if len(replacements) == 0 {
		return src
	}
	matches := specifierRe.FindAllSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}

	var out strings.Builder
	out.Grow(len(src))
	last := 0
	for _, m := range matches {
		specStart, specEnd := m[6], m[7]
		next, ok := replacements[string(src[specStart:specEnd])]
		if !ok {
			continue
		}
		out.Write(src[last:specStart])
		out.WriteString(next)
		last = specEnd
	}
	out.Write(src[last:])
	return []byte(out.String())
}

var codeExts = map[string]bool{
	".ts": true, ".tsx": true, ".mts": true, ".cts": true,
	".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

// relativeSpecifier writes target as a specifier relative to fromDir.
// The original specifier's extension convention is kept: no extension
// stays extensionless, "./x.js" style keeps its written extension.
func relativeSpecifier(fromDir, target, original string) string {
	rel, err := filepath.Rel(fromDir, target)
	if err != nil {
		rel = target
	}
	rel = filepath.ToSlash(rel)

	if ext := filepath.Ext(rel); codeExts[ext] {
		rel = strings.TrimSuffix(rel, ext)
		if origExt := filepath.Ext(original); codeExts[origExt] {
			rel += origExt
		}
	}
	if !strings.HasPrefix(rel, "../") && rel != ".." {
		rel = "./" + rel
	}
	return rel
}

// dirSpecifier is relativeSpecifier for a directory target.
func dirSpecifier(fromDir, dir string) string {
	rel, err := filepath.Rel(fromDir, dir)
	if err != nil {
		rel = dir
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "../") && rel != ".." {
		rel = "./" + rel
	}
	return rel
}
