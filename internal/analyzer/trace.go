package analyzer

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/stackkit-dev/stackkit/internal/refs"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

var errNoEntry = errors.New("no entry point")

// tracer computes the required files of one private package.
type tracer struct {
	dep *ExternalDependency
	pj  *PackageJSON
	log *slog.Logger
}

func (t *tracer) run() error {
	dep := t.dep

	dep.SubpathEntries = make(map[string]string, len(dep.Subpaths))
	var starts []string
	for _, sub := range dep.Subpaths {
		file, err := t.entryFor(sub)
		if err != nil {
			return err
		}
		dep.SubpathEntries[sub] = file
		starts = append(starts, file)
	}

	main, mainErr := t.entryFor("")
	if mainErr == nil {
		dep.MainEntry = main
	}
	if dep.UsesRoot {
		if mainErr != nil {
			return mainErr
		}
		starts = append(t.rootStarts(main), starts...)
	}
	if len(starts) == 0 {
		return errNoEntry
	}

	files, transitive := t.trace(starts)
	dep.RequiredFiles = files
	dep.TransitiveExternals = transitive
	return nil
}

// entryFor maps a subpath ("" for the root) to a file inside the package.
func (t *tracer) entryFor(subpath string) (string, error) {
	root := t.dep.Root
	rel, ok := t.pj.ExportTarget(subpath)
	switch {
	case ok:
	case subpath == "":
		rel = t.pj.MainEntry()
	default:
		rel = strings.TrimPrefix(subpath, "/")
	}
	file, ok := ResolveFile(filepath.Join(root, filepath.FromSlash(rel)))
	if !ok || !Within(root, file) {
		return "", fmt.Errorf("%w for %q%s", errNoEntry, t.dep.Name, subpath)
	}
	return file, nil
}

// rootStarts picks where tracing begins for bare-package references: the
// single file defining every used symbol when there is one, else the entry.
func (t *tracer) rootStarts(main string) []string {
	dep := t.dep
	if slices.Contains(dep.RootSymbols, refs.Wildcard) || len(dep.RootSymbols) == 0 {
		return []string{main}
	}

	sources := make(map[string]string, len(dep.RootSymbols))
	for _, sym := range dep.RootSymbols {
		src, ok := t.findExportSource(main, sym, make(map[string]bool))
		if !ok {
			t.log.Warn("export source not found, tracing from package entry", "symbol", sym)
			return []string{main}
		}
		sources[sym] = src
	}
	dep.ExportSources = sources

	distinct := slices.Compact(slices.Sorted(maps.Values(sources)))
	if len(distinct) == 1 {
		return distinct
	}
	return []string{main}
}

// findExportSource follows star and named re-exports from file until it
// reaches the module that defines symbol. It never leaves the package.
func (t *tracer) findExportSource(file, symbol string, seen map[string]bool) (string, bool) {
	key := file + "#" + symbol
	if seen[key] {
		return "", false
	}
	seen[key] = true

	info, err := refs.Exports(file)
	if err != nil {
		return "", false
	}
	if info.Defines(symbol) {
		return file, true
	}
	if re, ok := info.ReExportOf(symbol); ok {
		target, ok := t.resolveInPackage(file, re.Specifier)
		if !ok {
			return "", false
		}
		if re.Imported == refs.Wildcard {
			return target, true
		}
		return t.findExportSource(target, re.Imported, seen)
	}
	if symbol == "default" {
		return "", false
	}
	for _, star := range info.Stars {
		target, ok := t.resolveInPackage(file, star)
		if !ok {
			continue
		}
		if src, ok := t.findExportSource(target, symbol, seen); ok {
			return src, true
		}
	}
	return "", false
}

func (t *tracer) resolveInPackage(fromFile, spec string) (string, bool) {
	if refs.IsPathSpecifier(spec) {
		file, ok := ResolveFile(filepath.Join(filepath.Dir(fromFile), filepath.FromSlash(spec)))
		return file, ok && Within(t.dep.Root, file)
	}
	if name, sub := refs.SplitPackage(spec); name == t.dep.Name {
		file, err := t.entryFor(sub)
		return file, err == nil
	}
	return "", false
}

var declarationExts = map[string][]string{
	".js":  {".d.ts"},
	".mjs": {".d.mts", ".d.ts"},
	".cjs": {".d.cts", ".d.ts"},
}

// trace collects every file reachable from starts inside the package root,
// with adjacent source maps and declaration files. Packages referenced
// along the way are returned with the version this package declares.
func (t *tracer) trace(starts []string) ([]string, map[string]string) {
	root := t.dep.Root
	transitive := make(map[string]string)
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}
	add(filepath.Join(root, ManifestFile))

	queue := slices.Clone(starts)
	queued := make(map[string]bool)
	for _, s := range starts {
		queued[s] = true
	}
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		add(file)

		if sibling := file + ".map"; fsutil.IsFile(sibling) {
			add(sibling)
		}
		ext := filepath.Ext(file)
		for _, dts := range declarationExts[ext] {
			if sibling := strings.TrimSuffix(file, ext) + dts; fsutil.IsFile(sibling) {
				add(sibling)
				break
			}
		}

		if !refs.Parseable(file) {
			continue
		}
		fileRefs, err := refs.Extract(file)
		if err != nil {
			t.log.Warn("skipping unparseable package file", "file", file, "error", err)
			continue
		}
		enqueue := func(target string) {
			if !queued[target] {
				queued[target] = true
				queue = append(queue, target)
			}
		}
		for _, ref := range fileRefs {
			switch {
			case ref.IsLocal():
				target, ok := ResolveFile(filepath.Join(filepath.Dir(file), filepath.FromSlash(ref.Specifier)))
				if !ok {
					t.log.Warn("unresolved import in package", "file", file, "specifier", ref.Specifier)
					continue
				}
				if !Within(root, target) {
					t.log.Warn("import escapes package root", "file", file, "specifier", ref.Specifier)
					continue
				}
				enqueue(target)
			case ref.IsTypeOnly(), refs.IsBuiltin(ref.Specifier):
			case ref.Package == t.dep.Name:
				if target, err := t.entryFor(ref.Subpath); err == nil {
					enqueue(target)
				}
			default:
				transitive[ref.Package] = t.pj.DeclaredVersion(ref.Package)
			}
		}
	}
	slices.Sort(files)
	return files, transitive
}
