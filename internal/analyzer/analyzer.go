// Package analyzer walks a handler's module graph, separating project-local
// source files from external packages, and works out which files of each
// private package the handler actually needs.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sort"

	"github.com/stackkit-dev/stackkit/internal/refs"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
	"golang.org/x/sync/errgroup"
)

type LocalDependency struct {
	Importer     string
	Specifier    string
	ResolvedPath string
}

type ExternalDependency struct {
	Name    string
	Version string
	Private bool
	// Root is the package directory when it is installed locally.
	Root string

	Symbols  []string
	Subpaths []string
	// RootSymbols are the symbols imported from the bare package name.
	RootSymbols []string
	// UsesRoot is set when any reference names the package without a subpath.
	UsesRoot bool

	// Set for private packages only.
	MainEntry      string
	SubpathEntries map[string]string
	ExportSources  map[string]string
	// RequiredFiles lists the absolute paths to ship. Nil means the whole
	// package tree.
	RequiredFiles []string
	// TransitiveExternals maps packages referenced from the shipped files
	// to their declared versions.
	TransitiveExternals map[string]string
}

// IsWildcard reports whether some reference uses the whole package.
func (d *ExternalDependency) IsWildcard() bool {
	return slices.Contains(d.Symbols, refs.Wildcard)
}

// Selective reports whether only RequiredFiles need to ship.
func (d *ExternalDependency) Selective() bool {
	return d.RequiredFiles != nil
}

func (d *ExternalDependency) addReference(ref refs.Reference) {
	d.Symbols = mergeSorted(d.Symbols, ref.Symbols)
	if ref.Subpath == "" {
		d.UsesRoot = true
		d.RootSymbols = mergeSorted(d.RootSymbols, ref.Symbols)
	} else if !slices.Contains(d.Subpaths, ref.Subpath) {
		d.Subpaths = append(d.Subpaths, ref.Subpath)
		slices.Sort(d.Subpaths)
	}
}

func mergeSorted(into, add []string) []string {
	for _, s := range add {
		if !slices.Contains(into, s) {
			into = append(into, s)
		}
	}
	slices.Sort(into)
	return into
}

// degrade drops selective information so the whole package ships.
func (d *ExternalDependency) degrade(pj *PackageJSON) {
	d.RequiredFiles = nil
	d.ExportSources = nil
	d.TransitiveExternals = nil
	if pj != nil {
		d.TransitiveExternals = pj.RuntimeDependencies()
	}
}

type Result struct {
	Entry     string
	Locals    []LocalDependency
	Externals []*ExternalDependency
	// Skipped lists files that could not be parsed.
	Skipped []string
}

// External returns the dependency named name.
func (r *Result) External(name string) (*ExternalDependency, bool) {
	i := sort.Search(len(r.Externals), func(i int) bool { return r.Externals[i].Name >= name })
	if i < len(r.Externals) && r.Externals[i].Name == name {
		return r.Externals[i], true
	}
	return nil, false
}

type Options struct {
	// Registry probes packages not marked private. Nil treats them as public.
	Registry    Registry
	Logger      *slog.Logger
	Concurrency int // Default: 8
}

type Analyzer struct {
	registry    Registry
	log         *slog.Logger
	concurrency int
}

func New(opts Options) *Analyzer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Analyzer{
		registry:    opts.Registry,
		log:         colorlog.Or(opts.Logger, "analyzer"),
		concurrency: opts.Concurrency,
	}
}

// Analyze traverses the module graph from entryFile.
func (a *Analyzer) Analyze(ctx context.Context, entryFile string) (*Result, error) {
	entry, err := filepath.Abs(entryFile)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if !fsutil.IsFile(entry) {
		return nil, fmt.Errorf("analyze: entry %s is not a file", entry)
	}

	res := &Result{Entry: entry}
	externals := make(map[string]*ExternalDependency)
	visited := map[string]bool{entry: true}
	queue := []string{entry}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := queue[0]
		queue = queue[1:]
		if !refs.Parseable(file) {
			continue
		}
		fileRefs, err := refs.Extract(file)
		if err != nil {
			a.log.Warn("skipping unparseable file", "file", file, "error", err)
			res.Skipped = append(res.Skipped, file)
			continue
		}
		for _, ref := range fileRefs {
			if ref.IsLocal() {
				resolved, ok := ResolveLocal(filepath.Dir(file), ref.Specifier)
				if !ok {
					a.log.Warn("unresolved local import", "file", file, "specifier", ref.Specifier)
					continue
				}
				res.Locals = append(res.Locals, LocalDependency{
					Importer:     file,
					Specifier:    ref.Specifier,
					ResolvedPath: resolved,
				})
				if !visited[resolved] {
					visited[resolved] = true
					queue = append(queue, resolved)
				}
				continue
			}
			// Type-only package references never load at runtime.
			if ref.IsTypeOnly() || refs.IsBuiltin(ref.Specifier) {
				continue
			}
			dep, ok := externals[ref.Package]
			if !ok {
				dep = &ExternalDependency{Name: ref.Package}
				externals[ref.Package] = dep
			}
			dep.addReference(ref)
		}
	}

	if err := a.ResolveExternalDependencies(ctx, filepath.Dir(entry), externals); err != nil {
		return nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(externals)) {
		res.Externals = append(res.Externals, externals[name])
	}
	return res, nil
}

// ResolveExternalDependencies fills in version, privacy and, for private
// packages, the files to ship. Packages are resolved concurrently; each
// goroutine writes only its own entry.
func (a *Analyzer) ResolveExternalDependencies(ctx context.Context, fromDir string, deps map[string]*ExternalDependency) error {
	manifestPath, manifest, err := NearestManifest(fromDir)
	if err != nil {
		a.log.Warn("unreadable manifest, versions default to latest", "path", manifestPath, "error", err)
		manifest = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, dep := range deps {
		g.Go(func() error {
			a.resolveOne(gctx, fromDir, manifest, dep)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (a *Analyzer) resolveOne(ctx context.Context, fromDir string, manifest *PackageJSON, dep *ExternalDependency) {
	dep.Version = manifest.DeclaredVersion(dep.Name)

	var pj *PackageJSON
	if root, ok := FindPackageRoot(fromDir, dep.Name); ok {
		dep.Root = root
		var err error
		if pj, err = ReadPackageJSON(filepath.Join(root, ManifestFile)); err != nil {
			a.log.Warn("unreadable package manifest", "package", dep.Name, "error", err)
		}
	}

	if pj != nil && pj.Private {
		dep.Private = true
	} else {
		dep.Private = a.probePrivate(ctx, dep.Name)
	}
	if !dep.Private {
		return
	}
	if dep.Root == "" {
		a.log.Warn("private package is not installed locally", "package", dep.Name)
		return
	}
	if pj == nil {
		dep.degrade(nil)
		return
	}

	t := &tracer{dep: dep, pj: pj, log: a.log.With("package", dep.Name)}
	if err := t.run(); err != nil {
		a.log.Warn("selective analysis failed, shipping whole package", "package", dep.Name, "error", err)
		dep.degrade(pj)
	}
}

func (a *Analyzer) probePrivate(ctx context.Context, name string) bool {
	if a.registry == nil {
		return false
	}
	exists, err := a.registry.Exists(ctx, name)
	if err != nil {
		a.log.Warn("registry probe failed, treating package as private", "package", name, "error", err)
		return true
	}
	return !exists
}
