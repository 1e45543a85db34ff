// Package bundler lays out one handler's deployable bundle: the entry file,
// deduplicated shared copies of its local sources, and the required files
// of private packages, with references rewritten to the new layout.
package bundler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/internal/refs"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
	"golang.org/x/crypto/blake2b"
)

const EntryBase = "handler"

// Analyzer is the dependency analysis the bundler consumes.
type Analyzer interface {
	Analyze(ctx context.Context, entryFile string) (*analyzer.Result, error)
}

type Options struct {
	Analyzer Analyzer
	Logger   *slog.Logger
}

type Bundler struct {
	analyzer Analyzer
	log      *slog.Logger
}

func New(opts Options) *Bundler {
	log := colorlog.Or(opts.Logger, "bundler")
	a := opts.Analyzer
	if a == nil {
		a = analyzer.New(analyzer.Options{Logger: log})
	}
	return &Bundler{analyzer: a, log: log}
}

type Result struct {
	EntryFile string
	// Files are all paths written for this bundle, sorted.
	Files []string
	// SharedFiles are the slash-separated shared-directory paths this
	// bundle references.
	SharedFiles []string
	// ExternalPublicDeps maps public packages to their declared versions.
	ExternalPublicDeps map[string]string
	// DiscoveredVersions maps packages used by shipped private package
	// files to the versions those packages declare.
	DiscoveredVersions map[string]string
	// PathMapping maps each copied source to its bundled location.
	PathMapping map[string]string
	// Digest is a blake2b-256 over the bundle's file names and contents.
	Digest string
}

// job is one file to write with rewritten references.
type job struct {
	src, dest string
	pkg       *analyzer.ExternalDependency // owning private package, if any
}

// Bundle writes handlerFile's bundle. It fails on any copy or rewrite
// error; a package whose analysis failed has already been degraded to a
// whole-tree copy by the analyzer.
func (b *Bundler) Bundle(ctx context.Context, handlerFile, routeOutputDir, sharedRootDir string, reg *Registry) (*Result, error) {
	analysis, err := b.analyzer.Analyze(ctx, handlerFile)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", handlerFile, err)
	}

	res := &Result{
		EntryFile:          filepath.Join(routeOutputDir, EntryBase+filepath.Ext(analysis.Entry)),
		ExternalPublicDeps: make(map[string]string),
		DiscoveredVersions: make(map[string]string),
		PathMapping:        make(map[string]string),
	}
	jobs := []job{{src: analysis.Entry, dest: res.EntryFile}}
	shared := make(map[string]bool)
	pkgDirs := make(map[string]string)

	for _, local := range analysis.Locals {
		if _, done := res.PathMapping[local.ResolvedPath]; done {
			continue
		}
		name, reused := reg.Assign(local.ResolvedPath)
		if reused {
			b.log.Debug("shared file already assigned", "file", local.ResolvedPath, "name", name)
		}
		dest := filepath.Join(sharedRootDir, name)
		res.PathMapping[local.ResolvedPath] = dest
		shared[name] = true
		jobs = append(jobs, job{src: local.ResolvedPath, dest: dest})
	}

	for _, dep := range analysis.Externals {
		if !dep.Private {
			res.ExternalPublicDeps[dep.Name] = dep.Version
			continue
		}
		maps.Copy(res.DiscoveredVersions, dep.TransitiveExternals)
		if dep.Root == "" {
			b.log.Warn("private package not installed, leaving references as-is", "package", dep.Name)
			continue
		}
		pkgDir := filepath.Join(sharedRootDir, filepath.FromSlash(dep.Name))
		pkgDirs[dep.Name] = pkgDir

		if !dep.Selective() {
			copied, err := b.copyWholePackage(dep, pkgDir, reg)
			if err != nil {
				return nil, err
			}
			for _, rel := range copied {
				src := filepath.Join(dep.Root, filepath.FromSlash(rel))
				res.PathMapping[src] = filepath.Join(pkgDir, filepath.FromSlash(rel))
				shared[dep.Name+"/"+rel] = true
			}
			continue
		}
		// The package's own manifest claims its name first.
		manifest := filepath.Join(dep.Root, analyzer.ManifestFile)
		files := append([]string{manifest}, slices.DeleteFunc(slices.Clone(dep.RequiredFiles), func(f string) bool {
			return f == manifest
		})...)
		for _, src := range files {
			name := reg.AssignInPackage(dep.Name, src)
			dest := filepath.Join(pkgDir, name)
			res.PathMapping[src] = dest
			shared[dep.Name+"/"+name] = true
			jobs = append(jobs, job{src: src, dest: dest, pkg: dep})
		}
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.writeJob(j, analysis, res.PathMapping, pkgDirs, reg); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", handlerFile, err)
		}
	}

	res.SharedFiles = slices.Sorted(maps.Keys(shared))
	res.Files = slices.Sorted(maps.Values(res.PathMapping))
	res.Files = append(res.Files, res.EntryFile)
	slices.Sort(res.Files)
	res.Files = slices.Compact(res.Files)
	if res.Digest, err = digest(res.Files); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", handlerFile, err)
	}
	return res, nil
}

func (b *Bundler) copyWholePackage(dep *analyzer.ExternalDependency, pkgDir string, reg *Registry) ([]string, error) {
	if !reg.MarkWholePackage(dep.Name) {
		b.log.Debug("package tree already copied this run", "package", dep.Name)
	}
	copied, err := fsutil.CopyTree(dep.Root, pkgDir, "**/node_modules", "**/.git")
	if err != nil {
		return nil, fmt.Errorf("copy package %s: %w", dep.Name, err)
	}
	return copied, nil
}

func (b *Bundler) writeJob(j job, analysis *analyzer.Result, mapping, pkgDirs map[string]string, reg *Registry) error {
	src, err := os.ReadFile(j.src)
	if err != nil {
		return fmt.Errorf("read %s: %w", j.src, err)
	}

	switch {
	case j.pkg != nil && filepath.Base(j.src) == analyzer.ManifestFile && filepath.Dir(j.src) == j.pkg.Root:
		src, err = rewriteManifest(src, j.pkg, mapping, reg)
		if err != nil {
			return err
		}
	case refs.Parseable(j.src):
		replacements, err := b.replacementsFor(j, analysis, mapping, pkgDirs)
		if err != nil {
			return err
		}
		src = rewriteSpecifiers(src, replacements)
	}

	if err := fsutil.WriteFile(j.dest, src); err != nil {
		return fmt.Errorf("write %s: %w", j.dest, err)
	}
	return nil
}

// replacementsFor maps each specifier in the job's source to its bundled
// form. Symbols are unioned per specifier within one file.
func (b *Bundler) replacementsFor(j job, analysis *analyzer.Result, mapping, pkgDirs map[string]string) (map[string]string, error) {
	fileRefs, err := refs.Extract(j.src)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", j.src, err)
	}

	symbols := make(map[string][]string)
	for _, ref := range fileRefs {
		symbols[ref.Specifier] = append(symbols[ref.Specifier], ref.Symbols...)
	}

	srcDir := filepath.Dir(j.src)
	destDir := filepath.Dir(j.dest)
	out := make(map[string]string)
	for _, ref := range fileRefs {
		if _, done := out[ref.Specifier]; done {
			continue
		}
		if ref.IsLocal() {
			var target string
			var ok bool
			if j.pkg != nil {
				target, ok = analyzer.ResolveFile(filepath.Join(srcDir, filepath.FromSlash(ref.Specifier)))
			} else {
				target, ok = analyzer.ResolveLocal(srcDir, ref.Specifier)
			}
			if !ok {
				continue
			}
			if bundled, ok := mapping[target]; ok {
				out[ref.Specifier] = relativeSpecifier(destDir, bundled, ref.Specifier)
			}
			continue
		}

		dep, ok := analysis.External(ref.Package)
		if !ok || !dep.Private {
			continue
		}
		pkgDir, ok := pkgDirs[dep.Name]
		if !ok {
			continue
		}
		out[ref.Specifier] = packageSpecifier(destDir, pkgDir, dep, ref, symbols[ref.Specifier], mapping)
	}
	return out, nil
}

// packageSpecifier points a private package reference at the single
// bundled file defining every used symbol, else at the bundled package
// root. Subpaths resolve to their bundled entry file, or keep their
// segment under the package directory.
func packageSpecifier(destDir, pkgDir string, dep *analyzer.ExternalDependency, ref refs.Reference, symbols []string, mapping map[string]string) string {
	if ref.Subpath != "" {
		if entry, ok := dep.SubpathEntries[ref.Subpath]; ok {
			if bundled, ok := mapping[entry]; ok {
				return relativeSpecifier(destDir, bundled, "")
			}
		}
		return dirSpecifier(destDir, pkgDir) + ref.Subpath
	}

	if len(dep.ExportSources) > 0 && !slices.Contains(symbols, refs.Wildcard) {
		var source string
		single := true
		for _, sym := range symbols {
			s, ok := dep.ExportSources[sym]
			if !ok || (source != "" && s != source) {
				single = false
				break
			}
			source = s
		}
		if single && source != "" {
			if bundled, ok := mapping[source]; ok {
				return relativeSpecifier(destDir, bundled, "")
			}
		}
	}
	return dirSpecifier(destDir, pkgDir)
}

// rewriteManifest points main at the flattened entry file and drops
// fields that describe the original layout. The manifest is shared by
// every bundle in the run, so main is kept when an earlier bundle shipped
// the entry even if this one did not.
func rewriteManifest(src []byte, dep *analyzer.ExternalDependency, mapping map[string]string, reg *Registry) ([]byte, error) {
	var manifest map[string]any
	if err := json.Unmarshal(src, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s manifest: %w", dep.Name, err)
	}
	for _, field := range []string{"exports", "module", "types", "typings", "files", "scripts"} {
		delete(manifest, field)
	}
	var shipped string
	if bundled, ok := mapping[dep.MainEntry]; ok && dep.MainEntry != "" {
		shipped = filepath.Base(bundled)
	}
	if main := reg.PackageMain(dep.Name, shipped); main != "" {
		manifest["main"] = "./" + main
	} else {
		delete(manifest, "main")
	}
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func digest(files []string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		h.Write([]byte(filepath.Base(f)))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
