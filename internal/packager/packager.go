// Package packager runs the bundler over a route list, merges the
// resulting external package manifests and, in dev mode, publishes each
// bundle into a fresh version directory.
package packager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/internal/bundler"
	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

const (
	WrappedDir = "wrapped"
	SharedDir  = "shared"
)

// Bundler is the per-route bundling step.
type Bundler interface {
	Bundle(ctx context.Context, handlerFile, routeOutputDir, sharedRootDir string, reg *bundler.Registry) (*bundler.Result, error)
}

type Options struct {
	// OutDir is the static output directory, or the dev root in dev mode.
	OutDir    string
	Dev       bool
	Bundler   Bundler
	Producers []Producer
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Packager struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	lastTags map[string]int64
}

func New(opts Options) *Packager {
	log := colorlog.Or(opts.Logger, "packager")
	if opts.Bundler == nil {
		opts.Bundler = bundler.New(bundler.Options{Logger: log})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Packager{opts: opts, log: log, lastTags: make(map[string]int64)}
}

type RouteBundle struct {
	Route config.Route
	Name  string
	// Dir holds handler.<ext>. In dev mode it is the version directory,
	// which also holds the version's shared files.
	Dir     string
	Version string
	Result  *bundler.Result
}

type Output struct {
	Bundles   []RouteBundle
	Manifest  map[string]string
	WrapDir   string
	SharedDir string
}

// WrappedPath returns the directory holding route bundles under outDir.
func WrappedPath(outDir string) string { return filepath.Join(outDir, WrappedDir) }

// SortRoutes orders routes by path then method so runs are reproducible.
func SortRoutes(routes []config.Route) []config.Route {
	sorted := slices.Clone(routes)
	slices.SortStableFunc(sorted, func(a, b config.Route) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Method, b.Method))
	})
	return sorted
}

// Package bundles every route with one fresh shared file registry. Routes
// are processed sequentially; the first failure aborts the run. Versioned
// dev bundles keep their shared files inside the version directory.
func (p *Packager) Package(ctx context.Context, routes []config.Route) (*Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wrapped := WrappedPath(p.opts.OutDir)
	out := &Output{
		Manifest:  make(map[string]string),
		WrapDir:   wrapped,
		SharedDir: filepath.Join(wrapped, SharedDir),
	}
	if !p.opts.Dev {
		if err := os.RemoveAll(wrapped); err != nil {
			return nil, fmt.Errorf("package: clean %s: %w", wrapped, err)
		}
	}
	if err := fsutil.EnsureDirs(wrapped, out.SharedDir); err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}

	reg := bundler.NewRegistry()
	names := AssignNames(routes)
	byHandler := make(map[string]RouteBundle)

	for _, route := range SortRoutes(routes) {
		name := names[route.Handler]
		if prev, ok := byHandler[route.Handler]; ok {
			rb := prev
			rb.Route = route
			out.Bundles = append(out.Bundles, rb)
			continue
		}

		rb, err := p.packageRoute(ctx, route, name, out.SharedDir, reg)
		if err != nil {
			return nil, fmt.Errorf("package route %s %s: %w", route.Method, route.Path, err)
		}
		byHandler[route.Handler] = rb
		out.Bundles = append(out.Bundles, rb)

		MergeManifest(out.Manifest, rb.Result.ExternalPublicDeps)
		MergeManifest(out.Manifest, rb.Result.DiscoveredVersions)
		p.log.Info("packaged route",
			"route", name,
			"version", rb.Version,
			"files", len(rb.Result.Files),
			"digest", rb.Result.Digest[:12],
		)
	}

	for _, producer := range p.opts.Producers {
		if err := producer.Produce(ctx, out, p.opts.OutDir); err != nil {
			return nil, fmt.Errorf("package: %w", err)
		}
	}
	return out, nil
}

func (p *Packager) packageRoute(ctx context.Context, route config.Route, name, sharedDir string, reg *bundler.Registry) (RouteBundle, error) {
	rb := RouteBundle{Route: route, Name: name}
	routeRoot := filepath.Join(WrappedPath(p.opts.OutDir), name)

	if !p.opts.Dev || IsInternal(name) {
		rb.Dir = routeRoot
		res, err := p.opts.Bundler.Bundle(ctx, route.Handler, routeRoot, sharedDir, reg)
		if err != nil {
			return rb, err
		}
		rb.Result = res
		return rb, nil
	}

	tag, err := p.nextTag(routeRoot)
	if err != nil {
		return rb, err
	}
	staging := filepath.Join(routeRoot, stagingPrefix+tag)
	final := filepath.Join(routeRoot, tag)

	// A version carries its own shared files, so a rebuild that fails
	// halfway never touches what the served version imports.
	res, err := p.opts.Bundler.Bundle(ctx, route.Handler, staging, filepath.Join(staging, SharedDir), bundler.NewRegistry())
	if err != nil {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			p.log.Warn("failed to remove staging directory", "dir", staging, "error", rmErr)
		}
		return rb, err
	}
	if err := os.Rename(staging, final); err != nil {
		return rb, fmt.Errorf("publish version %s: %w", tag, err)
	}
	res.EntryFile = filepath.Join(final, filepath.Base(res.EntryFile))
	res.Files = rebase(res.Files, staging, final)
	for src, dest := range res.PathMapping {
		res.PathMapping[src] = rebase([]string{dest}, staging, final)[0]
	}

	if err := p.pruneVersions(routeRoot, tag); err != nil {
		p.log.Warn("failed to prune old versions", "route", name, "error", err)
	}
	rb.Dir = final
	rb.Version = tag
	rb.Result = res
	return rb, nil
}

// nextTag returns a tag whose timestamp is greater than any tag issued
// for routeRoot before, on disk or in this process.
func (p *Packager) nextTag(routeRoot string) (string, error) {
	ms := p.opts.Now().UnixMilli()
	floor := p.lastTags[routeRoot]
	if latest, ok, err := LatestVersion(routeRoot); err != nil {
		return "", err
	} else if ok {
		if v, _ := ParseVersion(latest); v > floor {
			floor = v
		}
	}
	if ms <= floor {
		ms = floor + 1
	}
	p.lastTags[routeRoot] = ms
	return VersionTag(ms), nil
}

// pruneVersions removes every entry under routeRoot except keep.
func (p *Packager) pruneVersions(routeRoot, keep string) error {
	entries, err := os.ReadDir(routeRoot)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(routeRoot, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func rebase(paths []string, from, to string) []string {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = path
		if analyzer.Within(from, path) {
			if rel, err := filepath.Rel(from, path); err == nil {
				out[i] = filepath.Join(to, rel)
			}
		}
	}
	return out
}

// AssignNames maps each handler file to its bundle directory name. The
// dev server uses it to find the bundles a packaging run wrote.
func AssignNames(routes []config.Route) map[string]string {
	names := newRouteNames()
	for _, route := range SortRoutes(routes) {
		names.assign(route.Handler, route.Name())
	}
	return names.byFile
}

// routeNames gives each handler a directory name: its base name, with a
// numeric suffix when a different handler already uses it. "shared" is
// reserved for the shared directory.
type routeNames struct {
	owners map[string]string
	byFile map[string]string
}

func newRouteNames() *routeNames {
	return &routeNames{
		owners: map[string]string{SharedDir: "\x00reserved"},
		byFile: make(map[string]string),
	}
}

func (n *routeNames) assign(handler, base string) string {
	if name, ok := n.byFile[handler]; ok {
		return name
	}
	name := base
	for i := 1; n.owners[name] != ""; i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	n.owners[name] = handler
	n.byFile[handler] = name
	return name
}
