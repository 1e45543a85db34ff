package devserver

import (
	"cmp"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/internal/bundler"
	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stackkit-dev/stackkit/internal/packager"
	"github.com/stackkit-dev/stackkit/kit/matcher"
)

var (
	ErrNoRoute  = errors.New("no matching route")
	ErrNoBundle = errors.New("route has no bundle yet")
)

type routeEntry struct {
	route       config.Route
	name        string
	pattern     *matcher.Pattern
	versionRoot string
}

// Router matches requests to routes and resolves each match to the newest
// bundle on disk. Nothing about bundle locations is cached.
type Router struct {
	entries []*routeEntry
}

type Match struct {
	Route config.Route
	Name  string
	// HandlerPath is the bundled entry file of the newest version.
	HandlerPath string
	Version     string
	Params      matcher.Params
}

// NewRouter compiles every route template. Routes are tried most specific
// first: literal segments beat parameters, which beat greedy parameters.
func NewRouter(routes []config.Route, devRoot string) (*Router, error) {
	names := packager.AssignNames(routes)
	wrapped := packager.WrappedPath(devRoot)
	r := &Router{}
	for _, route := range packager.SortRoutes(routes) {
		pattern, err := matcher.Compile(route.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %w", route.Method, route.Path, err)
		}
		name := names[route.Handler]
		r.entries = append(r.entries, &routeEntry{
			route:       route,
			name:        name,
			pattern:     pattern,
			versionRoot: filepath.Join(wrapped, name),
		})
	}
	slices.SortStableFunc(r.entries, func(a, b *routeEntry) int {
		return cmp.Compare(b.pattern.Specificity(), a.pattern.Specificity())
	})
	return r, nil
}

func (r *Router) Len() int { return len(r.entries) }

// Match finds the route for path and method. It returns ErrNoRoute when
// nothing matches and ErrNoBundle when the route has not been built.
func (r *Router) Match(path, method string) (*Match, error) {
	for _, e := range r.entries {
		if !methodMatches(e.route.Method, method) {
			continue
		}
		params, ok := e.pattern.Match(path)
		if !ok {
			continue
		}
		m := &Match{Route: e.route, Name: e.name, Params: params}
		if err := e.resolve(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, ErrNoRoute
}

func (e *routeEntry) resolve(m *Match) error {
	dir := e.versionRoot
	if !packager.IsInternal(e.name) {
		latest, ok, err := packager.LatestVersion(e.versionRoot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoBundle, e.name)
		}
		dir = filepath.Join(e.versionRoot, latest)
		m.Version = latest
	}
	entry, ok := analyzer.ResolveFile(filepath.Join(dir, bundler.EntryBase))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBundle, e.name)
	}
	m.HandlerPath = entry
	return nil
}

func methodMatches(routeMethod, method string) bool {
	return routeMethod == config.MethodAny || strings.EqualFold(routeMethod, method)
}
