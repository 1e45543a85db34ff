// Package watch reports batches of changed project source files to the dev
// loop. Directories are watched recursively; include and exclude globs are
// anchored at the project root.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/typed"
)

const matchCacheMaxSize = 10000

const (
	globGit         = "**/.git"
	globNodeModules = "**/node_modules"
)

type Options struct {
	Root string
	// Include globs select files that trigger a rebuild. Relative to Root.
	Include []string
	// Exclude globs name directories or files to skip. Relative to Root
	// unless absolute.
	Exclude  []string
	Debounce time.Duration // Default: 500ms
	Logger   *slog.Logger
}

type Watcher struct {
	log     *slog.Logger
	fsWatch *fsnotify.Watcher

	root        string
	include     []string
	ignored     []string
	debounce    time.Duration
	watchedDirs typed.SyncMap[string, struct{}]
	matchCache  *lru.Cache[string, bool]
}

func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, bool](matchCacheMaxSize)
	if err != nil {
		return nil, err
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:        colorlog.Or(opts.Logger, "watch"),
		fsWatch:    fsWatch,
		root:       filepath.ToSlash(root),
		debounce:   opts.Debounce,
		matchCache: cache,
	}
	if w.debounce <= 0 {
		w.debounce = 500 * time.Millisecond
	}
	for _, p := range opts.Include {
		w.include = append(w.include, w.anchor(p))
	}
	for _, p := range append([]string{globGit, globNodeModules}, opts.Exclude...) {
		anchored := strings.TrimSuffix(w.anchor(p), "/**")
		w.ignored = append(w.ignored, anchored, anchored+"/**")
	}
	return w, nil
}

func (w *Watcher) anchor(pattern string) string {
	if filepath.IsAbs(pattern) {
		return w.norm(pattern)
	}
	return w.root + "/" + strings.TrimPrefix(filepath.ToSlash(pattern), "./")
}

// norm converts a path to absolute with forward slashes for matching.
func (w *Watcher) norm(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(abs)
}

func (w *Watcher) Close() error {
	return w.fsWatch.Close()
}

// AddDir watches root and every non-ignored directory below it.
func (w *Watcher) AddDir(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if w.IsIgnored(path) {
			return filepath.SkipDir
		}
		key := w.norm(path)
		if _, exists := w.watchedDirs.Load(key); exists {
			return nil
		}
		if err := w.fsWatch.Add(path); err != nil {
			return err
		}
		w.watchedDirs.Store(key, struct{}{})
		return nil
	})
}

// RemoveStale drops watches for directories that no longer exist.
func (w *Watcher) RemoveStale() {
	for _, path := range w.watchedDirs.Keys() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.fsWatch.Remove(path)
			w.watchedDirs.Delete(path)
		}
	}
}

// MatchPattern matches a normalized path against a normalized glob.
func (w *Watcher) MatchPattern(pattern, path string) bool {
	key := pattern + "\x00" + path
	if cached, ok := w.matchCache.Get(key); ok {
		return cached
	}
	matches, err := doublestar.Match(pattern, path)
	if err != nil {
		w.log.Error("pattern match error", "pattern", pattern, "path", path, "error", err)
		return false
	}
	w.matchCache.Add(key, matches)
	return matches
}

func (w *Watcher) matchAny(patterns []string, path string) bool {
	np := w.norm(path)
	return slices.ContainsFunc(patterns, func(p string) bool { return w.MatchPattern(p, np) })
}

func (w *Watcher) IsIgnored(path string) bool {
	return w.matchAny(w.ignored, path)
}

// IsWatched reports whether a change to path should trigger a rebuild.
func (w *Watcher) IsWatched(path string) bool {
	return !w.IsIgnored(path) && w.matchAny(w.include, path)
}

// Run watches the root until ctx is done, calling onChange with each
// debounced batch of changed files. Batches never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, files []string)) error {
	if err := w.AddDir(w.root); err != nil {
		return err
	}
	debouncer := NewDebouncer(w.debounce, func(events []fsnotify.Event) {
		files := make([]string, 0, len(events))
		for _, evt := range events {
			files = append(files, filepath.Clean(evt.Name))
		}
		slices.Sort(files)
		onChange(ctx, slices.Compact(files))
	})
	defer debouncer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.fsWatch.Events:
			if !ok {
				return nil
			}
			w.handle(evt, debouncer)
		case err, ok := <-w.fsWatch.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event, debouncer *Debouncer) {
	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.AddDir(evt.Name); err != nil {
				w.log.Warn("failed to watch new directory", "dir", evt.Name, "error", err)
			}
			return
		}
	}
	if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
		w.RemoveStale()
	}
	if isNonEmptyChmodOnly(evt) || !w.IsWatched(evt.Name) {
		return
	}
	w.log.Debug("file changed", "file", evt.Name, "op", evt.Op.String())
	debouncer.Add(evt)
}
