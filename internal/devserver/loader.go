package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/retry"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrModuleNotFound marks a load that may succeed once the bundler has
	// finished writing files.
	ErrModuleNotFound = errors.New("module not found")
	// ErrMissingExport means the bundle exports neither main nor default.
	ErrMissingExport = errors.New("handler module exports neither main nor default")
)

// Handler is a loaded handler module. Invoke runs it once with event and
// an environment overlay applied on top of the server's environment.
type Handler interface {
	Invoke(ctx context.Context, event json.RawMessage, env map[string]string) (json.RawMessage, error)
}

// ModuleRuntime turns a bundled entry file into a Handler. stamp changes
// whenever the path must be loaded fresh.
type ModuleRuntime interface {
	Load(ctx context.Context, path string, stamp int64) (Handler, error)
}

type LoaderOptions struct {
	Runtime ModuleRuntime
	// DevRoot holds rotating version directories; every tracked path under
	// it is invalidated on each ClearCache.
	DevRoot    string
	Attempts   int           // Default: 10
	RetryDelay time.Duration // Default: 100ms
	Logger     *slog.Logger
	Metrics    *Metrics
}

type cached struct {
	stamp   int64
	handler Handler
}

// Loader loads handler modules on demand. Concurrent loads of one path
// share a single runtime load.
type Loader struct {
	rt      ModuleRuntime
	devRoot string
	policy  retry.Policy
	log     *slog.Logger
	metrics *Metrics

	group singleflight.Group

	mu     sync.Mutex
	stamps map[string]int64
	cache  map[string]cached
	clock  int64
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Attempts == 0 {
		opts.Attempts = 10
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	l := &Loader{
		rt:      opts.Runtime,
		devRoot: opts.DevRoot,
		log:     colorlog.Or(opts.Logger, "loader"),
		metrics: opts.Metrics,
		stamps:  make(map[string]int64),
		cache:   make(map[string]cached),
	}
	l.policy = retry.Policy{
		Attempts:  opts.Attempts,
		Delay:     opts.RetryDelay,
		Retryable: func(err error) bool { return errors.Is(err, ErrModuleNotFound) },
		OnRetry: func(err error, next int, _ time.Duration) {
			l.log.Debug("module not ready, retrying", "attempt", next, "error", err)
		},
	}
	return l
}

func loadKey(path string, stamp int64) string {
	return path + "@" + strconv.FormatInt(stamp, 10)
}

// Load returns the handler for path, loading it if the cached copy is
// missing or stale.
func (l *Loader) Load(ctx context.Context, path string) (Handler, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	stamp, tracked := l.stamps[abs]
	if !tracked {
		stamp = l.tick()
		l.stamps[abs] = stamp
	}
	if c, ok := l.cache[abs]; ok && c.stamp == stamp {
		l.mu.Unlock()
		return c.handler, nil
	}
	l.mu.Unlock()

	// A shared load must not fail because the request that started it ended.
	loadCtx := context.WithoutCancel(ctx)
	v, err, shared := l.group.Do(loadKey(abs, stamp), func() (any, error) {
		return l.load(loadCtx, abs, stamp)
	})
	if shared {
		l.log.Debug("joined in-flight load", "path", abs)
	}
	if err != nil {
		return nil, err
	}
	return v.(Handler), nil
}

func (l *Loader) load(ctx context.Context, abs string, stamp int64) (Handler, error) {
	l.forgetDir(filepath.Dir(abs), abs)

	start := time.Now()
	h, err := retry.DoValue(ctx, l.policy, func(ctx context.Context) (Handler, error) {
		return l.rt.Load(ctx, abs, stamp)
	})
	l.metrics.observeLoad(err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}

	l.mu.Lock()
	if l.stamps[abs] == stamp {
		l.cache[abs] = cached{stamp: stamp, handler: h}
	}
	l.mu.Unlock()
	l.log.Debug("loaded handler", "path", abs, "took", time.Since(start))
	return h, nil
}

// forgetDir drops cached modules from dir other than keep.
func (l *Loader) forgetDir(dir, keep string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path := range l.cache {
		if path != keep && filepath.Dir(path) == dir {
			delete(l.cache, path)
		}
	}
}

// ClearCache invalidates the changed paths and every tracked path under
// the dev root. Every in-flight load is detached, invalidated or not, so
// later calls start fresh.
func (l *Loader) ClearCache(changed []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for path, stamp := range l.stamps {
		l.group.Forget(loadKey(path, stamp))
	}
	bump := func(path string) {
		l.stamps[path] = l.tick()
		delete(l.cache, path)
	}
	for _, path := range changed {
		if abs, err := filepath.Abs(path); err == nil {
			bump(abs)
		}
	}
	if l.devRoot != "" {
		for path := range l.stamps {
			if analyzer.Within(l.devRoot, path) {
				bump(path)
			}
		}
	}
}

// tick returns a strictly increasing stamp. Callers hold l.mu.
func (l *Loader) tick() int64 {
	now := time.Now().UnixNano()
	if now <= l.clock {
		now = l.clock + 1
	}
	l.clock = now
	return now
}
