package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, event json.RawMessage, env map[string]string) (json.RawMessage, error)

func (f handlerFunc) Invoke(ctx context.Context, event json.RawMessage, env map[string]string) (json.RawMessage, error) {
	return f(ctx, event, env)
}

// fakeRuntime counts module initializations.
type fakeRuntime struct {
	loads   atomic.Int32
	delay   time.Duration
	failFor int32
	failErr error
	handler Handler
}

func (f *fakeRuntime) Load(ctx context.Context, path string, stamp int64) (Handler, error) {
	n := f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= f.failFor {
		return nil, f.failErr
	}
	if f.handler != nil {
		return f.handler, nil
	}
	return handlerFunc(func(context.Context, json.RawMessage, map[string]string) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}), nil
}

func TestLoaderConcurrentLoadRunsOnce(t *testing.T) {
	rt := &fakeRuntime{delay: 50 * time.Millisecond}
	l := NewLoader(LoaderOptions{Runtime: rt})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(context.Background(), "/dev/wrapped/get/1.a/handler.ts")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, rt.loads.Load())

	_, err := l.Load(context.Background(), "/dev/wrapped/get/1.a/handler.ts")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rt.loads.Load(), "cached after the first load")
}

func TestLoaderRetriesModuleNotFound(t *testing.T) {
	rt := &fakeRuntime{failFor: 2, failErr: ErrModuleNotFound}
	l := NewLoader(LoaderOptions{Runtime: rt, RetryDelay: time.Millisecond})

	_, err := l.Load(context.Background(), "/x/handler.ts")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rt.loads.Load())
}

func TestLoaderGivesUpAfterBound(t *testing.T) {
	rt := &fakeRuntime{failFor: 100, failErr: ErrModuleNotFound}
	l := NewLoader(LoaderOptions{Runtime: rt, RetryDelay: time.Millisecond})

	_, err := l.Load(context.Background(), "/x/handler.ts")
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.EqualValues(t, 10, rt.loads.Load())
}

func TestLoaderOtherErrorsAreFatal(t *testing.T) {
	boom := errors.New("syntax error")
	rt := &fakeRuntime{failFor: 100, failErr: boom}
	l := NewLoader(LoaderOptions{Runtime: rt, RetryDelay: time.Millisecond})

	_, err := l.Load(context.Background(), "/x/handler.ts")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, rt.loads.Load())
}

func TestLoaderClearCache(t *testing.T) {
	devRoot := t.TempDir()
	inDev := filepath.Join(devRoot, "wrapped", "get", "1.a", "handler.ts")
	outside := "/elsewhere/handler.ts"

	rt := &fakeRuntime{}
	l := NewLoader(LoaderOptions{Runtime: rt, DevRoot: devRoot})
	ctx := context.Background()

	for _, p := range []string{inDev, outside} {
		_, err := l.Load(ctx, p)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, rt.loads.Load())

	l.ClearCache(nil)
	_, err := l.Load(ctx, inDev)
	require.NoError(t, err)
	_, err = l.Load(ctx, outside)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rt.loads.Load(), "only dev root paths are invalidated")

	l.ClearCache([]string{outside})
	_, err = l.Load(ctx, outside)
	require.NoError(t, err)
	assert.EqualValues(t, 4, rt.loads.Load())
}

func TestLoaderClearCacheDetachesAllInFlightLoads(t *testing.T) {
	rt := &fakeRuntime{delay: 200 * time.Millisecond}
	l := NewLoader(LoaderOptions{Runtime: rt, DevRoot: t.TempDir()})
	outside := "/elsewhere/handler.ts"

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), outside)
		done <- err
	}()
	require.Eventually(t, func() bool { return rt.loads.Load() == 1 }, time.Second, 5*time.Millisecond)

	l.ClearCache(nil)
	_, err := l.Load(context.Background(), outside)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rt.loads.Load(), "a load started after clearing does not join the old one")
	require.NoError(t, <-done)
}

func TestOverlayEnv(t *testing.T) {
	got := overlayEnv([]string{"A=1", "B=2", "BROKEN"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
}
