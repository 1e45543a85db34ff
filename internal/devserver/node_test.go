package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHandler(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestNodeRuntimeLoad(t *testing.T) {
	root := t.TempDir()
	rt := NewNodeRuntime(NodeRuntimeOptions{CacheDir: filepath.Join(root, ".cache")})
	ctx := context.Background()

	path := writeHandler(t, root, "a/handler.ts", "export const main = async (e: unknown) => ({ statusCode: 200, body: 'ok' });\n")
	h, err := rt.Load(ctx, path, 1)
	require.NoError(t, err)
	nh := h.(*nodeHandler)
	assert.Equal(t, "main", nh.export)
	assert.FileExists(t, nh.module)

	h2, err := rt.Load(ctx, path, 2)
	require.NoError(t, err)
	assert.NoFileExists(t, nh.module, "older compilations are pruned")
	assert.FileExists(t, h2.(*nodeHandler).module)

	path = writeHandler(t, root, "b/handler.ts", "export default async () => 1;\n")
	h, err = rt.Load(ctx, path, 1)
	require.NoError(t, err)
	assert.Equal(t, "default", h.(*nodeHandler).export)
}

func TestNodeRuntimeLoadErrors(t *testing.T) {
	root := t.TempDir()
	rt := NewNodeRuntime(NodeRuntimeOptions{CacheDir: filepath.Join(root, ".cache")})
	ctx := context.Background()

	_, err := rt.Load(ctx, filepath.Join(root, "missing.ts"), 1)
	assert.ErrorIs(t, err, ErrModuleNotFound)

	path := writeHandler(t, root, "c/handler.ts", "import { x } from './not-there';\nexport const main = () => x;\n")
	_, err = rt.Load(ctx, path, 1)
	assert.ErrorIs(t, err, ErrModuleNotFound)

	path = writeHandler(t, root, "d/handler.ts", "export const other = 1;\n")
	_, err = rt.Load(ctx, path, 1)
	assert.ErrorIs(t, err, ErrMissingExport)

	path = writeHandler(t, root, "e/handler.ts", "export const main = (;\n")
	_, err = rt.Load(ctx, path, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrModuleNotFound))
}

func TestNodeHandlerInvoke(t *testing.T) {
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not installed")
	}
	root := t.TempDir()
	rt := NewNodeRuntime(NodeRuntimeOptions{CacheDir: filepath.Join(root, ".cache")})
	ctx := context.Background()

	path := writeHandler(t, root, "ok/handler.ts", `
export const main = async (event: { path: string }) => {
  console.log("invoked");
  return { statusCode: 200, body: event.path + ":" + process.env.GREETING };
};
`)
	h, err := rt.Load(ctx, path, 1)
	require.NoError(t, err)
	raw, err := h.Invoke(ctx, json.RawMessage(`{"path":"/hi"}`), map[string]string{"GREETING": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"statusCode":200,"body":"/hi:hello"}`, string(raw))

	path = writeHandler(t, root, "fail/handler.ts", "export const main = async () => { throw new Error('nope'); };\n")
	h, err = rt.Load(ctx, path, 1)
	require.NoError(t, err)
	_, err = h.Invoke(ctx, json.RawMessage(`{}`), nil)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "nope", herr.Message)
}
