package devserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
	"github.com/stackkit-dev/stackkit/kit/lazyget"
	"golang.org/x/crypto/blake2b"
)

const (
	resultMarker = "__STACKKIT_RESULT__"
	errorMarker  = "__STACKKIT_ERROR__"
)

// invokeScript imports the compiled module, feeds it the event from stdin
// and prints the result after a marker so handler logs can share stdout.
const invokeScript = `
import { pathToFileURL } from "node:url";
const [modPath, exportName] = process.argv.slice(1);
const chunks = [];
for await (const c of process.stdin) chunks.push(c);
const raw = Buffer.concat(chunks).toString();
const event = raw ? JSON.parse(raw) : null;
const context = {
  awsRequestId: event?.requestContext?.requestId ?? "",
  functionName: process.env.STACKKIT_ROUTE ?? "",
  getRemainingTimeInMillis: () => Number(process.env.STACKKIT_TIMEOUT_MS ?? 30000),
};
try {
  const mod = await import(pathToFileURL(modPath).href);
  const out = await mod[exportName](event, context);
  process.stdout.write("\n` + resultMarker + `" + JSON.stringify(out === undefined ? null : out) + "\n");
} catch (err) {
  process.stdout.write("\n` + errorMarker + `" + JSON.stringify({ message: String(err?.message ?? err), stack: err?.stack ?? "" }) + "\n");
  process.exitCode = 1;
}
`

type NodeRuntimeOptions struct {
	// Node is the node executable. Default: "node".
	Node string
	// CacheDir receives compiled modules. It must sit inside the project so
	// external packages resolve from the project's node_modules.
	CacheDir string
	Logger   *slog.Logger
}

// NodeRuntime compiles bundled handlers with esbuild and runs each
// invocation in a fresh node process.
type NodeRuntime struct {
	node     func() (string, error)
	cacheDir string
	log      *slog.Logger
}

func NewNodeRuntime(opts NodeRuntimeOptions) *NodeRuntime {
	if opts.Node == "" {
		opts.Node = "node"
	}
	return &NodeRuntime{
		node: lazyget.New(func() (string, error) {
			path, err := exec.LookPath(opts.Node)
			if err != nil {
				return "", fmt.Errorf("node executable %q: %w", opts.Node, err)
			}
			return path, nil
		}),
		cacheDir: opts.CacheDir,
		log:      colorlog.Or(opts.Logger, "node"),
	}
}

type metafileSubset struct {
	Outputs map[string]struct {
		Exports []string `json:"exports"`
	} `json:"outputs"`
}

func (rt *NodeRuntime) Load(ctx context.Context, path string, stamp int64) (Handler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fsutil.IsFile(path) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
	}

	sum := blake2b.Sum256([]byte(path))
	outfile := filepath.Join(rt.cacheDir, hex.EncodeToString(sum[:8])+"-"+strconv.FormatInt(stamp, 36)+".mjs")
	if err := fsutil.EnsureDir(rt.cacheDir); err != nil {
		return nil, err
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:   []string{path},
		Outfile:       outfile,
		AbsWorkingDir: filepath.Dir(path),
		Bundle:        true,
		Write:         true,
		Metafile:      true,
		Platform:      api.PlatformNode,
		Format:        api.FormatESModule,
		Target:        api.ESNext,
		Packages:      api.PackagesExternal,
		Sourcemap:     api.SourceMapInline,
		LogLevel:      api.LogLevelSilent,
	})
	if err := buildError(result.Errors); err != nil {
		return nil, err
	}

	var meta metafileSubset
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("parse metafile: %w", err)
	}
	var exports []string
	for _, out := range meta.Outputs {
		exports = append(exports, out.Exports...)
	}
	export := ""
	switch {
	case slices.Contains(exports, "main"):
		export = "main"
	case slices.Contains(exports, "default"):
		export = "default"
	default:
		os.Remove(outfile)
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, path)
	}

	rt.pruneCache(hex.EncodeToString(sum[:8]), outfile)
	return &nodeHandler{rt: rt, module: outfile, export: export}, nil
}

func buildError(msgs []api.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var errs []error
	for _, msg := range msgs {
		text := msg.Text
		if msg.Location != nil {
			text = fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
		}
		if strings.Contains(msg.Text, "Could not resolve") || strings.Contains(msg.Text, "Could not read from file") {
			errs = append(errs, fmt.Errorf("%w: %s", ErrModuleNotFound, text))
			continue
		}
		errs = append(errs, errors.New(text))
	}
	return errors.Join(errs...)
}

// pruneCache removes earlier compilations of the same handler path.
func (rt *NodeRuntime) pruneCache(prefix, keep string) {
	matches, err := filepath.Glob(filepath.Join(rt.cacheDir, prefix+"-*.mjs"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if m != keep {
			os.Remove(m)
		}
	}
}

type nodeHandler struct {
	rt     *NodeRuntime
	module string
	export string
}

// HandlerError is a failure thrown by handler code.
type HandlerError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *HandlerError) Error() string { return e.Message }

func (h *nodeHandler) Invoke(ctx context.Context, event json.RawMessage, env map[string]string) (json.RawMessage, error) {
	node, err := h.rt.node()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, node, "--enable-source-maps", "--input-type=module", "-e", invokeScript, h.module, h.export)
	cmd.Env = overlayEnv(os.Environ(), env)
	cmd.Stdin = bytes.NewReader(event)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}

	var (
		result  json.RawMessage
		failure *HandlerError
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, resultMarker):
			result = json.RawMessage(strings.TrimPrefix(line, resultMarker))
		case strings.HasPrefix(line, errorMarker):
			failure = &HandlerError{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, errorMarker)), failure); err != nil {
				failure.Message = strings.TrimPrefix(line, errorMarker)
			}
		case line != "":
			h.rt.log.Info(line, "handler", filepath.Base(h.module))
		}
	}
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if failure != nil {
		return nil, failure
	}
	if waitErr != nil {
		return nil, fmt.Errorf("node exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	if result == nil {
		return nil, errors.New("handler produced no result")
	}
	return result, nil
}

// overlayEnv returns base with overlay applied. Later keys win.
func overlayEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	maps.Copy(merged, overlay)
	out := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		out = append(out, k+"="+merged[k])
	}
	return out
}
