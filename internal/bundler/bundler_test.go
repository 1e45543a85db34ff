package bundler

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func fixture(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json": `{"dependencies": {"@acme/utils": "1.0.0", "zod": "^3.22.0"}}`,

		"src/lib/util.ts":   `export const util = () => 1;`,
		"src/other/util.ts": `export const other = 2;`,
		"src/handlers/a.ts": `import { util } from "../lib/util";
import { A } from '@acme/utils';
import { z } from "zod";
export const main = async () => ({ statusCode: 200, body: String([util(), A(), z]) });
`,
		"src/handlers/b.ts": `import { util } from "../lib/util.js";
import { other } from "../other/util";
export const main = async () => ({ statusCode: 200, body: String(util() + other) });
`,

		"node_modules/@acme/utils/package.json": `{"name": "@acme/utils", "private": true, "main": "src/index.ts", "exports": {".": "./src/index.ts"}}`,
		"node_modules/@acme/utils/src/index.ts":  `export * from "./a"; export * from "./b";`,
		"node_modules/@acme/utils/src/a.ts":      `import { helper } from "./helper"; export const A = () => helper();`,
		"node_modules/@acme/utils/src/helper.ts": `export const helper = () => "a";`,
		"node_modules/@acme/utils/src/b.ts":      `export const B = 2;`,

		"node_modules/zod/package.json": `{"name": "zod"}`,
	})
	return root
}

func bundleRoutes(t *testing.T, root, out string) map[string]*Result {
	t.Helper()
	b := New(Options{})
	reg := NewRegistry()
	shared := filepath.Join(out, "shared")
	results := make(map[string]*Result)
	for _, name := range []string{"a", "b"} {
		res, err := b.Bundle(context.Background(),
			filepath.Join(root, "src", "handlers", name+".ts"),
			filepath.Join(out, name), shared, reg)
		require.NoError(t, err)
		results[name] = res
	}
	return results
}

func TestBundleSharesLocalFiles(t *testing.T) {
	root := fixture(t)
	out := filepath.Join(t.TempDir(), "wrapped")
	results := bundleRoutes(t, root, out)
	tree := readTree(t, out)

	assert.Equal(t, `export const util = () => 1;`, tree["shared/util.ts"])
	assert.Equal(t, `export const other = 2;`, tree["shared/util_1.ts"], "distinct source with the same name gets a suffix")

	a := tree["a/handler.ts"]
	b := tree["b/handler.ts"]
	assert.Contains(t, a, `from "../shared/util";`)
	assert.Contains(t, b, `from "../shared/util.js";`, "written extension convention is kept")
	assert.Contains(t, b, `from "../shared/util_1";`)

	assert.Equal(t, filepath.Join(out, "a", "handler.ts"), results["a"].EntryFile)
	assert.Equal(t, map[string]string{"zod": "^3.22.0"}, results["a"].ExternalPublicDeps)
	assert.Empty(t, results["b"].ExternalPublicDeps)
	assert.Contains(t, results["b"].SharedFiles, "util.ts")
	assert.Contains(t, results["b"].SharedFiles, "util_1.ts")
}

func TestBundleSelectsPrivatePackageFiles(t *testing.T) {
	root := fixture(t)
	out := filepath.Join(t.TempDir(), "wrapped")
	bundleRoutes(t, root, out)
	tree := readTree(t, out)

	assert.Contains(t, tree, "shared/@acme/utils/a.ts")
	assert.Contains(t, tree, "shared/@acme/utils/helper.ts")
	assert.Contains(t, tree, "shared/@acme/utils/package.json")
	assert.NotContains(t, tree, "shared/@acme/utils/b.ts")
	assert.NotContains(t, tree, "shared/@acme/utils/index.ts")

	assert.Contains(t, tree["a/handler.ts"], `from '../shared/@acme/utils/a';`, "quote style is kept")
	assert.Contains(t, tree["shared/@acme/utils/a.ts"], `from "./helper"`)
	assert.NotContains(t, tree["shared/@acme/utils/package.json"], "exports")
}

func TestBundleIsIdempotent(t *testing.T) {
	root := fixture(t)
	out := t.TempDir()

	first := bundleRoutes(t, root, filepath.Join(out, "one"))
	second := bundleRoutes(t, root, filepath.Join(out, "two"))
	assert.Equal(t, readTree(t, filepath.Join(out, "one")), readTree(t, filepath.Join(out, "two")))
	assert.Equal(t, first["a"].Digest, second["a"].Digest)

	// Re-running into the same directory leaves identical bytes behind.
	before := readTree(t, filepath.Join(out, "one"))
	bundleRoutes(t, root, filepath.Join(out, "one"))
	assert.Equal(t, before, readTree(t, filepath.Join(out, "one")))
}

func TestBundleWholePackageWhenNotSelective(t *testing.T) {
	root := fixture(t)
	writeTree(t, root, map[string]string{
		"src/handlers/c.ts": `import * as utils from "@acme/utils"; export const main = () => utils;`,
		"node_modules/@acme/utils/node_modules/inner/index.js": ``,
	})
	// Break the entry so selective analysis cannot run.
	writeTree(t, root, map[string]string{
		"node_modules/@acme/utils/package.json": `{"name": "@acme/utils", "private": true, "main": "missing.js"}`,
	})
	out := t.TempDir()
	_, err := New(Options{}).Bundle(context.Background(),
		filepath.Join(root, "src", "handlers", "c.ts"), filepath.Join(out, "c"), filepath.Join(out, "shared"), NewRegistry())
	require.NoError(t, err)

	tree := readTree(t, out)
	assert.Contains(t, tree, "shared/@acme/utils/src/index.ts")
	assert.Contains(t, tree, "shared/@acme/utils/src/b.ts")
	assert.NotContains(t, tree, "shared/@acme/utils/node_modules/inner/index.js")
	assert.Contains(t, tree["c/handler.ts"], `from "../shared/@acme/utils";`)
}

func TestBundleKeepsPackageMainAcrossRoutes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":      `{"dependencies": {"priv": "1.0.0"}}`,
		"src/handlers/a.ts": `import { A, B } from "priv"; export const main = () => A + B;`,
		"src/handlers/b.ts": `import { A } from "priv"; export const main = () => A;`,

		"node_modules/priv/package.json": `{"name": "priv", "private": true, "main": "dist/main.js"}`,
		"node_modules/priv/dist/main.js": `export * from "./a.js"; export * from "./b.js";`,
		"node_modules/priv/dist/a.js":    `export const A = 1;`,
		"node_modules/priv/dist/b.js":    `export const B = 2;`,
	})
	out := filepath.Join(t.TempDir(), "wrapped")
	bundleRoutes(t, root, out)
	tree := readTree(t, out)

	assert.Contains(t, tree["a/handler.ts"], `from "../shared/priv"`)
	assert.Contains(t, tree["b/handler.ts"], `from "../shared/priv/a"`)
	assert.Contains(t, tree, "shared/priv/main.js")

	var manifest map[string]any
	require.NoError(t, json.Unmarshal([]byte(tree["shared/priv/package.json"]), &manifest))
	assert.Equal(t, "./main.js", manifest["main"], "a later route shipping only a.js keeps main")
}

func TestBundleCopiesTypeOnlyImports(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/types.ts": `export interface User { id: string }`})
	writeTree(t, root, map[string]string{"src/h/h.ts": `import type { User } from "../types";
export const main = async (u: User) => ({ statusCode: 200, body: u.id });
`})
	out := filepath.Join(t.TempDir(), "wrapped")
	res, err := New(Options{}).Bundle(context.Background(),
		filepath.Join(root, "src", "h", "h.ts"),
		filepath.Join(out, "h"), filepath.Join(out, "shared"), NewRegistry())
	require.NoError(t, err)
	tree := readTree(t, out)

	assert.Equal(t, `export interface User { id: string }`, tree["shared/types.ts"])
	assert.Contains(t, tree["h/handler.ts"], `import type { User } from "../shared/types";`)
	assert.Contains(t, res.SharedFiles, "types.ts")
}

func TestBundleMissingHandler(t *testing.T) {
	_, err := New(Options{}).Bundle(context.Background(), filepath.Join(t.TempDir(), "x.ts"), t.TempDir(), t.TempDir(), NewRegistry())
	assert.Error(t, err)
}

func TestRegistryAssign(t *testing.T) {
	reg := NewRegistry()

	name, reused := reg.Assign("/p/lib/util.ts")
	assert.Equal(t, "util.ts", name)
	assert.False(t, reused)

	name, reused = reg.Assign("/p/lib/util.ts")
	assert.Equal(t, "util.ts", name)
	assert.True(t, reused)

	name, _ = reg.Assign("/p/other/util.ts")
	assert.Equal(t, "util_1.ts", name)
	name, _ = reg.Assign("/p/third/util.ts")
	assert.Equal(t, "util_2.ts", name)
	assert.Equal(t, 3, reg.Len())
}

func TestRegistryAssignInPackage(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, "index.ts", reg.AssignInPackage("pkg", "/n/pkg/src/x/index.ts"))
	assert.Equal(t, "y_index.ts", reg.AssignInPackage("pkg", "/n/pkg/src/y/index.ts"))
	assert.Equal(t, "y_index_1.ts", reg.AssignInPackage("pkg", "/n/pkg/lib/y/index.ts"))
	assert.Equal(t, "index.ts", reg.AssignInPackage("pkg", "/n/pkg/src/x/index.ts"))
	assert.Equal(t, "index.ts", reg.AssignInPackage("other", "/n/other/index.ts"), "packages have separate namespaces")

	assert.True(t, reg.MarkWholePackage("pkg"))
	assert.False(t, reg.MarkWholePackage("pkg"))
}

func TestWithSuffix(t *testing.T) {
	assert.Equal(t, "util_1.ts", withSuffix("util.ts", "_1"))
	assert.Equal(t, "types_1.d.ts", withSuffix("types.d.ts", "_1"))
	assert.Equal(t, "Makefile_1", withSuffix("Makefile", "_1"))
}

func TestRewriteSpecifiers(t *testing.T) {
	src := `import a from "./a";
import {
  b,
  c,
} from './b';
import "./side";
export * from "./star";
const d = require("./d");
const e = await import( "./e" );
const keep = "./a";
import z from "zod";
`
	got := string(rewriteSpecifiers([]byte(src), map[string]string{
		"./a":    "../shared/a",
		"./b":    "../shared/b",
		"./side": "../shared/side",
		"./star": "../shared/star",
		"./d":    "../shared/d",
		"./e":    "../shared/e",
	}))
	assert.Equal(t, `import a from "../shared/a";
import {
  b,
  c,
} from '../shared/b';
import "../shared/side";
export * from "../shared/star";
const d = require("../shared/d");
const e = await import( "../shared/e" );
const keep = "./a";
import z from "zod";
`, got)
}

func TestRelativeSpecifier(t *testing.T) {
	assert.Equal(t, "../shared/util", relativeSpecifier("/o/a", "/o/shared/util.ts", "../lib/util"))
	assert.Equal(t, "../shared/util.js", relativeSpecifier("/o/a", "/o/shared/util.ts", "../lib/util.js"))
	assert.Equal(t, "./helper", relativeSpecifier("/o/shared/pkg", "/o/shared/pkg/helper.ts", "./helper"))
	assert.Equal(t, "../shared/data.json", relativeSpecifier("/o/a", "/o/shared/data.json", "./data.json"))
	assert.Equal(t, "../shared/@acme/utils", dirSpecifier("/o/a", "/o/shared/@acme/utils"))
}
