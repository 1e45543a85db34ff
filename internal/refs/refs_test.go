package refs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPackage(t *testing.T) {
	tests := []struct {
		spec, name, subpath string
	}{
		{"lodash", "lodash", ""},
		{"lodash/fp/map", "lodash", "/fp/map"},
		{"@aws-sdk/client-s3", "@aws-sdk/client-s3", ""},
		{"@acme/utils/dates", "@acme/utils", "/dates"},
		{"@scope", "@scope", ""},
	}
	for _, tt := range tests {
		name, subpath := SplitPackage(tt.spec)
		assert.Equal(t, tt.name, name, tt.spec)
		assert.Equal(t, tt.subpath, subpath, tt.spec)
	}
}

func TestIsBuiltin(t *testing.T) {
	assert.True(t, IsBuiltin("node:fs"))
	assert.True(t, IsBuiltin("fs/promises"))
	assert.True(t, IsBuiltin("crypto"))
	assert.False(t, IsBuiltin("@acme/fs"))
	assert.False(t, IsBuiltin("zod"))
}

func symbolsBySpec(refs []Reference) map[string][]string {
	out := make(map[string][]string)
	for _, r := range refs {
		out[r.Specifier] = r.Symbols
	}
	return out
}

func TestExtractSource(t *testing.T) {
	src := `
import type { APIGatewayProxyEvent } from "aws-lambda";
import { getUser, type User } from "../lib/users";
import db, { query as q } from "@acme/db/client";
import * as z from "zod";
import "./polyfill";
export * from "./shared";
export { format } from "date-fns";

const { v4 } = require("uuid");
const legacy = require("./legacy.js");

export const main = async (event: APIGatewayProxyEvent) => {
  const mod = await import("./lazy");
  const u: User = await getUser(q(db, event.pathParameters?.id));
  return { statusCode: 200, body: JSON.stringify({ u, id: v4(), mod, legacy, z }) };
};
`
	refs, err := ExtractSource("handler.ts", []byte(src))
	require.NoError(t, err)

	got := symbolsBySpec(refs)
	assert.Equal(t, []string{"APIGatewayProxyEvent"}, got["aws-lambda"])
	assert.Equal(t, []string{"getUser"}, got["../lib/users"], "inline type specifiers are erased")
	assert.Equal(t, []string{"default", "query"}, got["@acme/db/client"])
	assert.Equal(t, []string{Wildcard}, got["zod"])
	assert.Equal(t, []string{Wildcard}, got["./polyfill"])
	assert.Equal(t, []string{Wildcard}, got["./shared"])
	assert.Equal(t, []string{"format"}, got["date-fns"])
	assert.Equal(t, []string{"v4"}, got["uuid"])
	assert.Equal(t, []string{Wildcard}, got["./legacy.js"])
	assert.Equal(t, []string{Wildcard}, got["./lazy"])

	for _, r := range refs {
		switch r.Specifier {
		case "@acme/db/client":
			assert.Equal(t, "@acme/db", r.Package)
			assert.Equal(t, "/client", r.Subpath)
			assert.Equal(t, KindImport, r.Kind)
		case "./lazy":
			assert.True(t, r.IsLocal())
			assert.Equal(t, KindDynamic, r.Kind)
		case "uuid":
			assert.Equal(t, KindRequire, r.Kind)
		case "./shared":
			assert.Equal(t, KindReExport, r.Kind)
		case "aws-lambda":
			assert.True(t, r.IsTypeOnly())
		}
	}
}

func TestExtractSourceOrder(t *testing.T) {
	src := `import a from "./a"; import b from "./b"; export * from "./c"; console.log(a, b);`
	refs, err := ExtractSource("x.js", []byte(src))
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "./a", refs[0].Specifier)
	assert.Equal(t, "./b", refs[1].Specifier)
	assert.Equal(t, "./c", refs[2].Specifier)
}

func TestExtractSourceTypeOnly(t *testing.T) {
	src := `import type { User, Role as R } from "../types";
import type Config from './config';
import type * as Models from "./models";
export type {
  Order,
  Line,
} from "./orders";
export type * from "./events";
export type Shape = { from: string };
import { load } from "./load";
export const main = (u: User, c: Config, m: Models.M): R | Shape => load(u, c, m);
`
	refs, err := ExtractSource("handler.ts", []byte(src))
	require.NoError(t, err)

	typed := make(map[string][]string)
	for _, r := range refs {
		if r.IsTypeOnly() {
			typed[r.Specifier] = r.Symbols
			assert.True(t, r.IsLocal())
		}
	}
	assert.Equal(t, map[string][]string{
		"../types": {"Role", "User"},
		"./config": {"default"},
		"./models": {Wildcard},
		"./orders": {"Line", "Order"},
		"./events": {Wildcard},
	}, typed)
	assert.Equal(t, "./load", refs[0].Specifier, "runtime references come first")
	assert.Equal(t, KindImport, refs[0].Kind)

	refs, err = ExtractSource("plain.js", []byte(`import x from "./x"; export default x;`))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, KindImport, refs[0].Kind)
}

func TestExtractParseError(t *testing.T) {
	_, err := ExtractSource("broken.ts", []byte("import { from"))
	assert.ErrorIs(t, err, ErrParse)

	_, err = ExtractSource("style.css", []byte("body{}"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mod.mjs")
	require.NoError(t, os.WriteFile(path, []byte(`import x from "pkg/sub"; export default x;`), 0o644))
	refs, err := Extract(path)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "pkg", refs[0].Package)
	assert.Equal(t, "/sub", refs[0].Subpath)
	assert.Equal(t, []string{"default"}, refs[0].Symbols)
}

func TestExportsSource(t *testing.T) {
	src := `
import { helper } from "./internal";
export const A = 1, B = 2;
export function makeC() {}
export class D {}
export * from "./star";
export { e as E, f } from "./ef";
export { helper as publicHelper };
const g = 3;
export { g };
export default function () {}
`
	info, err := ExportsSource("index.ts", []byte(src))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A", "B", "makeC", "D", "g", "default"}, info.Local)
	assert.Equal(t, []string{"./star"}, info.Stars)
	assert.True(t, info.Defines("A"))
	assert.False(t, info.Defines("E"))

	re, ok := info.ReExportOf("E")
	require.True(t, ok)
	assert.Equal(t, ReExport{Exported: "E", Imported: "e", Specifier: "./ef"}, re)

	re, ok = info.ReExportOf("publicHelper")
	require.True(t, ok)
	assert.Equal(t, ReExport{Exported: "publicHelper", Imported: "helper", Specifier: "./internal"}, re)

	_, ok = info.ReExportOf("missing")
	assert.False(t, ok)
}

func TestParseable(t *testing.T) {
	assert.True(t, Parseable("a.ts"))
	assert.True(t, Parseable("a.cjs"))
	assert.False(t, Parseable("a.d.ts"))
	assert.False(t, Parseable("a.json"))
}
