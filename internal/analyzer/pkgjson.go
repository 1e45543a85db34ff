package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

const (
	ManifestFile  = "package.json"
	LatestVersion = "latest"
)

type PackageJSON struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Private          bool              `json:"private"`
	Main             string            `json:"main"`
	Module           string            `json:"module"`
	Exports          json.RawMessage   `json:"exports"`
	Dependencies     map[string]string `json:"dependencies"`
	DevDependencies  map[string]string `json:"devDependencies"`
	PeerDependencies map[string]string `json:"peerDependencies"`
}

func ReadPackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pj PackageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pj, nil
}

// DeclaredVersion looks name up in dependencies, then devDependencies, then
// peerDependencies. A nil manifest or missing entry yields LatestVersion.
func (p *PackageJSON) DeclaredVersion(name string) string {
	if p == nil {
		return LatestVersion
	}
	for _, deps := range []map[string]string{p.Dependencies, p.DevDependencies, p.PeerDependencies} {
		if v, ok := deps[name]; ok && v != "" {
			return v
		}
	}
	return LatestVersion
}

// RuntimeDependencies returns dependencies plus peerDependencies.
func (p *PackageJSON) RuntimeDependencies() map[string]string {
	out := make(map[string]string)
	for name := range p.PeerDependencies {
		out[name] = p.DeclaredVersion(name)
	}
	for name, v := range p.Dependencies {
		out[name] = v
	}
	return out
}

// MainEntry is the package-relative file loaded for a bare import
// when no export map applies.
func (p *PackageJSON) MainEntry() string {
	switch {
	case p.Main != "":
		return p.Main
	case p.Module != "":
		return p.Module
	}
	return "index"
}

// Condition names tried when an export map entry is conditional.
var exportConditions = []string{"import", "module", "node", "require", "default"}

// ExportTarget maps a subpath ("" for the package root, "/dates" for
// "pkg/dates") through the export map. ok is false when the package has no
// export map or the map does not expose the subpath.
func (p *PackageJSON) ExportTarget(subpath string) (string, bool) {
	if len(p.Exports) == 0 {
		return "", false
	}
	key := "." + subpath

	var exports any
	if err := json.Unmarshal(p.Exports, &exports); err != nil {
		return "", false
	}
	obj, isObj := exports.(map[string]any)
	if !isObj || !hasSubpathKeys(obj) {
		if key != "." {
			return "", false
		}
		return resolveCondition(exports)
	}
	if v, ok := obj[key]; ok {
		return resolveCondition(v)
	}
	// Longest matching "./prefix/*" pattern wins.
	patterns := make([]string, 0, len(obj))
	for k := range obj {
		if strings.Count(k, "*") == 1 {
			patterns = append(patterns, k)
		}
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })
	for _, pattern := range patterns {
		prefix, suffix, _ := strings.Cut(pattern, "*")
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) || len(key) < len(prefix)+len(suffix) {
			continue
		}
		match := key[len(prefix) : len(key)-len(suffix)]
		target, ok := resolveCondition(obj[pattern])
		if !ok {
			continue
		}
		return strings.ReplaceAll(target, "*", match), true
	}
	return "", false
}

func hasSubpathKeys(obj map[string]any) bool {
	for k := range obj {
		if strings.HasPrefix(k, ".") {
			return true
		}
	}
	return false
}

func resolveCondition(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		for _, item := range t {
			if s, ok := resolveCondition(item); ok {
				return s, true
			}
		}
	case map[string]any:
		for _, cond := range exportConditions {
			if next, ok := t[cond]; ok {
				if s, ok := resolveCondition(next); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

// FindPackageRoot walks up from fromDir looking for node_modules/<name>.
func FindPackageRoot(fromDir, name string) (string, bool) {
	dir := fromDir
	for {
		candidate := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
		if fsutil.IsFile(filepath.Join(candidate, ManifestFile)) {
			if real, err := filepath.EvalSymlinks(candidate); err == nil {
				return real, true
			}
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// NearestManifest returns the closest package.json at or above fromDir.
func NearestManifest(fromDir string) (string, *PackageJSON, error) {
	dir := fromDir
	for {
		path := filepath.Join(dir, ManifestFile)
		if fsutil.IsFile(path) {
			pj, err := ReadPackageJSON(path)
			return path, pj, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, nil
		}
		dir = parent
	}
}
