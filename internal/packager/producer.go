package packager

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

// Producer writes one artifact derived from a finished packaging run.
type Producer interface {
	Produce(ctx context.Context, out *Output, outDir string) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, out *Output, outDir string) error

func (f ProducerFunc) Produce(ctx context.Context, out *Output, outDir string) error {
	return f(ctx, out, outDir)
}

// DefaultProducers returns the artifacts written by a normal run.
func DefaultProducers() []Producer {
	return []Producer{ManifestProducer{}, BundleIndexProducer{}}
}

// ManifestProducer merges the run's external packages into the
// "dependencies" of <outDir>/package.json, creating it if needed. Other
// fields of an existing manifest are preserved.
type ManifestProducer struct {
	// Name is used when the manifest does not exist yet.
	Name string
}

func (p ManifestProducer) Produce(_ context.Context, out *Output, outDir string) error {
	path := filepath.Join(outDir, analyzer.ManifestFile)
	manifest := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		manifest["name"] = cmp.Or(p.Name, "handlers")
		manifest["private"] = true
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	deps := make(map[string]string)
	if existing, ok := manifest["dependencies"].(map[string]any); ok {
		for name, v := range existing {
			if s, ok := v.(string); ok {
				deps[name] = s
			}
		}
	}
	MergeManifest(deps, out.Manifest)
	manifest["dependencies"] = deps

	return writeJSON(path, manifest)
}

// BundleIndexEntry describes one route in bundles.json.
type BundleIndexEntry struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Method      string   `json:"method"`
	Entry       string   `json:"entry"`
	Version     string   `json:"version,omitempty"`
	Digest      string   `json:"digest"`
	SharedFiles []string `json:"sharedFiles"`
	Environment []string `json:"environment,omitempty"`
	Memory      int      `json:"memory,omitempty"`
	Timeout     int      `json:"timeout,omitempty"`
}

type BundleIndex struct {
	Routes       []BundleIndexEntry `json:"routes"`
	Dependencies map[string]string  `json:"dependencies"`
}

// BundleIndexFile is written next to the wrapped directory.
const BundleIndexFile = "bundles.json"

// BundleIndexProducer writes <outDir>/bundles.json with entry paths
// relative to outDir, for the infrastructure generator to consume.
type BundleIndexProducer struct{}

func (BundleIndexProducer) Produce(_ context.Context, out *Output, outDir string) error {
	index := BundleIndex{
		Routes:       make([]BundleIndexEntry, 0, len(out.Bundles)),
		Dependencies: out.Manifest,
	}
	for _, b := range out.Bundles {
		entry, err := filepath.Rel(outDir, b.Result.EntryFile)
		if err != nil {
			return fmt.Errorf("bundle index: %w", err)
		}
		index.Routes = append(index.Routes, BundleIndexEntry{
			Name:        b.Name,
			Path:        b.Route.Path,
			Method:      b.Route.Method,
			Entry:       filepath.ToSlash(entry),
			Version:     b.Version,
			Digest:      b.Result.Digest,
			SharedFiles: b.Result.SharedFiles,
			Environment: slices.Sorted(maps.Keys(b.Route.Environment)),
			Memory:      b.Route.Memory,
			Timeout:     b.Route.Timeout,
		})
	}
	return writeJSON(filepath.Join(outDir, BundleIndexFile), index)
}

// ReadBundleIndex loads a bundles.json written by BundleIndexProducer.
func ReadBundleIndex(outDir string) (*BundleIndex, error) {
	data, err := os.ReadFile(filepath.Join(outDir, BundleIndexFile))
	if err != nil {
		return nil, err
	}
	var index BundleIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse %s: %w", BundleIndexFile, err)
	}
	return &index, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFile(path, append(data, '\n'))
}
