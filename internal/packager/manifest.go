package packager

import (
	"maps"
	"slices"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
)

// MergeManifest adds src into dst. The first version seen for a package
// wins, except that a "latest" entry is replaced by a specific version.
func MergeManifest(dst, src map[string]string) {
	for _, name := range slices.Sorted(maps.Keys(src)) {
		v := src[name]
		cur, ok := dst[name]
		if !ok || (cur == analyzer.LatestVersion && v != analyzer.LatestVersion) {
			dst[name] = v
		}
	}
}
