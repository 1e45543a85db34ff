package packager

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// InternalPrefix marks routes that are bundled without versioning.
	InternalPrefix = "__internal__"
	stagingPrefix  = ".staging-"
)

// VersionTag formats a dev bundle version: "<epoch-ms>.<random-id>".
func VersionTag(ms int64) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(ms, 10) + "." + id
}

// ParseVersion returns the timestamp prefix of a version directory name.
func ParseVersion(name string) (int64, bool) {
	prefix, _, ok := strings.Cut(name, ".")
	if !ok || prefix == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}

// LatestVersion lists versionRoot and returns the version directory with
// the greatest numeric prefix. Ties go to the lexically greater name.
func LatestVersion(versionRoot string) (string, bool, error) {
	entries, err := os.ReadDir(versionRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("list versions in %s: %w", versionRoot, err)
	}
	var (
		best   string
		bestMs int64 = -1
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ms, ok := ParseVersion(e.Name())
		if !ok {
			continue
		}
		if ms > bestMs || (ms == bestMs && e.Name() > best) {
			best, bestMs = e.Name(), ms
		}
	}
	return best, best != "", nil
}

// IsInternal reports whether a route name is served unversioned.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}
