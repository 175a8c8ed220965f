package maven

import (
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// CompareVersions orders two version strings by semantic-version
// precedence. Versions that are not valid semantic versions sort before
// valid ones; ties (including between two invalid versions) fall back to
// byte order so the result is total and deterministic.
func CompareVersions(a, b string) int {
	if c := semver.Compare(canonical(a), canonical(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// SortVersions sorts versions in place by CompareVersions.
func SortVersions(versions []string) {
	slices.SortFunc(versions, CompareVersions)
}

// MaxVersion returns the greatest of versions, or "" if there are none.
func MaxVersion(versions ...string) string {
	best := ""
	for _, v := range versions {
		if v == "" {
			continue
		}
		if best == "" || CompareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// canonical converts a Maven version to the form x/mod/semver parses. Missing
// minor and patch numbers are filled in before any qualifier, so 1.0-SNAPSHOT
// becomes v1.0.0-SNAPSHOT.
func canonical(v string) string {
	v = strings.TrimPrefix(v, "v")
	core, suffix := v, ""
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core, suffix = v[:i], v[i:]
	}
	if core != "" {
		for n := strings.Count(core, "."); n < 2; n++ {
			core += ".0"
		}
	}
	return "v" + core + suffix
}
