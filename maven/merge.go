package maven

import (
	"time"
)

// Source is one member repository's copy of a metadata document.
type Source struct {
	Repository string
	Metadata   *Metadata

	// CreatedAt is the creation time of the member's document entry.
	CreatedAt time.Time
}

// Merge combines member documents, given in member order, into one.
//
//   - groupId, artifactId and version come from the first member that sets them.
//   - latest comes from the member with the newest CreatedAt; on a tie the
//     later member wins, and a member with no latest leaves it unchanged.
//   - release is the greatest release by semantic-version order.
//   - lastUpdated is the newest valid timestamp.
//   - versions is the deduplicated union in semantic-version order.
//
// The returned time is the newest member CreatedAt.
func Merge(sources []Source) (*Metadata, time.Time) {
	merged := &Metadata{}
	var (
		newest      time.Time
		haveNewest  bool
		lastUpdated time.Time
		seen        = make(map[string]struct{})
		versions    []string
	)

	for _, src := range sources {
		m := src.Metadata
		if m == nil {
			continue
		}
		if merged.GroupID == "" {
			merged.GroupID = m.GroupID
		}
		if merged.ArtifactID == "" {
			merged.ArtifactID = m.ArtifactID
		}
		if merged.Version == "" {
			merged.Version = m.Version
		}

		if !haveNewest || !src.CreatedAt.Before(newest) {
			haveNewest = true
			newest = src.CreatedAt
			if m.Versioning.Latest != "" {
				merged.Versioning.Latest = m.Versioning.Latest
			}
		}

		merged.Versioning.Release = MaxVersion(merged.Versioning.Release, m.Versioning.Release)

		if t, ok := m.LastUpdatedTime(); ok && t.After(lastUpdated) {
			lastUpdated = t
		}

		for _, v := range m.Versioning.Versions.Version {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			versions = append(versions, v)
		}
	}

	if !lastUpdated.IsZero() {
		merged.Versioning.LastUpdated = lastUpdated.UTC().Format(LastUpdatedLayout)
	}
	SortVersions(versions)
	merged.Versioning.Versions.Version = versions

	return merged, newest
}

// Synthesize merges sources and serializes the result.
func Synthesize(sources []Source) (*Document, error) {
	merged, createdAt := Merge(sources)
	return NewDocument(merged, createdAt)
}
