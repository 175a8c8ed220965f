package maven

import "strings"

// MetadataFile is the file name of an artifact's metadata document.
const MetadataFile = "maven-metadata.xml"

// ParseMetadataPath reports whether p names a metadata document or one of
// its checksum sidecars. base is the path of the document itself and kind
// is the checksum extension, or "" for the document.
func ParseMetadataPath(p string) (base, kind string, ok bool) {
	name := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		name = p[i+1:]
	}
	if name == MetadataFile {
		return p, "", true
	}
	for _, k := range ChecksumKinds {
		if name == MetadataFile+"."+k {
			return strings.TrimSuffix(p, "."+k), k, true
		}
	}
	return "", "", false
}

// IsMetadataPath reports whether p names a metadata document or sidecar.
func IsMetadataPath(p string) bool {
	_, _, ok := ParseMetadataPath(p)
	return ok
}
