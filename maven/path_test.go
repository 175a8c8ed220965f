package maven

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMetadataPath(t *testing.T) {
	tests := []struct {
		path string
		base string
		kind string
		ok   bool
	}{
		{"com/acme/lib/maven-metadata.xml", "com/acme/lib/maven-metadata.xml", "", true},
		{"com/acme/lib/maven-metadata.xml.sha1", "com/acme/lib/maven-metadata.xml", "sha1", true},
		{"com/acme/lib/maven-metadata.xml.md5", "com/acme/lib/maven-metadata.xml", "md5", true},
		{"com/acme/lib/maven-metadata.xml.sha256", "com/acme/lib/maven-metadata.xml", "sha256", true},
		{"com/acme/lib/maven-metadata.xml.sha512", "com/acme/lib/maven-metadata.xml", "sha512", true},
		{"maven-metadata.xml", "maven-metadata.xml", "", true},
		{"com/acme/lib/maven-metadata.xml.asc", "", "", false},
		{"com/acme/lib/maven-metadata-central.xml", "", "", false},
		{"com/acme/lib/1.0/lib-1.0.jar", "", "", false},
		{"com/acme/lib/1.0/lib-1.0.jar.sha1", "", "", false},
		{"com/acme/maven-metadata.xml/child", "", "", false},
	}
	for _, tt := range tests {
		base, kind, ok := ParseMetadataPath(tt.path)
		require.Equal(t, tt.ok, ok, tt.path)
		require.Equal(t, tt.base, base, tt.path)
		require.Equal(t, tt.kind, kind, tt.path)
		require.Equal(t, tt.ok, IsMetadataPath(tt.path), tt.path)
	}
}
