package maven

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const releasesMetadata = `<?xml version="1.0" encoding="UTF-8"?>
<metadata>
  <groupId>com.acme</groupId>
  <artifactId>lib</artifactId>
  <versioning>
    <latest>1.0.0</latest>
    <release>1.0.0</release>
    <versions>
      <version>1.0.0</version>
    </versions>
    <lastUpdated>20240101000000</lastUpdated>
  </versioning>
</metadata>
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(releasesMetadata))
	require.NoError(t, err)
	require.Equal(t, "com.acme", m.GroupID)
	require.Equal(t, "lib", m.ArtifactID)
	require.Equal(t, "1.0.0", m.Versioning.Latest)
	require.Equal(t, "1.0.0", m.Versioning.Release)
	require.Equal(t, []string{"1.0.0"}, m.Versioning.Versions.Version)

	ts, ok := m.LastUpdatedTime()
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ts)
}

func TestParse_Latin1(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<metadata><groupId>caf\xe9</groupId><artifactId>lib</artifactId></metadata>"
	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "café", m.GroupID)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(strings.NewReader("<metadata><groupId>"))
	require.Error(t, err)

	_, err = Parse(strings.NewReader("<project/>"))
	require.Error(t, err)
}

func TestLastUpdatedTime_Invalid(t *testing.T) {
	for _, v := range []string{"", "2024", "2024-01-01T00:00:00Z", "20241301000000"} {
		m := &Metadata{Versioning: Versioning{LastUpdated: v}}
		_, ok := m.LastUpdatedTime()
		require.False(t, ok, v)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	m := &Metadata{
		GroupID:    "com.acme",
		ArtifactID: "lib",
		Versioning: Versioning{
			Latest:      "1.1.0",
			Release:     "1.1.0",
			Versions:    Versions{Version: []string{"1.0.0", "1.1.0"}},
			LastUpdated: "20240315120000",
		},
	}

	data, err := m.Marshal()
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte(`<?xml version="1.0" encoding="UTF-8"?>`+"\n<metadata>\n  <groupId>com.acme</groupId>")))
	require.True(t, bytes.HasSuffix(data, []byte("</metadata>\n")))

	parsed, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, m.GroupID, parsed.GroupID)
	require.Equal(t, m.Versioning, parsed.Versioning)

	// Serialization is deterministic
	again, err := parsed.Marshal()
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestDocumentContent(t *testing.T) {
	m, err := Parse(strings.NewReader(releasesMetadata))
	require.NoError(t, err)

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc, err := NewDocument(m, created)
	require.NoError(t, err)
	require.Equal(t, created, doc.CreatedAt)

	body, err := doc.Content("")
	require.NoError(t, err)

	sum := sha1.Sum(body)
	sidecar, err := doc.Content(ChecksumSHA1)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(sum[:]), string(sidecar))

	for _, kind := range ChecksumKinds {
		got, err := doc.Content(kind)
		require.NoError(t, err)
		require.Equal(t, ComputeChecksum(body, kind), string(got))
	}

	_, err = doc.Content("asc")
	require.Error(t, err)
}

func TestComputeChecksum(t *testing.T) {
	data := []byte("hello")
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", ComputeChecksum(data, ChecksumMD5))
	require.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", ComputeChecksum(data, ChecksumSHA1))
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ComputeChecksum(data, ChecksumSHA256))
	require.Len(t, ComputeChecksum(data, ChecksumSHA512), 128)
	require.Empty(t, ComputeChecksum(data, "crc32"))
}
