package maven

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
)

// Checksum file extensions.
const (
	ChecksumMD5    = "md5"
	ChecksumSHA1   = "sha1"
	ChecksumSHA256 = "sha256"
	ChecksumSHA512 = "sha512"
)

// ChecksumKinds lists the sidecar extensions served for metadata documents.
var ChecksumKinds = []string{ChecksumMD5, ChecksumSHA1, ChecksumSHA256, ChecksumSHA512}

// Checksums holds lowercase hex digests of a document.
type Checksums struct {
	MD5    string
	SHA1   string
	SHA256 string
	SHA512 string
}

// Get returns the digest for kind, or "" for an unknown kind.
func (c Checksums) Get(kind string) string {
	switch kind {
	case ChecksumMD5:
		return c.MD5
	case ChecksumSHA1:
		return c.SHA1
	case ChecksumSHA256:
		return c.SHA256
	case ChecksumSHA512:
		return c.SHA512
	}
	return ""
}

// ComputeChecksums digests data with every supported algorithm.
func ComputeChecksums(data []byte) Checksums {
	return Checksums{
		MD5:    ComputeChecksum(data, ChecksumMD5),
		SHA1:   ComputeChecksum(data, ChecksumSHA1),
		SHA256: ComputeChecksum(data, ChecksumSHA256),
		SHA512: ComputeChecksum(data, ChecksumSHA512),
	}
}

// ComputeChecksum returns the hex digest of data for kind, or "" for an
// unknown kind.
func ComputeChecksum(data []byte, kind string) string {
	var h hash.Hash
	switch kind {
	case ChecksumMD5:
		h = md5.New()
	case ChecksumSHA1:
		h = sha1.New()
	case ChecksumSHA256:
		h = sha256.New()
	case ChecksumSHA512:
		h = sha512.New()
	default:
		return ""
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
