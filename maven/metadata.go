// Package maven models maven-metadata.xml documents and merges the copies
// held by several repositories into one synthesized document.
package maven

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/html/charset"
)

// LastUpdatedLayout is the compact UTC timestamp form used by lastUpdated.
const LastUpdatedLayout = "20060102150405"

// Metadata represents the content of a maven-metadata.xml file.
type Metadata struct {
	XMLName    xml.Name   `xml:"metadata"`
	GroupID    string     `xml:"groupId,omitempty"`
	ArtifactID string     `xml:"artifactId,omitempty"`
	Version    string     `xml:"version,omitempty"`
	Versioning Versioning `xml:"versioning"`
}

// Versioning contains version information within maven-metadata.xml.
type Versioning struct {
	Latest      string   `xml:"latest,omitempty"`
	Release     string   `xml:"release,omitempty"`
	Versions    Versions `xml:"versions"`
	LastUpdated string   `xml:"lastUpdated,omitempty"`
}

// Versions is a wrapper for the list of versions in maven-metadata.xml.
type Versions struct {
	Version []string `xml:"version"`
}

// Parse decodes a maven-metadata.xml document. Documents declaring a
// non-UTF-8 encoding (ISO-8859-1 is common in older repositories) are
// transcoded.
func Parse(r io.Reader) (*Metadata, error) {
	var m Metadata
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding maven metadata: %w", err)
	}
	return &m, nil
}

// Marshal serializes m in its canonical form: an XML declaration followed
// by the document indented with two spaces and a trailing newline.
func (m *Metadata) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding maven metadata: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// LastUpdatedTime parses the lastUpdated timestamp. ok is false when it is
// missing or malformed.
func (m *Metadata) LastUpdatedTime() (t time.Time, ok bool) {
	if m.Versioning.LastUpdated == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(LastUpdatedLayout, m.Versioning.LastUpdated, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Document is a serialized metadata document with its checksums.
type Document struct {
	Metadata  *Metadata
	Bytes     []byte
	Checksums Checksums

	// CreatedAt is the newest creation time of the member documents it was
	// built from.
	CreatedAt time.Time
}

// NewDocument serializes m and computes the checksums of those bytes.
func NewDocument(m *Metadata, createdAt time.Time) (*Document, error) {
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return &Document{
		Metadata:  m,
		Bytes:     data,
		Checksums: ComputeChecksums(data),
		CreatedAt: createdAt,
	}, nil
}

// Content returns the bytes served for the document itself (kind "") or
// for one of its checksum sidecars.
func (d *Document) Content(kind string) ([]byte, error) {
	if kind == "" {
		return d.Bytes, nil
	}
	sum := d.Checksums.Get(kind)
	if sum == "" {
		return nil, fmt.Errorf("unknown checksum kind %q", kind)
	}
	return []byte(sum), nil
}
