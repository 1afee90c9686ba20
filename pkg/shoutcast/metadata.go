package shoutcast

import (
	"bytes"
	"strings"
)

// Metadata represents the stream metadata sent by the server
type Metadata struct {
	// Name of the song
	StreamTitle string

	// Optional URL of the song or station page
	StreamURL string
}

// NewMetadata parses a raw ICY metadata block such as
// "StreamTitle='Artist - Song';StreamUrl='';" padded with NUL bytes.
func NewMetadata(b []byte) *Metadata {
	raw := string(bytes.TrimRight(b, "\x00"))

	return &Metadata{
		StreamTitle: field(raw, "StreamTitle"),
		StreamURL:   field(raw, "StreamUrl"),
	}
}

// Equals compares two Metadata structures for equality
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.StreamTitle == other.StreamTitle && m.StreamURL == other.StreamURL
}

// field extracts the value of key='value'; from raw. Titles may contain
// single quotes, so the value ends at the first "';" or the last quote.
func field(raw, key string) string {
	prefix := key + "='"
	start := strings.Index(raw, prefix)
	if start < 0 {
		return ""
	}
	rest := raw[start+len(prefix):]

	if end := strings.Index(rest, "';"); end >= 0 {
		return rest[:end]
	}
	if end := strings.LastIndex(rest, "'"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func firstField(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
