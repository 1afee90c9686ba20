package shoutcast

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const userAgent = "iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5"

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Stream represents an open shoutcast stream.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// Content-Type of the audio payload, eg: audio/mpeg
	ContentType string

	// Optional function to be executed when stream metadata changes
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block, 0 when the
	// server does not interleave metadata
	metaint int

	// Stream metadata
	metadata *Metadata

	// The number of bytes read since last metadata block
	pos int

	// The underlying data stream
	rc io.ReadCloser
}

// Open establishes a connection to a remote server.
// It automatically handles playlist files (.pls, .m3u) and resolves them to stream URLs.
func Open(ctx context.Context, url string) (*Stream, error) {
	resolvedURL, err := ResolvePlaylistURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolvedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)
	req.Header.Add("icy-metadata", "1")

	// Timeout for establishing the connection.
	// We don't want for the stream to timeout while we're reading it, but
	// we do want a timeout for establishing the connection to the server.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var bitrate int
	if rawBitrate := resp.Header.Get("icy-br"); rawBitrate != "" {
		// some servers send "128,128"
		bitrate, _ = strconv.Atoi(firstField(rawBitrate))
	}

	var metaint int
	if rawMetaint := resp.Header.Get("icy-metaint"); rawMetaint != "" {
		metaint, err = strconv.Atoi(rawMetaint)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("cannot parse metaint: %w", err)
		}
	}

	s := &Stream{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		Bitrate:     bitrate,
		ContentType: resp.Header.Get("Content-Type"),
		metaint:     metaint,
		rc:          resp.Body,
	}

	return s, nil
}

// Read implements io.Reader, returning only audio bytes. Metadata blocks are
// stripped and reported through MetadataCallbackFunc.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.metaint <= 0 {
		return s.rc.Read(buf)
	}

	if s.pos == s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
		s.pos = 0
	}

	// Never read past the next metadata block.
	if remaining := s.metaint - s.pos; len(buf) > remaining {
		buf = buf[:remaining]
	}

	n, err := s.rc.Read(buf)
	s.pos += n
	return n, err
}

// readMetadata consumes one metadata block: a length byte (in 16 byte units)
// followed by the block itself.
func (s *Stream) readMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return err
	}

	metaLen := int(lenByte[0]) * 16
	if metaLen == 0 {
		return nil
	}

	block := make([]byte, metaLen)
	if _, err := io.ReadFull(s.rc, block); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if m := NewMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		if s.MetadataCallbackFunc != nil {
			s.MetadataCallbackFunc(m)
		}
	}
	return nil
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.rc.Close()
}
