package shoutcast

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// playlists are small; anything bigger is not a playlist
const maxPlaylistSize = 1 << 20

// parsePLS parses a PLS playlist file and returns the first stream URL
func parsePLS(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "File") && strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if url := strings.TrimSpace(parts[1]); url != "" {
				return url, nil
			}
		}
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U parses an M3U playlist file and returns the first stream URL
func parseM3U(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

func isPlaylistType(contentType string) bool {
	for _, t := range []string{"audio/x-scpls", "application/pls+xml", "audio/mpegurl", "audio/x-mpegurl", "application/vnd.apple.mpegurl"} {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

// ResolvePlaylistURL checks if the URL is a playlist file and resolves it to
// a stream URL. Stream URLs are returned unchanged.
func ResolvePlaylistURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{DialContext: dialer.DialContext, ResponseHeaderTimeout: 10 * time.Second}
	client := &http.Client{Transport: transport}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")

	// Already a stream: the body never ends, so don't read it.
	if resp.Header.Get("icy-metaint") != "" {
		return url, nil
	}
	if (strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "application/ogg")) && !isPlaylistType(contentType) {
		return url, nil
	}

	bodyData, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	content := string(bodyData)
	trimmed := strings.TrimSpace(content)

	isPLS := strings.Contains(contentType, "audio/x-scpls") ||
		strings.Contains(contentType, "application/pls+xml") ||
		strings.HasSuffix(url, ".pls") ||
		strings.Contains(content, "[playlist]") ||
		strings.Contains(content, "File1=")

	isM3U := strings.Contains(contentType, "mpegurl") ||
		strings.HasSuffix(url, ".m3u") ||
		strings.HasSuffix(url, ".m3u8") ||
		strings.Contains(content, "#EXTM3U") ||
		strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")

	switch {
	case isPLS:
		streamURL, err := parsePLS(strings.NewReader(content))
		if err != nil {
			return "", fmt.Errorf("failed to parse PLS playlist: %w", err)
		}
		return streamURL, nil
	case isM3U:
		streamURL, err := parseM3U(strings.NewReader(content))
		if err != nil {
			return "", fmt.Errorf("failed to parse M3U playlist: %w", err)
		}
		return streamURL, nil
	}

	return "", fmt.Errorf("URL does not appear to be a stream or playlist (Content-Type: %s)", contentType)
}
