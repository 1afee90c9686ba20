package capture

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Extension of every capture file.
const Extension = ".ogg"

const (
	untitled = "untitled"

	// leaves room for the temp file decorations within a 255 byte name
	maxNameBytes = 200
)

// Segment is one finished recording of a single track.
type Segment struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Path     string        `json:"path"`
	Created  time.Time     `json:"created"`
	Duration time.Duration `json:"duration"`
}

// SanitizeTitle turns a stream title into a file name stem. Path hostile
// characters and control characters are removed.
func SanitizeTitle(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '<', '>', '"', '|', '?', '*':
			return -1
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, title)

	name = strings.Join(strings.Fields(name), " ")
	name = strings.Trim(name, " .")

	if len(name) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimRight(name[:cut], " .")
	}

	if name == "" {
		return untitled
	}
	return name
}

// SegmentPath returns where the capture of title is stored.
func (cfg *Config) SegmentPath(title string) string {
	return filepath.Join(cfg.Dir, SanitizeTitle(title)+Extension)
}
