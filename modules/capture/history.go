package capture

import (
	"errors"
	"log/slog"
	"os"
	"sync"
)

// History keeps the most recent completed segments, newest first. Segments
// falling off the end are deleted from disk.
type History struct {
	mu     sync.RWMutex
	max    int
	items  []Segment
	logger *slog.Logger
}

func NewHistory(max int, logger *slog.Logger) *History {
	if max <= 0 {
		max = defaultHistorySize
	}
	return &History{max: max, logger: logger}
}

// Add records s as the newest segment. A segment with the same title is
// replaced, its file has already been overwritten by s. It returns the
// segments evicted to make room.
func (h *History) Add(s Segment) []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := make([]Segment, 0, len(h.items)+1)
	items = append(items, s)
	for _, existing := range h.items {
		if existing.Title != s.Title {
			items = append(items, existing)
		}
	}
	h.items = items

	var evicted []Segment
	for len(h.items) > h.max {
		last := h.items[len(h.items)-1]
		h.items = h.items[:len(h.items)-1]
		evicted = append(evicted, last)
	}

	for _, e := range evicted {
		if h.pathInUse(e.Path) {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Error("error removing evicted segment", "err", err, "path", e.Path)
		}
	}

	return evicted
}

func (h *History) pathInUse(path string) bool {
	for _, s := range h.items {
		if s.Path == path {
			return true
		}
	}
	return false
}

// Prune forgets the segments whose file is gone and returns them.
func (h *History) Prune() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()

	var kept, gone []Segment
	for _, s := range h.items {
		if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
			gone = append(gone, s)
			continue
		}
		kept = append(kept, s)
	}
	h.items = kept

	return gone
}

// List returns the kept segments, newest first.
func (h *History) List() []Segment {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Segment, len(h.items))
	copy(out, h.items)
	return out
}

func (h *History) Get(id string) (Segment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.items {
		if s.ID == id {
			return s, true
		}
	}
	return Segment{}, false
}

// Clear forgets every segment and deletes their files.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, s := range h.items {
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	h.items = nil

	return errors.Join(errs...)
}
