package player

// MetadataWatcher tracks the current stream title and reports each distinct
// change once. Titles are compared as-is, case-sensitively.
type MetadataWatcher struct {
	current string
}

// Observe records title and reports whether it differs from the current one.
func (w *MetadataWatcher) Observe(title string) bool {
	if title == w.current {
		return false
	}
	w.current = title
	return true
}

func (w *MetadataWatcher) Current() string {
	return w.current
}

// Reset forgets the current title. Called for every new graph.
func (w *MetadataWatcher) Reset() {
	w.current = ""
}
