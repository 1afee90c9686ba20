package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadataWatcher(t *testing.T) {
	var w MetadataWatcher
	assert.Equal(t, "", w.Current())

	assert.False(t, w.Observe(""), "empty title is the initial state")
	assert.True(t, w.Observe("Song A"))
	assert.False(t, w.Observe("Song A"))
	assert.True(t, w.Observe("song a"), "comparison is case-sensitive")
	assert.True(t, w.Observe("Song A"))
	assert.Equal(t, "Song A", w.Current())

	w.Reset()
	assert.Equal(t, "", w.Current())
	assert.True(t, w.Observe("Song A"))
}
