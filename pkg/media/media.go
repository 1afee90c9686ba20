// Package media holds the building blocks shared by the stream graph and the
// capture branch: the normalized audio format, buffers, playback states, the
// graph message bus and the dataflow gate used to swap capture sinks.
package media

import (
	"context"
	"time"
)

// Every buffer past the normalize stage is interleaved stereo at this rate.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960 // samples per channel per frame
)

// Buffer is a chunk of normalized audio. A buffer with EOS set carries no
// samples and terminates the stream of the sink that receives it.
type Buffer struct {
	Samples [][2]float64
	EOS     bool
}

// EOSBuffer returns the end-of-stream terminator.
func EOSBuffer() Buffer {
	return Buffer{EOS: true}
}

// Duration returns the playback time covered by the buffer.
func (b Buffer) Duration() time.Duration {
	return time.Duration(len(b.Samples)) * time.Second / SampleRate
}

// Sink accepts buffers pushed from upstream. Push may block until the sink
// has room; it returns an error once the sink can no longer accept data.
type Sink interface {
	Push(ctx context.Context, b Buffer) error
}

// StateKind enumerates the playback states.
type StateKind int

const (
	Loading StateKind = iota
	Playing
	Stopped
	Failure
)

func (k StateKind) String() string {
	switch k {
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// PlaybackState is the user-visible state of the player. Reason is only set
// for Failure.
type PlaybackState struct {
	Kind   StateKind
	Reason string
}

func (s PlaybackState) String() string {
	if s.Kind == Failure && s.Reason != "" {
		return s.Kind.String() + ": " + s.Reason
	}
	return s.Kind.String()
}

// StateOf builds a PlaybackState without a reason.
func StateOf(k StateKind) PlaybackState {
	return PlaybackState{Kind: k}
}

// Failed builds a Failure state carrying a human readable reason.
func Failed(reason string) PlaybackState {
	return PlaybackState{Kind: Failure, Reason: reason}
}
