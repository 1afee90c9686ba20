// Package output drives the audible end of the playback branch.
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

const DefaultBufferSize = 250 * time.Millisecond

// Speaker plays a streamer on the default audio device. The device is
// opened on first use and kept open across graph rebuilds.
type Speaker struct {
	mu          sync.Mutex
	buffer      time.Duration
	initialized bool
	rate        beep.SampleRate
}

func NewSpeaker(buffer time.Duration) *Speaker {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Speaker{buffer: buffer}
}

func (s *Speaker) Start(st beep.Streamer, rate beep.SampleRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || s.rate != rate {
		if err := speaker.Init(rate, rate.N(s.buffer)); err != nil {
			return fmt.Errorf("failed to initialize speaker: %w", err)
		}
		s.initialized = true
		s.rate = rate
	}

	speaker.Play(st)
	return nil
}

// Stop silences the device without closing it.
func (s *Speaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		speaker.Clear()
	}
}

// Close releases the audio device.
func (s *Speaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		speaker.Clear()
		speaker.Close()
		s.initialized = false
	}
}
