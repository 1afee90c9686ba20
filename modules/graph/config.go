package graph

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	OutputSpeaker = "speaker"
	OutputNone    = "none"
)

const (
	defaultCaptureQueueSize  = 100 // 2s of 20ms buffers
	defaultPlaybackQueueSize = 25
	defaultResampleQuality   = 4
	defaultVolume            = 1.0
	defaultOutputBuffer      = 250 * time.Millisecond
)

type Config struct {
	Output            string        `yaml:"output,omitempty"`              // speaker or none
	OutputBuffer      time.Duration `yaml:"output-buffer,omitempty"`       // device buffer of the speaker output
	CaptureQueueSize  int           `yaml:"capture-queue-size,omitempty"`  // buffers held for the capture branch before the oldest is dropped
	PlaybackQueueSize int           `yaml:"playback-queue-size,omitempty"` // buffers held ahead of the output
	ResampleQuality   int           `yaml:"resample-quality,omitempty"`
	Volume            float64       `yaml:"volume,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Output, util.PrefixConfig(prefix, "output"), OutputSpeaker, "Audio output for playback: speaker or none.")
	f.DurationVar(&cfg.OutputBuffer, util.PrefixConfig(prefix, "output-buffer"), defaultOutputBuffer, "Buffer size of the audio device.")
	f.IntVar(&cfg.CaptureQueueSize, util.PrefixConfig(prefix, "capture-queue-size"), defaultCaptureQueueSize,
		"Buffers queued in front of the capture gate. When full the oldest buffer is dropped so playback never waits on capture.")
	f.IntVar(&cfg.PlaybackQueueSize, util.PrefixConfig(prefix, "playback-queue-size"), defaultPlaybackQueueSize,
		"Buffers queued in front of the audio output.")
	f.IntVar(&cfg.ResampleQuality, util.PrefixConfig(prefix, "resample-quality"), defaultResampleQuality, "Resampler quality, 1 to 64.")
	f.Float64Var(&cfg.Volume, util.PrefixConfig(prefix, "volume"), defaultVolume, "Initial playback volume between 0 and 1.")
}

func (cfg *Config) Validate() error {
	switch cfg.Output {
	case "", OutputSpeaker, OutputNone:
	default:
		return fmt.Errorf("unknown output %q", cfg.Output)
	}
	if math.IsNaN(cfg.Volume) || cfg.Volume < 0 || cfg.Volume > 1 {
		return fmt.Errorf("volume %v out of range [0,1]", cfg.Volume)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.CaptureQueueSize <= 0 {
		cfg.CaptureQueueSize = defaultCaptureQueueSize
	}
	if cfg.PlaybackQueueSize <= 0 {
		cfg.PlaybackQueueSize = defaultPlaybackQueueSize
	}
	if cfg.ResampleQuality <= 0 {
		cfg.ResampleQuality = defaultResampleQuality
	}
	if cfg.ResampleQuality > 64 {
		cfg.ResampleQuality = 64
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = defaultOutputBuffer
	}
}
