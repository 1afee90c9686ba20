package capture

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultHistorySize     = 5
	defaultWriterQueueSize = 64
	defaultDiscardGrace    = 2 * time.Second
	defaultBitrate         = 128000
)

type Config struct {
	Dir             string        `yaml:"dir,omitempty"`
	Bitrate         int           `yaml:"bitrate,omitempty"`           // opus bitrate in bits per second
	HistorySize     int           `yaml:"history-size,omitempty"`      // completed segments kept on disk
	KeepRecordings  bool          `yaml:"keep-recordings,omitempty"`   // leave capture files behind on shutdown
	WriterQueueSize int           `yaml:"writer-queue-size,omitempty"` // buffers queued in front of the encoder
	DiscardGrace    time.Duration `yaml:"discard-grace,omitempty"`     // how long a discard waits for the encoder to stop
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), defaultDir(), "The directory capture files are written to")
	f.IntVar(&cfg.Bitrate, util.PrefixConfig(prefix, "bitrate"), defaultBitrate, "Opus bitrate of the capture files in bits per second.")
	f.IntVar(&cfg.HistorySize, util.PrefixConfig(prefix, "history-size"), defaultHistorySize,
		"Number of completed segments to keep. Older segments are deleted from disk.")
	f.BoolVar(&cfg.KeepRecordings, util.PrefixConfig(prefix, "keep-recordings"), false,
		"Keep the capture files on shutdown instead of clearing the capture directory.")
	f.IntVar(&cfg.WriterQueueSize, util.PrefixConfig(prefix, "writer-queue-size"), defaultWriterQueueSize,
		"Buffers queued in front of the encoder of the active segment.")
	f.DurationVar(&cfg.DiscardGrace, util.PrefixConfig(prefix, "discard-grace"), defaultDiscardGrace,
		"Maximum time a discarded segment waits for its encoder to stop before the file is removed.")
}

func (cfg *Config) applyDefaults() {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir()
	}
	if cfg.WriterQueueSize <= 0 {
		cfg.WriterQueueSize = defaultWriterQueueSize
	}
	if cfg.DiscardGrace <= 0 {
		cfg.DiscardGrace = defaultDiscardGrace
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
}

func defaultDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "wavecatch", "recording")
}
