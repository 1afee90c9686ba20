package player

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/modules/graph"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultEOSTimeout   = 10 * time.Second
)

type Config struct {
	URL          string         `yaml:"url,omitempty"`           // station to open on start
	Name         string         `yaml:"name,omitempty"`          // display name of that station
	PollInterval time.Duration  `yaml:"poll-interval,omitempty"` // how often the reactor drains the bus without a notification
	EOSTimeout   time.Duration  `yaml:"eos-timeout,omitempty"`   // how long a swap waits for the old segment to finish
	Graph        graph.Config   `yaml:"graph,omitempty"`
	Capture      capture.Config `yaml:"capture,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "The station URL to play on start. Playlists (pls, m3u) are resolved.")
	f.StringVar(&cfg.Name, util.PrefixConfig(prefix, "name"), "", "Display name of the station given by url.")
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"), defaultPollInterval,
		"Interval at which pending graph messages are processed when no notification arrived.")
	f.DurationVar(&cfg.EOSTimeout, util.PrefixConfig(prefix, "eos-timeout"), defaultEOSTimeout,
		"Maximum time to wait for a finished segment to close cleanly. When exceeded the segment is discarded and playback fails.")

	cfg.Graph.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "graph"), f)
	cfg.Capture.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "capture"), f)
}

func (cfg *Config) applyDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.EOSTimeout <= 0 {
		cfg.EOSTimeout = defaultEOSTimeout
	}
}
