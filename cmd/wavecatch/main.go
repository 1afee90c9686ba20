package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/wavecatch/app"
)

const appName = "wavecatch"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
	prometheus.MustRegister(version.NewCollector(appName))
}

func main() {
	cfg, logOpts, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config file", "err", err)
		os.Exit(1)
	}

	logger := newLogger(logOpts)
	slog.SetDefault(logger)

	shutdownTracer, err := tracing.InstallOpenTelemetryTracer(&cfg.Tracing, logger, appName, Version)
	if err != nil {
		logger.Error("error initialising tracer", "err", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	a, err := app.New(*cfg, *logger)
	if err != nil {
		logger.Error("failed to create", "app", appName, "err", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		logger.Error("error running", "app", appName, "err", err)
		os.Exit(1)
	}
}

type logOptions struct {
	level slog.Level
	file  string
}

// newLogger writes to stdout, or to a rotated file when one is configured.
func newLogger(opts logOptions) *slog.Logger {
	var w io.Writer = os.Stdout
	if opts.file != "" {
		w = &lumberjack.Logger{
			Filename:   opts.file,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14,
		}
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.level}))
}

func loadConfig() (*app.Config, logOptions, error) {
	const (
		configFileOption = "config.file"
	)

	var (
		configFile string
		logLevel   string
		logOpts    logOptions
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")

	// Try to find -config.file & -config.expand-env flags. As Parsing stops on the first error, eg. unknown flag,
	// we simply try remaining parameters until we find config flag, or there are no params left.
	// (ContinueOnError just means that flag.Parse doesn't call panic or os.Exit, but it returns error, which we ignore)
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn or error.")
	flag.StringVar(&logOpts.file, "log.file", "", "Write logs to this file, rotated by size, instead of stdout.")

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, logOpts, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		err = yaml.UnmarshalStrict(buff, config)
		if err != nil {
			return nil, logOpts, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flag.Parse()

	if err := logOpts.level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, logOpts, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	return config, logOpts, nil
}
