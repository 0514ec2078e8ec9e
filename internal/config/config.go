// Package config loads the daemon configuration: a TOML file overlaid with
// command line flags. The result is fixed for the life of the process.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/legamerdc/reactor"
	"github.com/legamerdc/reactor/server"
)

type Config struct {
	Listen          string        `toml:"listen"`
	Network         string        `toml:"network"`
	Shards          int           `toml:"shards"`
	Backlog         int           `toml:"backlog"`
	NoDelay         bool          `toml:"no_delay"`
	PollTimeout     time.Duration `toml:"poll_timeout"`
	MaxEvents       int           `toml:"max_events"`
	ReadBufferSize  int           `toml:"read_buffer_size"`
	MaxPendingBytes int           `toml:"max_pending_bytes"`
	AcceptBackoff   time.Duration `toml:"accept_backoff"`
	LockOSThread    bool          `toml:"lock_os_thread"`
	EchoHighWater   int           `toml:"echo_high_water"`

	Log     Log     `toml:"log"`
	Metrics Metrics `toml:"metrics"`
}

type Log struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // "json" or "console"
	File       string `toml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Metrics struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

func Default() Config {
	d := reactor.DefaultConfig()
	return Config{
		Listen:          d.Address,
		Network:         d.Network,
		Shards:          1,
		Backlog:         d.Backlog,
		NoDelay:         d.NoDelay,
		PollTimeout:     d.PollTimeout,
		MaxEvents:       d.MaxEvents,
		ReadBufferSize:  d.ReadBufferSize,
		MaxPendingBytes: d.MaxPendingBytes,
		AcceptBackoff:   d.AcceptBackoff,
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load decodes a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return cfg, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(names, ", "))
	}
	return cfg, cfg.Validate()
}

// Parse reads the command line. --config names a TOML file; any flag given
// explicitly overrides the file. pflag.ErrHelp is returned for --help.
func Parse(name string, args []string, usage io.Writer) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(usage)
	var (
		file        = fs.String("config", "", "path to a TOML config file")
		listen      = fs.String("listen", "", "listen address (default "+reactor.DefaultAddress+")")
		shards      = fs.Int("shards", 0, "number of reactors sharing the address")
		backlog     = fs.Int("backlog", 0, "listen backlog")
		logLevel    = fs.String("log-level", "", "trace, debug, info, warn or error")
		logFile     = fs.String("log-file", "", "rotate logs into this file instead of stderr")
		metricsAddr = fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if *file != "" {
		var err error
		if cfg, err = Load(*file); err != nil {
			return cfg, err
		}
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("shards") {
		cfg.Shards = *shards
	}
	if fs.Changed("backlog") {
		cfg.Backlog = *backlog
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-file") {
		cfg.Log.File = *logFile
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = *metricsAddr
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("config: listen address is empty")
	case c.Shards < 1:
		return fmt.Errorf("config: shards must be at least 1, got %d", c.Shards)
	case c.Backlog < 0:
		return fmt.Errorf("config: negative backlog %d", c.Backlog)
	case c.Log.Format != "json" && c.Log.Format != "console":
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Server builds the sharded server configuration. Logger and Registerer are
// left for the caller.
func (c Config) Server() server.Config {
	return server.Config{
		Shards: c.Shards,
		Reactor: reactor.Config{
			Name:            "reactord",
			Network:         c.Network,
			Address:         c.Listen,
			Backlog:         c.Backlog,
			NoDelay:         c.NoDelay,
			PollTimeout:     c.PollTimeout,
			MaxEvents:       c.MaxEvents,
			ReadBufferSize:  c.ReadBufferSize,
			MaxPendingBytes: c.MaxPendingBytes,
			AcceptBackoff:   c.AcceptBackoff,
			LockOSThread:    c.LockOSThread,
		},
	}
}
