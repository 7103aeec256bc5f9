package main

import (
	"time"

	"github.com/spf13/pflag"
)

// Options holds CLI options for the node. Non-empty values override the
// loaded configuration.
type Options struct {
	ConfigPath   string
	Role         string
	Listen       string
	Address      string
	LogLevel     string
	Echo         bool
	PingInterval time.Duration
	StatsEvery   time.Duration
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
	fs := pflag.NewFlagSet("replibridge-node", pflag.ContinueOnError)
	var opts Options
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	fs.StringVar(&opts.Role, "role", "", "server or client (overrides config)")
	fs.StringVar(&opts.Listen, "listen", "", "server bind address (overrides config)")
	fs.StringVar(&opts.Address, "address", "", "server address to connect to (overrides config)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	fs.BoolVar(&opts.Echo, "echo", false, "server: send every received payload back on the same channel")
	fs.DurationVar(&opts.PingInterval, "ping-interval", 0, "client: send a ping on every channel at this interval (0 disables)")
	fs.DurationVar(&opts.StatsEvery, "stats-every", 5*time.Second, "log connection statistics at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}
