package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/pior/memcache-binary/internal/env"
)

var configPath string

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memcached binary protocol from memory",
	Long: `Serve the memcached binary protocol from memory

Configuration is read from the defaults, the --config TOML file, .env.local,
MEMCACHED_BINARY_* environment variables and finally the flags.

Usage
	memcached-binary serve --port 11211 --pedantic

`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	flags := ServeCmd.Flags()

	defaults := env.DefaultConfig()
	flags.StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	flags.StringP("host", "a", defaults.Host, "The host to listen on")
	flags.IntP("port", "p", defaults.Port, "The port to listen client connections on")
	flags.Int("http-port", defaults.HTTPPort, "The port of the admin HTTP API, 0 disables it")
	flags.Int("loops", defaults.Loops, "Number of event loops, one per CPU when 0")
	flags.Bool("reuseport", defaults.Reuseport, "Open one SO_REUSEPORT listener per event loop")
	flags.Bool("pedantic", defaults.Pedantic, "Validate the layout of every request")
	flags.Int("max-conns", defaults.MaxConns, "Maximum open connections, unlimited when 0")
	flags.Int("max-item-size", defaults.MaxItemSize, "Maximum size of a value")
	flags.Duration("idle-timeout", defaults.IdleTimeout, "Close connections idle for that long, never when 0")
	flags.Duration("reap-interval", defaults.ReapInterval, "Period of the expired items sweep")
	flags.String("snapshot", defaults.SnapshotPath, "Load the store from this file at start and save it at exit")
	flags.String("log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
}

// applyFlags overrides conf with the flags set on the command line.
func applyFlags(cmd *cobra.Command, conf *env.Config) {
	flags := cmd.Flags()

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	str("host", &conf.Host)
	num("port", &conf.Port)
	num("http-port", &conf.HTTPPort)
	num("loops", &conf.Loops)
	boolean("reuseport", &conf.Reuseport)
	boolean("pedantic", &conf.Pedantic)
	num("max-conns", &conf.MaxConns)
	num("max-item-size", &conf.MaxItemSize)
	duration("idle-timeout", &conf.IdleTimeout)
	duration("reap-interval", &conf.ReapInterval)
	str("snapshot", &conf.SnapshotPath)
	str("log-level", &conf.LogLevel)
}
