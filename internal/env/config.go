package env

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config is the server configuration. Values are layered: defaults, then the
// optional TOML file, then .env.local and the environment. Command line flags
// are applied on top by the caller.
type Config struct {
	Host         string        `env:"MEMCACHED_BINARY_HOST,overwrite"`
	Port         int           `env:"MEMCACHED_BINARY_PORT,overwrite"`
	HTTPPort     int           `env:"MEMCACHED_BINARY_HTTP_PORT,overwrite"`
	Loops        int           `env:"MEMCACHED_BINARY_LOOPS,overwrite"`
	Reuseport    bool          `env:"MEMCACHED_BINARY_REUSEPORT,overwrite"`
	Pedantic     bool          `env:"MEMCACHED_BINARY_PEDANTIC,overwrite"`
	MaxConns     int           `env:"MEMCACHED_BINARY_MAX_CONNS,overwrite"`
	MaxItemSize  int           `env:"MEMCACHED_BINARY_MAX_ITEM_SIZE,overwrite"`
	IdleTimeout  time.Duration `env:"MEMCACHED_BINARY_IDLE_TIMEOUT,overwrite"`
	ReapInterval time.Duration `env:"MEMCACHED_BINARY_REAP_INTERVAL,overwrite"`
	SnapshotPath string        `env:"MEMCACHED_BINARY_SNAPSHOT,overwrite"`
	LogLevel     string        `env:"MEMCACHED_BINARY_LOG_LEVEL,overwrite"`
	DebugHTTP    bool          `env:"MEMCACHED_BINARY_DEBUG_HTTP,overwrite"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         11211,
		HTTPPort:     11280,
		Reuseport:    true,
		MaxItemSize:  1 << 20,
		ReapInterval: time.Minute,
		LogLevel:     "info",
	}
}

// config.toml key mapping
type fileConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	HTTPPort     int    `toml:"http_port"`
	Loops        int    `toml:"loops"`
	Reuseport    bool   `toml:"reuseport"`
	Pedantic     bool   `toml:"pedantic"`
	MaxConns     int    `toml:"max_conns"`
	MaxItemSize  int    `toml:"max_item_size"`
	IdleTimeout  string `toml:"idle_timeout"`
	ReapInterval string `toml:"reap_interval"`
	SnapshotPath string `toml:"snapshot"`
	LogLevel     string `toml:"log_level"`
	DebugHTTP    bool   `toml:"debug_http"`
}

// LoadConfig builds the configuration. path names an optional TOML file,
// skipped when empty.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := overlayFile(&config, path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(".env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env.local: %w", err)
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("http_port") {
		cfg.HTTPPort = raw.HTTPPort
	}
	if meta.IsDefined("loops") {
		cfg.Loops = raw.Loops
	}
	if meta.IsDefined("reuseport") {
		cfg.Reuseport = raw.Reuseport
	}
	if meta.IsDefined("pedantic") {
		cfg.Pedantic = raw.Pedantic
	}
	if meta.IsDefined("max_conns") {
		cfg.MaxConns = raw.MaxConns
	}
	if meta.IsDefined("max_item_size") {
		cfg.MaxItemSize = raw.MaxItemSize
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return fmt.Errorf("load config: idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("reap_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReapInterval))
		if err != nil {
			return fmt.Errorf("load config: reap_interval: %w", err)
		}
		cfg.ReapInterval = d
	}
	if meta.IsDefined("snapshot") {
		cfg.SnapshotPath = strings.TrimSpace(raw.SnapshotPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("debug_http") {
		cfg.DebugHTTP = raw.DebugHTTP
	}
	return nil
}
