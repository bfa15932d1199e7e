// Package config loads socket settings from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	postbox "github.com/glimte/postbox-go"
)

// Config is the root configuration of a postbox node
type Config struct {
	// NodeID is the identity announced in handshakes; empty picks a random one
	NodeID string `mapstructure:"node_id"`

	// Listen holds host:port addresses to bind
	Listen []string `mapstructure:"listen"`

	// Connect holds host:port addresses to dial
	Connect []string `mapstructure:"connect"`

	ReconnectInterval   time.Duration `mapstructure:"reconnect_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ReadBufferSize      int           `mapstructure:"read_buffer_size"`
	MaxFrameSize        int           `mapstructure:"max_frame_size"`
	DedupCacheSize      int           `mapstructure:"dedup_cache_size"`

	Batch BatchConfig `mapstructure:"batch"`
	Log   LogConfig   `mapstructure:"log"`
}

// BatchConfig mirrors postbox.BatchOptions
type BatchConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExtendInterval    time.Duration `mapstructure:"extend_interval"`
	MaxExtendInterval time.Duration `mapstructure:"max_extend_interval"`
	MaxLetters        int           `mapstructure:"max_letters"`
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
}

// Default returns a Config populated with the socket defaults
func Default() *Config {
	batch := postbox.DefaultBatchOptions()
	return &Config{
		ReconnectInterval:   time.Second,
		HeartbeatInterval:   time.Second,
		HealthCheckInterval: 5 * time.Second,
		ShutdownGracePeriod: 5 * time.Second,
		ReadBufferSize:      64 << 10,
		DedupCacheSize:      4096,
		Batch: BatchConfig{
			ExtendInterval:    batch.ExtendInterval,
			MaxExtendInterval: batch.MaxExtendInterval,
			MaxLetters:        batch.MaxLetters,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from path, or from postbox.{yaml,json,toml} in
// the working directory or ~/.postbox when path is empty. Environment
// variables prefixed with POSTBOX override file values, with `.` replaced by
// `_`. Example: POSTBOX_BATCH_ENABLED=true
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("POSTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// every key needs a default so env-only overrides are picked up
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("connect", cfg.Connect)
	v.SetDefault("reconnect_interval", cfg.ReconnectInterval)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("health_check_interval", cfg.HealthCheckInterval)
	v.SetDefault("shutdown_grace_period", cfg.ShutdownGracePeriod)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("read_buffer_size", cfg.ReadBufferSize)
	v.SetDefault("max_frame_size", cfg.MaxFrameSize)
	v.SetDefault("dedup_cache_size", cfg.DedupCacheSize)
	v.SetDefault("batch.enabled", cfg.Batch.Enabled)
	v.SetDefault("batch.extend_interval", cfg.Batch.ExtendInterval)
	v.SetDefault("batch.max_extend_interval", cfg.Batch.MaxExtendInterval)
	v.SetDefault("batch.max_letters", cfg.Batch.MaxLetters)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if path == "" {
		path = os.Getenv("POSTBOX_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("postbox")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".postbox"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if c.NodeID != "" {
		if _, err := uuid.Parse(c.NodeID); err != nil {
			return fmt.Errorf("invalid node_id %q: %w", c.NodeID, err)
		}
	}
	for _, addr := range append(append([]string{}, c.Listen...), c.Connect...) {
		if _, err := ParseBinding(addr); err != nil {
			return err
		}
	}
	return nil
}

// SocketOptions converts the configuration into socket options
func (c *Config) SocketOptions() ([]postbox.Option, error) {
	logger, err := NewLogger(c.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	opts := []postbox.Option{
		postbox.WithLogger(logger),
		postbox.WithReconnectInterval(c.ReconnectInterval),
		postbox.WithHeartbeatInterval(c.HeartbeatInterval),
		postbox.WithHealthCheckInterval(c.HealthCheckInterval),
		postbox.WithShutdownGracePeriod(c.ShutdownGracePeriod),
		postbox.WithWriteTimeout(c.WriteTimeout),
		postbox.WithReadBufferSize(c.ReadBufferSize),
		postbox.WithMaxFrameSize(c.MaxFrameSize),
		postbox.WithDedupCacheSize(c.DedupCacheSize),
		postbox.WithBatching(postbox.BatchOptions{
			Enabled:           c.Batch.Enabled,
			ExtendInterval:    c.Batch.ExtendInterval,
			MaxExtendInterval: c.Batch.MaxExtendInterval,
			MaxLetters:        c.Batch.MaxLetters,
		}),
	}

	if c.NodeID != "" {
		id, err := uuid.Parse(c.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid node_id %q: %w", c.NodeID, err)
		}
		opts = append(opts, postbox.WithNodeID(id))
	}

	return opts, nil
}

// Open creates a socket, binds every listen address and connects to every
// connect address. Extra options are applied after the configured ones.
func (c *Config) Open(extra ...postbox.Option) (*postbox.Socket, error) {
	opts, err := c.SocketOptions()
	if err != nil {
		return nil, err
	}

	sock, err := postbox.NewSocket(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	for _, addr := range c.Listen {
		b, _ := ParseBinding(addr)
		if _, err := sock.Bind(b.Address, b.Port); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}
	}
	for _, addr := range c.Connect {
		b, _ := ParseBinding(addr)
		if err := sock.Connect(b.Address, b.Port); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
	}

	return sock, nil
}

// ParseBinding parses a host:port address
func ParseBinding(addr string) (postbox.Binding, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return postbox.Binding{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return postbox.Binding{}, fmt.Errorf("invalid port in address %q", addr)
	}
	return postbox.NewBinding(host, p), nil
}

// NewLogger builds a slog logger writing to w
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log.level: %q", s)
	}
}
