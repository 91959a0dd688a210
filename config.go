package msgrpc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the manager options, used by the msgrpc
// command.
type Config struct {
	Endpoint          string        `yaml:"endpoint"`
	Network           string        `yaml:"network"`
	Timeout           time.Duration `yaml:"timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	// ResyncOnProtocolError is a pointer so an absent key keeps the default.
	ResyncOnProtocolError *bool `yaml:"resync_on_protocol_error"`

	Pool PoolFileConfig `yaml:"pool"`
	Dump DumpFileConfig `yaml:"dump"`

	AdminAddr string `yaml:"admin_addr"`
	LogLevel  string `yaml:"log_level"`
}

type PoolFileConfig struct {
	MaxSize          int           `yaml:"max_size"`
	MinIdle          int           `yaml:"min_idle"`
	MaxIdleAge       time.Duration `yaml:"max_idle_age"`
	Exhaustion       string        `yaml:"exhaustion"`
	BorrowTimeout    time.Duration `yaml:"borrow_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// DumpFileConfig selects where malformed responses go. Dir and DSN may
// both be empty, in which case nothing is dumped.
type DumpFileConfig struct {
	Dir    string `yaml:"dir"`
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// DefaultConfigPath returns ~/.msgrpc/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".msgrpc", "config.yaml")
	}
	return filepath.Join(home, ".msgrpc", "config.yaml")
}

// DefaultConfig mirrors the defaults of NewTransportManager.
func DefaultConfig() *Config {
	d := defaultManagerConfig()
	return &Config{
		Endpoint:          "127.0.0.1:18800",
		Network:           d.network,
		Timeout:           d.callTimeout,
		ConnectTimeout:    d.connectTimeout,
		ShutdownTimeout:   d.shutdownTimeout,
		ReceiveBufferSize: d.receiveBufferSize,
		MaxMessageSize:    d.maxMessageSize,
		Pool: PoolFileConfig{
			MaxSize:          d.transportPool.MaxSize,
			MinIdle:          d.transportPool.MinIdle,
			MaxIdleAge:       d.transportPool.MaxIdleAge,
			Exhaustion:       d.transportPool.Exhaustion.String(),
			BorrowTimeout:    d.transportPool.BorrowTimeout,
			EvictionInterval: d.evictionInterval,
		},
		Dump:     DumpFileConfig{Driver: "pgx"},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("msgrpc: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("msgrpc: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := networkCapabilities(c.Network); err != nil {
		return err
	}
	if _, err := parseExhaustion(c.Pool.Exhaustion); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func parseExhaustion(s string) (ExhaustionPolicy, error) {
	switch s {
	case "", "block":
		return ExhaustionBlock, nil
	case "fail":
		return ExhaustionFail, nil
	default:
		return ExhaustionBlock, fmt.Errorf("unknown pool exhaustion policy %q", s)
	}
}

// Options converts the file config into manager options. It opens the
// configured dump sink; the returned close function releases it and is
// never nil.
func (c *Config) Options(ctx context.Context, logger *slog.Logger) ([]Option, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	exhaustion, _ := parseExhaustion(c.Pool.Exhaustion)

	opts := []Option{
		WithNetwork(c.Network),
		WithCallTimeout(c.Timeout),
		WithConnectTimeout(c.ConnectTimeout),
		WithShutdownTimeout(c.ShutdownTimeout),
		WithReceiveBufferSize(c.ReceiveBufferSize),
		WithMaxMessageSize(c.MaxMessageSize),
		WithTransportPool(PoolConfig{
			MaxSize:       c.Pool.MaxSize,
			MinIdle:       c.Pool.MinIdle,
			MaxIdleAge:    c.Pool.MaxIdleAge,
			Exhaustion:    exhaustion,
			BorrowTimeout: c.Pool.BorrowTimeout,
		}),
		WithEvictionInterval(c.Pool.EvictionInterval),
	}
	if c.ResyncOnProtocolError != nil {
		opts = append(opts, WithResyncOnProtocolError(*c.ResyncOnProtocolError))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}

	closeFn := func() error { return nil }
	switch {
	case c.Dump.DSN != "":
		driver := c.Dump.Driver
		if driver == "" {
			driver = "pgx"
		}
		sink, err := OpenSQLDumpSink(ctx, driver, c.Dump.DSN)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithDumpSink(sink))
		closeFn = sink.Close
	case c.Dump.Dir != "":
		sink, err := NewFileDumpSink(c.Dump.Dir)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithDumpSink(sink))
	}
	return opts, closeFn, nil
}
