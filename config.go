package wampio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnvListenAddr        = "WAMPIO_LISTEN_ADDR"
	EnvSerializer        = "WAMPIO_SERIALIZER"
	EnvHeartbeatInterval = "WAMPIO_HEARTBEAT_INTERVAL"
	EnvLogLevel          = "WAMPIO_LOG_LEVEL"
)

// Config configures a Kernel and the listeners and sessions it runs
type Config struct {
	ListenNetwork string
	ListenAddr    string

	// PendingOpenTimeout bounds how long a connection may stay unclassified
	PendingOpenTimeout time.Duration

	// HandshakeTimeout bounds how long a passive session may take to open
	HandshakeTimeout time.Duration

	// HeartbeatInterval of 0 disables heartbeats
	HeartbeatInterval time.Duration

	// MaxMsgSize is the largest inbound rawsocket message accepted
	MaxMsgSize MaxMsgSize

	// Serializer is one of "json", "msgpack" or "cbor"
	Serializer string

	// MaxSessions caps the sessions a listener serves; 0 is unlimited
	MaxSessions int

	// CallLimit and InvocationLimit configure Limits (0 is unlimited)
	CallLimit       uint32
	InvocationLimit uint32

	Log     LogConfig
	TLS     TLSConfig
	Auth    AuthConfig
	Metrics MetricsConfig
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type MetricsConfig struct {
	Namespace string `toml:"namespace" yaml:"namespace"`
	// Addr, when set, is where examples/tcp serves /metrics
	Addr string `toml:"addr" yaml:"addr"`
}

func DefaultConfig() Config {
	return Config{
		ListenNetwork:      "tcp",
		ListenAddr:         "127.0.0.1:55555",
		PendingOpenTimeout: 5 * time.Second,
		HandshakeTimeout:   30 * time.Second,
		MaxMsgSize:         MaxMsgSize512KB,
		Serializer:         "json",
		Log:                LogConfig{Level: "info", Console: true},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenNetwork == "" {
		c.ListenNetwork = d.ListenNetwork
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.PendingOpenTimeout <= 0 {
		c.PendingOpenTimeout = d.PendingOpenTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = d.MaxMsgSize
	}
	if c.Serializer == "" {
		c.Serializer = d.Serializer
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	return c
}

// serializer returns the configured serializer, JSON if unknown
func (c Config) serializer() Serializer {
	s, err := SerializerByName(c.Serializer)
	if err != nil {
		return JSON
	}
	return s
}

// -----------------------------------------------------------------------------------------------

// fileConfig is the on-disk shape shared by the TOML and YAML formats.
// Durations are strings parsed with time.ParseDuration.
type fileConfig struct {
	ListenNetwork      string        `toml:"listen_network" yaml:"listen_network"`
	ListenAddr         string        `toml:"listen_addr" yaml:"listen_addr"`
	PendingOpenTimeout string        `toml:"pending_open_timeout" yaml:"pending_open_timeout"`
	HandshakeTimeout   string        `toml:"handshake_timeout" yaml:"handshake_timeout"`
	HeartbeatInterval  string        `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxMsgSize         int           `toml:"max_msg_size" yaml:"max_msg_size"`
	Serializer         string        `toml:"serializer" yaml:"serializer"`
	MaxSessions        int           `toml:"max_sessions" yaml:"max_sessions"`
	CallLimit          uint32        `toml:"call_limit" yaml:"call_limit"`
	InvocationLimit    uint32        `toml:"invocation_limit" yaml:"invocation_limit"`
	Log                LogConfig     `toml:"log" yaml:"log"`
	TLS                TLSConfig     `toml:"tls" yaml:"tls"`
	Auth               AuthConfig    `toml:"auth" yaml:"auth"`
	Metrics            MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// LoadConfig reads a .toml, .yaml or .yml file on top of DefaultConfig and
// then applies WAMPIO_* environment overrides.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported format %q", ext)
	}
	cfg, err := raw.toConfig(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	return ApplyEnv(cfg)
}

func (raw fileConfig) toConfig(cfg Config) (Config, error) {
	if v := strings.TrimSpace(raw.ListenNetwork); v != "" {
		cfg.ListenNetwork = v
	}
	if v := strings.TrimSpace(raw.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"pending_open_timeout", raw.PendingOpenTimeout, &cfg.PendingOpenTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	} {
		if strings.TrimSpace(d.in) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.in))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = v
	}
	if raw.MaxMsgSize > 0 {
		size, err := MaxMsgSizeFor(raw.MaxMsgSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_msg_size: %w", err)
		}
		cfg.MaxMsgSize = size
	}
	if v := strings.TrimSpace(raw.Serializer); v != "" {
		if _, err := SerializerByName(v); err != nil {
			return Config{}, err
		}
		cfg.Serializer = v
	}
	cfg.MaxSessions = raw.MaxSessions
	cfg.CallLimit = raw.CallLimit
	cfg.InvocationLimit = raw.InvocationLimit
	if raw.Log.Level != "" || raw.Log.Console || raw.Log.NoColor {
		cfg.Log = raw.Log
	}
	cfg.TLS = raw.TLS
	cfg.Auth = raw.Auth
	cfg.Metrics = raw.Metrics
	if err := cfg.Auth.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from WAMPIO_* environment variables. The log level
// variable is read when the logger is built.
func ApplyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSerializer)); v != "" {
		if _, err := SerializerByName(v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvSerializer, err)
		}
		cfg.Serializer = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHeartbeatInterval)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}
	return cfg, nil
}
