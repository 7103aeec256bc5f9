// Package config provides YAML-based configuration loading for replibridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"replibridge/pkg/channels"
	"replibridge/pkg/transport"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node
	AppName string `mapstructure:"app_name"`

	// Role is "server" or "client"
	Role string `mapstructure:"role"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Tick     TickConfig     `mapstructure:"tick"`
	Stats    StatsConfig    `mapstructure:"stats"`
	QUIC     QUICConfig     `mapstructure:"quic"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

const (
	RoleServer = "server"
	RoleClient = "client"
)

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "replibridge-node",
		Role:    RoleServer,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/replibridge.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Listen:      "0.0.0.0:6000",
			Certificate: CertificateConfig{Mode: CertSelfSigned, Hostname: "localhost"},
		},
		Client: ClientConfig{
			Address: "127.0.0.1:6000",
			Verify:  VerifySkip,
		},
		Channels: ChannelsConfig{
			Server:               []string{"unordered", "ordered", "unreliable"},
			Client:               []string{"unordered", "ordered", "unreliable"},
			MaxReliableFrameSize: channels.DefaultMaxReliableFrameLen,
		},
		Tick:  TickConfig{RateHz: 60},
		Stats: StatsConfig{PeriodMS: 100},
		QUIC:  QUICConfig{KeepAliveMS: 4000, MaxIdleTimeoutMS: 10000, HandshakeTimeoutMS: 5000},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix REPLIBRIDGE and `.`/`-` are replaced with `_`.
// Example: REPLIBRIDGE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPLIBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("role", cfg.Role)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	// Endpoint defaults
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.certificate.mode", cfg.Server.Certificate.Mode)
	v.SetDefault("server.certificate.hostname", cfg.Server.Certificate.Hostname)
	v.SetDefault("server.certificate.cert_file", cfg.Server.Certificate.CertFile)
	v.SetDefault("server.certificate.key_file", cfg.Server.Certificate.KeyFile)
	v.SetDefault("client.address", cfg.Client.Address)
	v.SetDefault("client.verify", cfg.Client.Verify)
	v.SetDefault("client.ca_file", cfg.Client.CAFile)
	v.SetDefault("client.server_name", cfg.Client.ServerName)
	// Channel defaults
	v.SetDefault("channels.server", cfg.Channels.Server)
	v.SetDefault("channels.client", cfg.Channels.Client)
	v.SetDefault("channels.max_reliable_frame_size", cfg.Channels.MaxReliableFrameSize)
	// Tick/stats/quic defaults
	v.SetDefault("tick.rate_hz", cfg.Tick.RateHz)
	v.SetDefault("stats.period_ms", cfg.Stats.PeriodMS)
	v.SetDefault("quic.keep_alive_ms", cfg.QUIC.KeepAliveMS)
	v.SetDefault("quic.max_idle_timeout_ms", cfg.QUIC.MaxIdleTimeoutMS)
	v.SetDefault("quic.handshake_timeout_ms", cfg.QUIC.HandshakeTimeoutMS)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("REPLIBRIDGE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `replibridge`
		v.SetConfigName("replibridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".replibridge"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises c in place and rejects invalid settings. Load calls it;
// callers that modify a loaded Config call it again.
func (c *Config) Validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	switch c.Role {
	case RoleServer, RoleClient:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	c.Server.Certificate.Mode = strings.ToLower(strings.TrimSpace(c.Server.Certificate.Mode))
	switch c.Server.Certificate.Mode {
	case CertSelfSigned:
	case CertFiles:
		if c.Role == RoleServer && (c.Server.Certificate.CertFile == "" || c.Server.Certificate.KeyFile == "") {
			return errors.New("server.certificate: cert_file and key_file are required in files mode")
		}
	default:
		return fmt.Errorf("invalid server.certificate.mode: %q", c.Server.Certificate.Mode)
	}

	c.Client.Verify = strings.ToLower(strings.TrimSpace(c.Client.Verify))
	switch c.Client.Verify {
	case VerifySkip, VerifySystem:
	case VerifyCAFile:
		if c.Role == RoleClient && c.Client.CAFile == "" {
			return errors.New("client.ca_file is required when client.verify is ca_file")
		}
	default:
		return fmt.Errorf("invalid client.verify: %q", c.Client.Verify)
	}

	if _, err := c.Channels.Set(); err != nil {
		return err
	}
	if c.Channels.MaxReliableFrameSize <= 0 {
		c.Channels.MaxReliableFrameSize = channels.DefaultMaxReliableFrameLen
	}
	if c.Tick.RateHz <= 0 {
		return fmt.Errorf("invalid tick.rate_hz: %d", c.Tick.RateHz)
	}
	if c.Stats.PeriodMS <= 0 {
		c.Stats.PeriodMS = 100
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// ServerChannels translates the server channel list.
func (c *Config) ServerChannels() ([]transport.ChannelConfig, error) {
	s, err := c.Channels.Set()
	if err != nil {
		return nil, err
	}
	return s.ServerConfigsCustom(c.Channels.MaxReliableFrameSize)
}

// ClientChannels translates the client channel list.
func (c *Config) ClientChannels() ([]transport.ChannelConfig, error) {
	s, err := c.Channels.Set()
	if err != nil {
		return nil, err
	}
	return s.ClientConfigsCustom(c.Channels.MaxReliableFrameSize)
}
