package config

import (
	"fmt"
	"time"

	"replibridge/pkg/channels"
	"replibridge/pkg/transport"
)

// Certificate modes for server.certificate.mode.
const (
	CertSelfSigned = "self_signed"
	CertFiles      = "files"
)

// Verification policies for client.verify.
const (
	VerifySkip   = "skip"
	VerifySystem = "system"
	VerifyCAFile = "ca_file"
)

// ServerConfig describes the endpoint opened in the server role.
// Example YAML:
// server:
//
//	listen: "0.0.0.0:6000"
//	certificate:
//	  mode: files
//	  cert_file: certs/server.pem
//	  key_file: certs/server.key
type ServerConfig struct {
	Listen      string            `mapstructure:"listen"`
	Certificate CertificateConfig `mapstructure:"certificate"`
}

type CertificateConfig struct {
	Mode     string `mapstructure:"mode"`
	Hostname string `mapstructure:"hostname"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ClientConfig describes the connection opened in the client role.
type ClientConfig struct {
	Address    string `mapstructure:"address"`
	Verify     string `mapstructure:"verify"`
	CAFile     string `mapstructure:"ca_file"`
	ServerName string `mapstructure:"server_name"`
}

// ChannelsConfig declares each role's send channels by kind name
// (unreliable, unordered, ordered). Order is significant.
type ChannelsConfig struct {
	Server               []string `mapstructure:"server"`
	Client               []string `mapstructure:"client"`
	MaxReliableFrameSize int      `mapstructure:"max_reliable_frame_size"`
}

// Set parses both lists and checks their length.
func (c ChannelsConfig) Set() (channels.Set, error) {
	srv, err := channels.ParseKinds(c.Server)
	if err != nil {
		return channels.Set{}, fmt.Errorf("channels.server: %w", err)
	}
	cli, err := channels.ParseKinds(c.Client)
	if err != nil {
		return channels.Set{}, fmt.Errorf("channels.client: %w", err)
	}
	for name, l := range map[string]int{"server": len(srv), "client": len(cli)} {
		if l > transport.MaxChannels {
			return channels.Set{}, fmt.Errorf("channels.%s: %w: %d", name, channels.ErrTooManyChannels, l)
		}
	}
	return channels.Set{Server: srv, Client: cli}, nil
}

type TickConfig struct {
	RateHz int `mapstructure:"rate_hz"`
}

// Interval is the time between ticks.
func (t TickConfig) Interval() time.Duration {
	if t.RateHz <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(t.RateHz)
}

type StatsConfig struct {
	PeriodMS int `mapstructure:"period_ms"`
}

func (s StatsConfig) Period() time.Duration { return time.Duration(s.PeriodMS) * time.Millisecond }

type QUICConfig struct {
	KeepAliveMS        int `mapstructure:"keep_alive_ms"`
	MaxIdleTimeoutMS   int `mapstructure:"max_idle_timeout_ms"`
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
}

func (q QUICConfig) KeepAlive() time.Duration { return time.Duration(q.KeepAliveMS) * time.Millisecond }
func (q QUICConfig) MaxIdleTimeout() time.Duration {
	return time.Duration(q.MaxIdleTimeoutMS) * time.Millisecond
}
func (q QUICConfig) HandshakeTimeout() time.Duration {
	return time.Duration(q.HandshakeTimeoutMS) * time.Millisecond
}
