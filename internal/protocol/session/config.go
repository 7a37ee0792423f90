package session

import (
	"time"

	"github.com/danmuck/presencectl/internal/protocol"
)

// DefaultEndpoint is the well-known presence socket service.
const DefaultEndpoint = "wss://proxy.wynd.network:4650/"

// BackoffConfig defines restart backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig is the client TLS posture toward the presence service.
type TLSConfig struct {
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
}

// Config defines per-session timing and protocol tags.
type Config struct {
	Endpoints        []string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	AuthDelay   DelayRange
	SettleDelay time.Duration
	PongDelay   DelayRange
	IdleDelay   DelayRange
	PingDelay   DelayRange

	ShutdownGrace time.Duration

	ClientType    string
	ClientVersion string
	PingVersion   string

	TLS     TLSConfig
	Backoff BackoffConfig
}

// DefaultConfig returns the reference pacing of the presence protocol.
func DefaultConfig() Config {
	return Config{
		Endpoints:        []string{DefaultEndpoint},
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     15 * time.Second,
		AuthDelay:        DelayRange{Min: time.Second, Max: 2 * time.Second},
		SettleDelay:      20 * time.Second,
		PongDelay:        DelayRange{Min: 100 * time.Millisecond, Max: 900 * time.Millisecond},
		IdleDelay:        DelayRange{Min: 18 * time.Second, Max: 25 * time.Second},
		PingDelay:        DelayRange{Min: 100 * time.Millisecond, Max: 900 * time.Millisecond},
		ShutdownGrace:    5 * time.Second,
		ClientType:       protocol.DefaultClientType,
		ClientVersion:    protocol.DefaultClientVersion,
		PingVersion:      protocol.DefaultPingVersion,
		TLS: TLSConfig{
			InsecureSkipVerify: true,
		},
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Minute,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued timeouts, pacing and tags from DefaultConfig.
// An unset delay range or settle delay gets the reference pacing.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if len(c.Endpoints) == 0 {
		c.Endpoints = def.Endpoints
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AuthDelay.IsZero() {
		c.AuthDelay = def.AuthDelay
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.PongDelay.IsZero() {
		c.PongDelay = def.PongDelay
	}
	if c.IdleDelay.IsZero() {
		c.IdleDelay = def.IdleDelay
	}
	if c.PingDelay.IsZero() {
		c.PingDelay = def.PingDelay
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.ClientType == "" {
		c.ClientType = def.ClientType
	}
	if c.ClientVersion == "" {
		c.ClientVersion = def.ClientVersion
	}
	if c.PingVersion == "" {
		c.PingVersion = def.PingVersion
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
