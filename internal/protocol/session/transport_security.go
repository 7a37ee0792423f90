package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	ErrEndpointRequired     = errors.New("session: endpoint required")
	ErrInvalidEndpoint      = errors.New("session: invalid endpoint")
	ErrInvalidDelayRange    = errors.New("session: invalid delay range")
	ErrInvalidTimeout       = errors.New("session: invalid timeout")
	ErrTLSCAFileUnreadable  = errors.New("session: tls ca file unreadable")
	ErrTLSCAFileUnparseable = errors.New("session: tls ca bundle has no certificates")
)

// ValidateEndpoint accepts ws and wss URIs with a host.
func ValidateEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEndpointRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidEndpoint, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, raw)
	}
	return nil
}

// Validate checks endpoints, timeouts and delay ranges.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrEndpointRequired
	}
	for _, ep := range c.Endpoints {
		if err := ValidateEndpoint(ep); err != nil {
			return err
		}
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout=%v", ErrInvalidTimeout, c.ConnectTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("%w: shutdown_grace=%v", ErrInvalidTimeout, c.ShutdownGrace)
	}
	if c.SettleDelay <= 0 {
		return fmt.Errorf("%w: settle_delay=%v must be positive", ErrInvalidDelayRange, c.SettleDelay)
	}
	ranges := []struct {
		name string
		r    DelayRange
	}{
		{"auth_delay", c.AuthDelay},
		{"pong_delay", c.PongDelay},
		{"idle_delay", c.IdleDelay},
		{"ping_delay", c.PingDelay},
	}
	for _, item := range ranges {
		if err := item.r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", item.name, err)
		}
	}
	return nil
}

// ClientTLSConfig builds the TLS client config for the given endpoint host.
// Peer verification is skipped when TLS.InsecureSkipVerify is set.
func (c Config) ClientTLSConfig(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTLSCAFileUnreadable, caPath, err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: %s", ErrTLSCAFileUnparseable, caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
