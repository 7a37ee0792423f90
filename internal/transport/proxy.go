package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Proxy describes one SOCKS5 egress: scheme://[user:pass@]host:port.
type Proxy struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy parses a proxy descriptor. Only socks5 and socks5h are accepted.
func ParseProxy(raw string) (*Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty descriptor", ErrInvalidProxy)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "socks5", "socks5h":
	case "":
		return nil, fmt.Errorf("%w: missing scheme", ErrInvalidProxy)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidProxy, u.Port())
	}
	p := &Proxy{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// ParseProxyList parses descriptors, skipping blanks and `#` comments.
func ParseProxyList(lines []string) ([]*Proxy, error) {
	out := make([]*Proxy, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseProxy(line)
		if err != nil {
			return nil, fmt.Errorf("proxy[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Addr is the host:port of the proxy server.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String renders the descriptor with the password redacted.
func (p *Proxy) String() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Scheme)
	b.WriteString("://")
	if p.Username != "" {
		b.WriteString(url.User(p.Username).String())
		if p.Password != "" {
			b.WriteString(":***")
		}
		b.WriteString("@")
	}
	b.WriteString(p.Addr())
	return b.String()
}
