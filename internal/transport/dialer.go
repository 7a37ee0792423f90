package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// Target is everything needed to open one channel.
type Target struct {
	Endpoint string
	TLS      *tls.Config
	Headers  http.Header
	Proxy    *Proxy
}

// Opener opens channels. Dialer is the network implementation.
type Opener interface {
	Open(ctx context.Context, target Target) (Channel, error)
}

// Dialer opens websocket channels, directly or through a SOCKS5 proxy.
type Dialer struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

var _ Opener = (*Dialer)(nil)

// Open dials target. Every failure before the channel is usable is a *ConnectError.
func (d *Dialer) Open(ctx context.Context, target Target) (Channel, error) {
	endpoint := strings.TrimSpace(target.Endpoint)
	if endpoint == "" {
		return nil, &ConnectError{Via: target.Proxy.String(), Err: ErrEndpointRequired}
	}

	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = connectTimeout
	}

	netDial, err := d.netDialer(target.Proxy, connectTimeout)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Via: target.Proxy.String(), Err: err}
	}

	wsDialer := websocket.Dialer{
		NetDialContext:   netDial,
		TLSClientConfig:  target.TLS,
		HandshakeTimeout: handshakeTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, resp, err := wsDialer.DialContext(dialCtx, endpoint, target.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		cerr := &ConnectError{Endpoint: endpoint, Via: target.Proxy.String(), Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return newWSChannel(conn, d.WriteTimeout), nil
}

func (d *Dialer) netDialer(px *Proxy, timeout time.Duration) (func(context.Context, string, string) (net.Conn, error), error) {
	base := &net.Dialer{Timeout: timeout}
	if px == nil {
		return base.DialContext, nil
	}

	var auth *proxy.Auth
	if px.Username != "" {
		auth = &proxy.Auth{User: px.Username, Password: px.Password}
	}
	socks, err := proxy.SOCKS5("tcp", px.Addr(), auth, base)
	if err != nil {
		return nil, err
	}
	ctxDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: %s dialer lacks context support", ErrUnsupportedProxy, px.Scheme)
	}
	return ctxDialer.DialContext, nil
}
