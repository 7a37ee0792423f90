package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnect          = errors.New("transport: connect failed")
	ErrClosed           = errors.New("transport: connection closed")
	ErrInvalidProxy     = errors.New("transport: invalid proxy descriptor")
	ErrUnsupportedProxy = errors.New("transport: unsupported proxy scheme")
	ErrEndpointRequired = errors.New("transport: endpoint required")
)

// ConnectError covers dial, proxy negotiation, TLS and websocket upgrade failures.
type ConnectError struct {
	Endpoint   string
	Via        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	via := e.Via
	if via == "" {
		via = "direct"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v endpoint=%q via=%s status=%d: %v", ErrConnect, e.Endpoint, via, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v endpoint=%q via=%s: %v", ErrConnect, e.Endpoint, via, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}
