// Package transport opens presence channels.
//
// Ownership boundary:
// - websocket dial with connect timeout, TLS posture and outbound headers
// - optional SOCKS5 egress described by a proxy descriptor
// - full-duplex text channel whose receive path reports a tagged status
//
// A Channel is owned by exactly one session. Close is idempotent.
package transport
