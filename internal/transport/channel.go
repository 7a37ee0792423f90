package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReceiveStatus tags the outcome of one Receive.
type ReceiveStatus int

const (
	ReceiveOK ReceiveStatus = iota
	ReceiveClosed
	ReceiveCancelled
	ReceiveFailed
)

func (s ReceiveStatus) String() string {
	switch s {
	case ReceiveOK:
		return "ok"
	case ReceiveClosed:
		return "closed"
	case ReceiveCancelled:
		return "cancelled"
	case ReceiveFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Frame is one tagged receive result. Payload is set only for ReceiveOK.
type Frame struct {
	Payload []byte
	Status  ReceiveStatus
	Err     error
}

// Channel is a full-duplex message channel owned by one session.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) Frame
	Close() error
}

const closeWriteWait = time.Second

type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.closed.Load() || isClosedErr(err) {
			return errors.Join(ErrClosed, err)
		}
		return err
	}
	return nil
}

// Receive blocks for the next data message. Cancelling ctx unblocks the read by
// expiring its deadline; the channel is unusable afterwards.
func (c *wsChannel) Receive(ctx context.Context) Frame {
	if c.closed.Load() {
		return Frame{Status: ReceiveClosed, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Frame{Status: ReceiveCancelled, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	switch {
	case err == nil:
		return Frame{Payload: data, Status: ReceiveOK}
	case ctx.Err() != nil:
		return Frame{Status: ReceiveCancelled, Err: ctx.Err()}
	case c.closed.Load() || isClosedErr(err):
		return Frame{Status: ReceiveClosed, Err: errors.Join(ErrClosed, err)}
	default:
		return Frame{Status: ReceiveFailed, Err: err}
	}
}

// Close sends a best-effort close frame and releases the socket. Only the first call
// reports the socket close error; later calls are no-ops.
func (c *wsChannel) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.conn.Close()
	})
	if first {
		return c.closeErr
	}
	return nil
}

func isClosedErr(err error) bool {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return true
	case errors.Is(err, websocket.ErrCloseSent):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	default:
		return false
	}
}
