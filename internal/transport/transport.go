// Package transport adapts sockets to the byte-oriented connection the engine
// consumes. TCP connections deliver arbitrary chunks of a stream; UDP connections
// deliver one datagram per Receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type Conn interface {
	Send(ctx context.Context, b []byte) error
	// Receive blocks until bytes are available, ctx is done or the connection fails.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, network, address string) (Conn, error)
}

const receiveBufferSize = 32 * 1024

type NetDialer struct {
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context, network, address string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %v", models.ErrTransport, network, address, err)
	}
	return NewConn(conn), nil
}

type netConn struct {
	conn net.Conn
	buf  []byte
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn) Conn {
	return &netConn{conn: conn, buf: make([]byte, receiveBufferSize)}
}

// watch ties ctx to the socket deadline set by setDeadline, so cancelling ctx
// interrupts a blocked read or write.
func watch(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	deadline, _ := ctx.Deadline()
	_ = setDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
}

func (c *netConn) Send(ctx context.Context, b []byte) error {
	stop := watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	_, err := c.conn.Write(b)
	if err != nil {
		return c.wrap(ctx, err)
	}
	return nil
}

func (c *netConn) Receive(ctx context.Context) ([]byte, error) {
	stop := watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	n, err := c.conn.Read(c.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	}
	if err == nil {
		return []byte{}, nil
	}
	return nil, c.wrap(ctx, err)
}

func (c *netConn) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", models.ErrTransport, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: %v", models.ErrTransport, err)
}

func (c *netConn) Close() error {
	return c.conn.Close()
}
