package p2p

import (
	"context"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
)

// P2PClient speaks the peer wire protocol over one connection. ReadMessage and
// WriteMessage may be called from different goroutines.
type P2PClient interface {
	Connect(ctx context.Context, address models.Addr) error
	Disconnect() error
	Handshake(ctx context.Context, hash models.Hash) (Handshake, error)
	ReadMessage(ctx context.Context) (models.Message, error)
	WriteMessage(ctx context.Context, msg models.Message) error
}

type client struct {
	peerID [20]byte
	dialer transport.Dialer
	conn   transport.Conn
	// buf holds received bytes that do not form a complete frame yet.
	buf []byte
}

func NewClient(peerID [20]byte, dialer transport.Dialer) P2PClient {
	return &client{peerID: peerID, dialer: dialer}
}

func (c *client) Connect(ctx context.Context, address models.Addr) error {
	conn, err := c.dialer.Dial(ctx, "tcp", address.String())
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *client) Disconnect() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Handshake sends ours and waits for the remote one, which must name the same
// torrent. Bytes the peer sent after its handshake are kept for ReadMessage.
func (c *client) Handshake(ctx context.Context, hash models.Hash) (Handshake, error) {
	req := Handshake{InfoHash: hash, PeerID: c.peerID}
	if err := c.conn.Send(ctx, req.Bytes()); err != nil {
		return Handshake{}, err
	}

	for {
		resp, n, err := DecodeHandshake(c.buf)
		if err != nil {
			return Handshake{}, err
		}
		if n > 0 {
			c.buf = c.buf[n:]
			return resp, resp.Validate(hash)
		}
		if err := c.fill(ctx); err != nil {
			return Handshake{}, err
		}
	}
}

func (c *client) WriteMessage(ctx context.Context, msg models.Message) error {
	return c.conn.Send(ctx, Encode(msg))
}

func (c *client) ReadMessage(ctx context.Context) (models.Message, error) {
	for {
		msg, n, err := Decode(c.buf)
		if err != nil {
			return models.Message{}, err
		}
		if n > 0 {
			c.buf = c.buf[n:]
			return msg, nil
		}
		if err := c.fill(ctx); err != nil {
			return models.Message{}, err
		}
	}
}

func (c *client) fill(ctx context.Context) error {
	chunk, err := c.conn.Receive(ctx)
	if err != nil {
		return err
	}
	c.buf = append(c.buf, chunk...)
	return nil
}
