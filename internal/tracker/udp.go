package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
	"github.com/cenkalti/backoff/v5"
)

const (
	protocolID uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	connectRequestSize   = 16
	connectResponseSize  = 16
	announceRequestSize  = 98
	announceResponseSize = 20

	// Trackers accept a connection id for one minute after issuing it.
	connectionIDLifetime = time.Minute
)

type UDPOptions struct {
	// RoundTripTimeout bounds the wait for each response.
	RoundTripTimeout time.Duration
	// RetryInterval is the first pause between attempts; it doubles after every
	// timeout.
	RetryInterval time.Duration
	MaxTries      uint
	Port          uint16
}

func DefaultUDPOptions() UDPOptions {
	return UDPOptions{
		RoundTripTimeout: 5 * time.Second,
		RetryInterval:    time.Second,
		MaxTries:         4,
	}
}

type UDPAnnouncer struct {
	dialer transport.Dialer
	host   string
	opts   UDPOptions
	log    *slog.Logger
	key    uint32

	mu           sync.Mutex
	conn         transport.Conn
	connID       uint64
	connIDIssued time.Time
}

func NewUDPAnnouncer(dialer transport.Dialer, host string, opts UDPOptions, logger *slog.Logger) *UDPAnnouncer {
	return &UDPAnnouncer{
		dialer: dialer,
		host:   host,
		opts:   opts,
		log:    logger,
		key:    rand.Uint32(),
	}
}

func (u *UDPAnnouncer) Announce(ctx context.Context, req models.AnnounceRequest) (models.AnnounceResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	result, err := u.announce(ctx, req)
	if err != nil {
		u.reset()
		if !errors.Is(err, models.ErrTracker) {
			err = fmt.Errorf("%w: %w", models.ErrTracker, err)
		}
		return models.AnnounceResult{}, err
	}
	return result, nil
}

func (u *UDPAnnouncer) announce(ctx context.Context, req models.AnnounceRequest) (models.AnnounceResult, error) {
	if u.conn == nil {
		conn, err := u.dialer.Dial(ctx, "udp", u.host)
		if err != nil {
			return models.AnnounceResult{}, err
		}
		u.conn = conn
	}

	if u.connID == 0 || time.Since(u.connIDIssued) > connectionIDLifetime {
		resp, err := u.roundTrip(ctx, actionConnect, connectResponseSize, connectRequest)
		if err != nil {
			return models.AnnounceResult{}, fmt.Errorf("connect: %w", err)
		}
		u.connID = binary.BigEndian.Uint64(resp[8:16])
		u.connIDIssued = time.Now()
	}

	connID := u.connID
	resp, err := u.roundTrip(ctx, actionAnnounce, announceResponseSize, func(transactionID uint32) []byte {
		return u.announceRequest(connID, transactionID, req)
	})
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("announce: %w", err)
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	// leechers := resp[12:16], seeders := resp[16:20]
	peers, err := models.ParseCompactAddrs(resp[announceResponseSize:])
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: %v", models.ErrTracker, err)
	}

	result := models.AnnounceResult{Interval: announceInterval(int64(interval)), Peers: peers}
	return result, nil
}

func connectRequest(transactionID uint32) []byte {
	buf := make([]byte, connectRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], protocolID)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

func (u *UDPAnnouncer) announceRequest(connID uint64, transactionID uint32, req models.AnnounceRequest) []byte {
	port := req.Port
	if port == 0 {
		port = u.opts.Port
	}

	buf := make([]byte, announceRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: use the sender address
	binary.BigEndian.PutUint32(buf[88:92], u.key)
	binary.BigEndian.PutUint32(buf[92:96], 0xFFFFFFFF) // num_want: -1, tracker default
	binary.BigEndian.PutUint16(buf[96:98], port)
	return buf
}

// roundTrip sends the request built for a fresh transaction id and waits for the
// matching response. Datagrams carrying another transaction id are dropped; they
// answer earlier attempts. Timeouts are retried with exponential backoff, any other
// invalid response fails immediately.
func (u *UDPAnnouncer) roundTrip(ctx context.Context, action uint32, minSize int, build func(transactionID uint32) []byte) ([]byte, error) {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     u.opts.RetryInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         u.opts.RetryInterval << u.opts.MaxTries,
	}

	operation := func() ([]byte, error) {
		transactionID := rand.Uint32()
		if err := u.conn.Send(ctx, build(transactionID)); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, u.opts.RoundTripTimeout)
		defer cancel()
		stale := 0
		for {
			resp, err := u.conn.Receive(attemptCtx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, backoff.Permanent(ctx.Err())
				}
				if stale > 0 {
					return nil, fmt.Errorf("%w: %d responses with another transaction id than %d", models.ErrTracker, stale, transactionID)
				}
				return nil, err
			}
			if len(resp) >= 8 && binary.BigEndian.Uint32(resp[4:8]) != transactionID {
				stale++
				u.log.Debug("dropping udp tracker response", slog.String("tracker", u.host), slog.Int("transaction_id", int(binary.BigEndian.Uint32(resp[4:8]))))
				continue
			}
			if err := validateResponse(resp, action, minSize); err != nil {
				return nil, backoff.Permanent(err)
			}
			return resp, nil
		}
	}

	notify := func(err error, wait time.Duration) {
		u.log.Warn("udp tracker request failed, retrying", slog.String("tracker", u.host), slog.Any("error", err), slog.Duration("wait", wait))
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(u.opts.MaxTries),
		backoff.WithNotify(notify),
	)
}

func validateResponse(resp []byte, action uint32, minSize int) error {
	if len(resp) < 8 {
		return fmt.Errorf("%w: %d byte response", models.ErrTracker, len(resp))
	}
	gotAction := binary.BigEndian.Uint32(resp[0:4])
	if gotAction == actionError {
		return fmt.Errorf("%w: tracker says %q", models.ErrTracker, resp[8:])
	}
	if gotAction != action {
		return fmt.Errorf("%w: action %d, expected %d", models.ErrTracker, gotAction, action)
	}
	if len(resp) < minSize {
		return fmt.Errorf("%w: %d byte response, expected at least %d", models.ErrTracker, len(resp), minSize)
	}
	return nil
}

func (u *UDPAnnouncer) reset() {
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	u.connID = 0
}

func (u *UDPAnnouncer) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
