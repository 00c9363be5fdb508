package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
)

// Scheduler is the shared piece state a session reports to and takes requests from.
type Scheduler interface {
	AddPeer(peerID string, bitfield []byte)
	UpdatePeer(peerID string, index int)
	RemovePeer(peerID string)
	ReleaseRequests(peerID string)
	NextRequest(peerID string) (models.Block, bool)
	BlockReceived(peerID string, index, begin int, data []byte) error
}

type SessionConfig struct {
	InfoHash  models.Hash
	PeerID    [20]byte
	NumPieces int
	// MaxPipelinedRequests caps the requests outstanding with the peer.
	MaxPipelinedRequests int
	KeepAliveInterval    time.Duration
	HandshakeTimeout     time.Duration
	// RequestTimeout frees a pipeline slot whose request the peer never answered.
	RequestTimeout time.Duration
	// RequestPollInterval is how often an unchoked session with room in its pipeline
	// asks the scheduler again, picking up blocks other peers released or let expire.
	RequestPollInterval time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxPipelinedRequests: 5,
		KeepAliveInterval:    2 * time.Minute,
		HandshakeTimeout:     30 * time.Second,
		RequestTimeout:       5 * time.Minute,
		RequestPollInterval:  5 * time.Second,
	}
}

type blockRef struct {
	index, begin int
}

// Session drives the conversation with one remote peer.
type Session struct {
	addr      models.Addr
	cfg       SessionConfig
	client    P2PClient
	scheduler Scheduler
	log       *slog.Logger

	haves chan int
	done  chan struct{}

	// Owned by the Run goroutine.
	choked   bool
	inflight map[blockRef]time.Time
}

func NewSession(addr models.Addr, cfg SessionConfig, dialer transport.Dialer, scheduler Scheduler, logger *slog.Logger) *Session {
	defaults := DefaultSessionConfig()
	if cfg.MaxPipelinedRequests <= 0 {
		cfg.MaxPipelinedRequests = defaults.MaxPipelinedRequests
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RequestPollInterval <= 0 {
		cfg.RequestPollInterval = defaults.RequestPollInterval
	}

	haves := cfg.NumPieces
	if haves < 1 {
		haves = 1
	}
	return &Session{
		addr:      addr,
		cfg:       cfg,
		client:    NewClient(cfg.PeerID, dialer),
		scheduler: scheduler,
		log:       logger.With(slog.String("peer", addr.String())),
		haves:     make(chan int, haves),
		done:      make(chan struct{}),
		choked:    true,
		inflight:  make(map[blockRef]time.Time),
	}
}

// Key identifies the peer in the scheduler.
func (s *Session) Key() string {
	return s.addr.String()
}

// Have queues a Have announcement for a piece we completed. It never blocks once the
// session has stopped.
func (s *Session) Have(index int) {
	select {
	case s.haves <- index:
	case <-s.done:
	}
}

// Run connects to the peer and exchanges messages until ctx is done or the
// conversation fails. The peer's pending requests are released on return.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	if err := s.client.Connect(ctx, s.addr); err != nil {
		return err
	}
	defer func() { _ = s.client.Disconnect() }()
	defer s.scheduler.RemovePeer(s.Key())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	remote, err := s.client.Handshake(handshakeCtx, s.cfg.InfoHash)
	cancelHandshake()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	s.log.Debug("handshake completed", slog.String("remote-id", fmt.Sprintf("%q", remote.PeerID[:])))

	if err := s.client.WriteMessage(ctx, models.NewInterested()); err != nil {
		return err
	}

	messages := make(chan models.Message)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(ctx, messages, readErr)
	}()
	defer func() {
		cancel()
		<-readerDone
	}()

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	poll := time.NewTicker(s.cfg.RequestPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-messages:
			if err := s.handle(ctx, msg); err != nil {
				return err
			}
		case index := <-s.haves:
			if err := s.client.WriteMessage(ctx, models.NewHave(uint32(index))); err != nil {
				return err
			}
		case <-keepAlive.C:
			if err := s.client.WriteMessage(ctx, models.NewKeepAlive()); err != nil {
				return err
			}
			if err := s.requestBlocks(ctx); err != nil {
				return err
			}
		case <-poll.C:
			if err := s.requestBlocks(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, messages chan<- models.Message, readErr chan<- error) {
	for {
		msg, err := s.client.ReadMessage(ctx)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, msg models.Message) error {
	if msg.KeepAlive {
		return nil
	}

	switch msg.ID {
	case models.MessageIDChoke:
		s.choked = true
		s.scheduler.ReleaseRequests(s.Key())
		clear(s.inflight)
		return nil
	case models.MessageIDUnchoke:
		s.choked = false
	case models.MessageIDHave:
		if int(msg.Index) >= s.cfg.NumPieces {
			return fmt.Errorf("%w: have for piece %d of %d", models.ErrProtocolViolation, msg.Index, s.cfg.NumPieces)
		}
		s.scheduler.UpdatePeer(s.Key(), int(msg.Index))
	case models.MessageIDBitfield:
		if want := (s.cfg.NumPieces + 7) / 8; len(msg.Bitfield) != want {
			return fmt.Errorf("%w: bitfield of %d bytes, expected %d", models.ErrProtocolViolation, len(msg.Bitfield), want)
		}
		s.scheduler.AddPeer(s.Key(), msg.Bitfield)
	case models.MessageIDPiece:
		delete(s.inflight, blockRef{index: int(msg.Index), begin: int(msg.Begin)})
		err := s.scheduler.BlockReceived(s.Key(), int(msg.Index), int(msg.Begin), msg.Block)
		if errors.Is(err, models.ErrFileIO) {
			return err
		}
		if err != nil {
			s.log.Warn("block rejected", slog.Any("error", err))
		}
	default:
		// Interested, NotInterested, Request and Cancel only matter to seeders.
		s.log.Debug("ignoring message", slog.String("message", msg.String()))
		return nil
	}

	return s.requestBlocks(ctx)
}

// requestBlocks tops up the request pipeline while the peer lets us download.
func (s *Session) requestBlocks(ctx context.Context) error {
	now := time.Now()
	for ref, issued := range s.inflight {
		if now.Sub(issued) > s.cfg.RequestTimeout {
			delete(s.inflight, ref)
		}
	}

	for !s.choked && len(s.inflight) < s.cfg.MaxPipelinedRequests {
		block, ok := s.scheduler.NextRequest(s.Key())
		if !ok {
			return nil
		}
		req := models.NewRequest(uint32(block.Piece), uint32(block.Offset), uint32(block.Length))
		if err := s.client.WriteMessage(ctx, req); err != nil {
			return err
		}
		s.inflight[blockRef{index: block.Piece, begin: block.Offset}] = now
	}
	return nil
}
