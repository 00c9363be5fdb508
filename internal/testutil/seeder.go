package testutil

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/WendelHime/gotorrent/v2/internal/p2p"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

// Seeder serves a torrent's pieces over loopback TCP. It answers every handshake for
// its info hash, advertises its pieces, unchokes immediately and replies to each
// request in order.
type Seeder struct {
	listener    net.Listener
	infoHash    models.Hash
	content     []byte
	pieceLength int
	bitfield    models.Bitfield

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests int
	wg       sync.WaitGroup
}

type SeederOption func(*Seeder)

// WithPieces restricts the pieces the seeder advertises and serves.
func WithPieces(indexes ...int) SeederOption {
	return func(s *Seeder) {
		s.bitfield = models.NewBitfield(s.numPieces())
		for _, i := range indexes {
			s.bitfield.Set(i)
		}
	}
}

func NewSeeder(meta models.Metafile, content []byte, opts ...SeederOption) (*Seeder, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Seeder{
		listener:    listener,
		infoHash:    meta.InfoHash,
		content:     content,
		pieceLength: meta.Info.PieceLength,
		conns:       make(map[net.Conn]struct{}),
	}
	s.bitfield = models.NewBitfield(s.numPieces())
	for i := 0; i < s.numPieces(); i++ {
		s.bitfield.Set(i)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *Seeder) numPieces() int {
	return (len(s.content) + s.pieceLength - 1) / s.pieceLength
}

func (s *Seeder) Addr() models.Addr {
	addr := s.listener.Addr().(*net.TCPAddr)
	return models.Addr{IP: addr.IP.To4(), Port: uint16(addr.Port)}
}

// Requests reports how many block requests the seeder answered.
func (s *Seeder) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Seeder) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Seeder) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			_ = s.serve(conn)
		}()
	}
}

func (s *Seeder) serve(conn net.Conn) error {
	buf := make([]byte, p2p.HandshakeSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	remote, _, err := p2p.DecodeHandshake(buf)
	if err != nil {
		return err
	}
	if err := remote.Validate(s.infoHash); err != nil {
		return err
	}

	reply := p2p.Handshake{InfoHash: s.infoHash}
	copy(reply.PeerID[:], "-TS0001-seeder000000")
	out := append(reply.Bytes(), p2p.Encode(models.NewBitfieldMessage(s.bitfield))...)
	out = append(out, p2p.Encode(models.NewUnchoke())...)
	if _, err := conn.Write(out); err != nil {
		return err
	}

	for {
		msg, err := readMessage(conn)
		if err != nil {
			return err
		}
		if msg.KeepAlive || msg.ID != models.MessageIDRequest {
			continue
		}

		index := int(msg.Index)
		start := index*s.pieceLength + int(msg.Begin)
		end := start + int(msg.Length)
		if !s.bitfield.Has(index) || end > len(s.content) || int(msg.Begin)+int(msg.Length) > s.pieceLength {
			return errors.New("request outside served pieces")
		}

		s.mu.Lock()
		s.requests++
		s.mu.Unlock()

		piece := models.NewPieceMessage(msg.Index, msg.Begin, s.content[start:end])
		if _, err := conn.Write(p2p.Encode(piece)); err != nil {
			return err
		}
	}
}

func readMessage(r io.Reader) (models.Message, error) {
	frame := make([]byte, 4)
	if _, err := io.ReadFull(r, frame); err != nil {
		return models.Message{}, err
	}
	length := binary.BigEndian.Uint32(frame)
	if length > p2p.MaxMessageLength {
		return models.Message{}, errors.New("frame too long")
	}
	frame = append(frame, make([]byte, length)...)
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return models.Message{}, err
	}
	msg, _, err := p2p.Decode(frame)
	return msg, err
}
