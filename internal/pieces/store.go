// Package pieces owns the piece and block state of a download and decides which
// block each peer is asked for next.
package pieces

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

const (
	DefaultBlockSize      = 16 * 1024
	DefaultMaxPendingTime = 300 * time.Second
)

type pieceState uint8

const (
	stateMissing pieceState = iota
	stateOngoing
	stateHave
)

type blockKey struct {
	piece  int
	offset int
}

type pendingRequest struct {
	peerID string
	issued time.Time
}

// Store is the single owner of block state. Every mutation and scheduling decision
// happens under mu, which keeps at most one live request per block across all peer
// sessions.
type Store struct {
	mu sync.Mutex

	pieces       []models.Piece
	states       []pieceState
	pending      map[blockKey]pendingRequest
	peers        map[string]*roaring.Bitmap
	availability []int

	pieceLength int
	totalLength int64
	have        int
	downloaded  int64
	closed      bool

	out   io.WriterAt
	haves chan int

	blockSize      int
	maxPendingTime time.Duration
	now            func() time.Time
	log            *slog.Logger
}

type Option func(*Store)

func WithBlockSize(size int) Option {
	return func(s *Store) { s.blockSize = size }
}

func WithMaxPendingTime(d time.Duration) Option {
	return func(s *Store) { s.maxPendingTime = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.log = logger }
}

// NewStore lays out every piece of meta as missing blocks. Verified pieces are
// written to out at their offset in the torrent's byte stream.
func NewStore(meta models.Metafile, out io.WriterAt, opts ...Option) *Store {
	s := &Store{
		pending:        make(map[blockKey]pendingRequest),
		peers:          make(map[string]*roaring.Bitmap),
		pieceLength:    meta.Info.PieceLength,
		totalLength:    meta.Info.Length,
		out:            out,
		blockSize:      DefaultBlockSize,
		maxPendingTime: DefaultMaxPendingTime,
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	n := meta.NumPieces()
	s.pieces = make([]models.Piece, n)
	s.states = make([]pieceState, n)
	s.availability = make([]int, n)
	s.haves = make(chan int, n)
	for i, hash := range meta.Info.PiecesHashes {
		s.pieces[i] = models.NewPiece(i, meta.PieceSize(i), s.blockSize, hash)
	}
	return s
}

// Haves delivers the index of every piece that passed verification. The channel is
// closed by Close.
func (s *Store) Haves() <-chan int {
	return s.haves
}

func (s *Store) NumPieces() int {
	return len(s.pieces)
}

func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have == len(s.pieces)
}

func (s *Store) BytesDownloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}

// BytesUploaded is always zero: the engine does not serve blocks.
func (s *Store) BytesUploaded() int64 {
	return 0
}

func (s *Store) BytesLeft() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLength - s.downloaded
}

// BlockReceived records the payload of a block. Blocks that match no missing or
// pending block, or whose length differs, are logged and dropped. The returned error
// is only set when a verified piece cannot be written out.
func (s *Store) BlockReceived(peerID string, index, begin int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if index < 0 || index >= len(s.pieces) || s.states[index] == stateHave {
		s.log.Debug("discarding block for unwanted piece", slog.String("peer", peerID), slog.Int("piece", index), slog.Int("offset", begin))
		return nil
	}

	piece := &s.pieces[index]
	block := piece.Block(begin)
	if block == nil || block.Status == models.BlockRetrieved || len(data) != block.Length {
		s.log.Warn("discarding unexpected block", slog.String("peer", peerID), slog.Int("piece", index), slog.Int("offset", begin), slog.Int("length", len(data)))
		return nil
	}

	delete(s.pending, blockKey{piece: index, offset: begin})
	block.Status = models.BlockRetrieved
	block.Data = data
	if s.states[index] == stateMissing {
		s.states[index] = stateOngoing
	}

	if !piece.IsComplete() {
		return nil
	}
	return s.completePiece(piece)
}

func (s *Store) completePiece(piece *models.Piece) error {
	data := piece.Data()
	if sha1.Sum(data) != piece.Hash {
		piece.Reset()
		s.states[piece.Index] = stateMissing
		s.log.Warn("piece failed verification, downloading it again", slog.Int("piece", piece.Index), slog.Any("error", models.ErrHashMismatch))
		return nil
	}

	offset := int64(piece.Index) * int64(s.pieceLength)
	if _, err := s.out.WriteAt(data, offset); err != nil {
		piece.Reset()
		s.states[piece.Index] = stateMissing
		if !errors.Is(err, models.ErrFileIO) {
			err = fmt.Errorf("%w: writing piece %d: %v", models.ErrFileIO, piece.Index, err)
		}
		return err
	}

	piece.Release()
	s.states[piece.Index] = stateHave
	s.have++
	s.downloaded += int64(piece.Length)
	s.haves <- piece.Index
	s.log.Info("piece verified", slog.Int("piece", piece.Index), slog.Int("have", s.have), slog.Int("total", len(s.pieces)))
	return nil
}

// Close stops accepting blocks, closes the Haves channel and the output when it is
// an io.Closer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.haves)
	if closer, ok := s.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
