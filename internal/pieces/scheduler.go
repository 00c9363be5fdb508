package pieces

import (
	"log/slog"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

// AddPeer records the pieces a peer advertises in its bitfield, replacing anything
// recorded for it before. Bits past the last piece are ignored.
func (s *Store) AddPeer(peerID string, bitfield []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.peers[peerID]; ok {
		s.forget(old)
	}

	pieces := roaring.New()
	field := models.Bitfield(bitfield)
	for i := range s.pieces {
		if field.Has(i) {
			pieces.Add(uint32(i))
			s.availability[i]++
		}
	}
	s.peers[peerID] = pieces
}

// UpdatePeer records a Have announcement. Peers that skipped the bitfield are
// registered on their first Have.
func (s *Store) UpdatePeer(peerID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return
	}
	pieces, ok := s.peers[peerID]
	if !ok {
		pieces = roaring.New()
		s.peers[peerID] = pieces
	}
	if pieces.CheckedAdd(uint32(index)) {
		s.availability[index]++
	}
}

// RemovePeer forgets a peer and returns its pending blocks to missing. Retrieved
// blocks are kept.
func (s *Store) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieces, ok := s.peers[peerID]; ok {
		s.forget(pieces)
		delete(s.peers, peerID)
	}
	s.releaseRequests(peerID)
}

// ReleaseRequests returns the pending blocks of a peer to missing, e.g. after it
// choked us.
func (s *Store) ReleaseRequests(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseRequests(peerID)
}

func (s *Store) forget(pieces *roaring.Bitmap) {
	it := pieces.Iterator()
	for it.HasNext() {
		s.availability[it.Next()]--
	}
}

func (s *Store) releaseRequests(peerID string) {
	for key, req := range s.pending {
		if req.peerID != peerID {
			continue
		}
		delete(s.pending, key)
		if block := s.pieces[key.piece].Block(key.offset); block != nil && block.Status == models.BlockPending {
			block.Status = models.BlockMissing
		}
	}
}

// NextRequest picks the next block to ask peerID for and marks it pending. In order
// of preference it hands out: a block whose request expired, the next missing block
// of a piece already in progress, or the first block of the rarest piece the peer
// has. It returns false when the peer has nothing we need.
func (s *Store) NextRequest(peerID string) (models.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pieces, ok := s.peers[peerID]
	if !ok || s.closed {
		return models.Block{}, false
	}

	block := s.reclaimExpired(pieces)
	if block == nil {
		block = s.nextOngoing(pieces)
	}
	if block == nil {
		block = s.nextRarest(pieces)
	}
	if block == nil {
		return models.Block{}, false
	}

	block.Status = models.BlockPending
	s.pending[blockKey{piece: block.Piece, offset: block.Offset}] = pendingRequest{peerID: peerID, issued: s.now()}
	if s.states[block.Piece] == stateMissing {
		s.states[block.Piece] = stateOngoing
	}

	out := *block
	out.Data = nil
	return out, true
}

// reclaimExpired resets every request older than maxPendingTime and returns the
// first reclaimed block the peer can serve.
func (s *Store) reclaimExpired(pieces *roaring.Bitmap) *models.Block {
	now := s.now()
	expired := make([]blockKey, 0)
	for key, req := range s.pending {
		if now.Sub(req.issued) > s.maxPendingTime {
			expired = append(expired, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].piece != expired[j].piece {
			return expired[i].piece < expired[j].piece
		}
		return expired[i].offset < expired[j].offset
	})

	var candidate *models.Block
	for _, key := range expired {
		req := s.pending[key]
		delete(s.pending, key)
		block := s.pieces[key.piece].Block(key.offset)
		if block == nil || block.Status != models.BlockPending {
			continue
		}
		block.Status = models.BlockMissing
		s.log.Info("request expired", slog.String("peer", req.peerID), slog.Int("piece", key.piece), slog.Int("offset", key.offset))
		if candidate == nil && pieces.Contains(uint32(key.piece)) {
			candidate = block
		}
	}
	return candidate
}

func (s *Store) nextOngoing(pieces *roaring.Bitmap) *models.Block {
	it := pieces.Iterator()
	for it.HasNext() {
		index := int(it.Next())
		if s.states[index] != stateOngoing {
			continue
		}
		if block := s.pieces[index].NextMissing(); block != nil {
			return block
		}
	}
	return nil
}

// nextRarest promotes the missing piece advertised by the fewest peers, lowest index
// first on ties.
func (s *Store) nextRarest(pieces *roaring.Bitmap) *models.Block {
	rarest := -1
	it := pieces.Iterator()
	for it.HasNext() {
		index := int(it.Next())
		if s.states[index] != stateMissing {
			continue
		}
		if rarest == -1 || s.availability[index] < s.availability[rarest] {
			rarest = index
		}
	}
	if rarest == -1 {
		return nil
	}
	s.states[rarest] = stateOngoing
	return s.pieces[rarest].NextMissing()
}
