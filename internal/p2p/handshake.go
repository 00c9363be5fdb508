package p2p

import (
	"bytes"
	"fmt"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

const (
	protocolName  = "BitTorrent protocol"
	HandshakeSize = 1 + len(protocolName) + 8 + 20 + 20
)

type Handshake struct {
	InfoHash models.Hash
	PeerID   [20]byte
}

// Bytes encodes the handshake: pstrlen, pstr, eight reserved bytes, info hash and
// peer id.
func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake parses a handshake from the start of buf, returning consumed == 0
// while buf is still too short.
func DecodeHandshake(buf []byte) (Handshake, int, error) {
	if len(buf) < 1 {
		return Handshake{}, 0, nil
	}
	if int(buf[0]) != len(protocolName) {
		return Handshake{}, 0, fmt.Errorf("%w: protocol name length %d", models.ErrProtocolViolation, buf[0])
	}
	if len(buf) < HandshakeSize {
		return Handshake{}, 0, nil
	}
	if !bytes.Equal(buf[1:1+len(protocolName)], []byte(protocolName)) {
		return Handshake{}, 0, fmt.Errorf("%w: unexpected protocol %q", models.ErrProtocolViolation, buf[1:1+len(protocolName)])
	}

	var h Handshake
	offset := 1 + len(protocolName) + 8
	copy(h.InfoHash[:], buf[offset:offset+20])
	copy(h.PeerID[:], buf[offset+20:HandshakeSize])
	return h, HandshakeSize, nil
}

// Validate checks that the remote side serves the torrent we asked for.
func (h Handshake) Validate(infoHash models.Hash) error {
	if h.InfoHash != infoHash {
		return fmt.Errorf("%w: info hash %s does not match %s", models.ErrProtocolViolation, h.InfoHash, infoHash)
	}
	return nil
}
