package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

const (
	lengthPrefixSize = 4
	// MaxMessageLength bounds a frame so a hostile length prefix cannot make us
	// buffer arbitrary amounts of memory.
	MaxMessageLength = 1<<20 + 9
)

// payloadShape describes the payload carried by one message id. Variable payloads
// carry at least size bytes.
type payloadShape struct {
	size     int
	variable bool
	decode   func(payload []byte, msg *models.Message)
	encode   func(msg models.Message) []byte
}

var shapes = map[models.MessageID]payloadShape{
	models.MessageIDChoke:         {size: 0},
	models.MessageIDUnchoke:       {size: 0},
	models.MessageIDInterested:    {size: 0},
	models.MessageIDNotInterested: {size: 0},
	models.MessageIDHave: {
		size:   4,
		decode: func(p []byte, m *models.Message) { m.Index = binary.BigEndian.Uint32(p) },
		encode: func(m models.Message) []byte { return binary.BigEndian.AppendUint32(nil, m.Index) },
	},
	models.MessageIDBitfield: {
		variable: true,
		decode:   func(p []byte, m *models.Message) { m.Bitfield = clone(p) },
		encode:   func(m models.Message) []byte { return m.Bitfield },
	},
	models.MessageIDRequest: {size: 12, decode: decodeBlockRef, encode: encodeBlockRef},
	models.MessageIDPiece: {
		size:     8,
		variable: true,
		decode: func(p []byte, m *models.Message) {
			m.Index = binary.BigEndian.Uint32(p[0:4])
			m.Begin = binary.BigEndian.Uint32(p[4:8])
			m.Block = clone(p[8:])
		},
		encode: func(m models.Message) []byte {
			buf := make([]byte, 8, 8+len(m.Block))
			binary.BigEndian.PutUint32(buf[0:4], m.Index)
			binary.BigEndian.PutUint32(buf[4:8], m.Begin)
			return append(buf, m.Block...)
		},
	},
	models.MessageIDCancel: {size: 12, decode: decodeBlockRef, encode: encodeBlockRef},
}

func decodeBlockRef(p []byte, m *models.Message) {
	m.Index = binary.BigEndian.Uint32(p[0:4])
	m.Begin = binary.BigEndian.Uint32(p[4:8])
	m.Length = binary.BigEndian.Uint32(p[8:12])
}

func encodeBlockRef(m models.Message) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], m.Index)
	binary.BigEndian.PutUint32(buf[4:8], m.Begin)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	return buf
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Encode frames msg with its 4 byte big endian length prefix.
func Encode(msg models.Message) []byte {
	if msg.KeepAlive {
		return make([]byte, lengthPrefixSize)
	}

	var payload []byte
	if shape, ok := shapes[msg.ID]; ok && shape.encode != nil {
		payload = shape.encode(msg)
	}

	buf := make([]byte, lengthPrefixSize+1, lengthPrefixSize+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[lengthPrefixSize] = byte(msg.ID)
	return append(buf, payload...)
}

// Decode parses one message from the start of buf. When buf does not yet hold a
// complete frame it returns consumed == 0 and a nil error so the caller can wait for
// more bytes.
func Decode(buf []byte) (msg models.Message, consumed int, err error) {
	if len(buf) < lengthPrefixSize {
		return msg, 0, nil
	}

	length := binary.BigEndian.Uint32(buf)
	if length > MaxMessageLength {
		return msg, 0, fmt.Errorf("%w: message length %d exceeds %d", models.ErrProtocolViolation, length, MaxMessageLength)
	}
	if length == 0 {
		return models.NewKeepAlive(), lengthPrefixSize, nil
	}

	frameLen := lengthPrefixSize + int(length)
	if len(buf) < frameLen {
		return msg, 0, nil
	}

	msg.ID = models.MessageID(buf[lengthPrefixSize])
	payload := buf[lengthPrefixSize+1 : frameLen]

	shape, ok := shapes[msg.ID]
	if !ok {
		return models.Message{}, 0, fmt.Errorf("%w: unknown message id %d", models.ErrProtocolViolation, uint8(msg.ID))
	}
	if !shape.fits(len(payload)) {
		return models.Message{}, 0, fmt.Errorf("%w: %d payload bytes for %s", models.ErrProtocolViolation, len(payload), msg.ID)
	}
	if shape.decode != nil {
		shape.decode(payload, &msg)
	}

	return msg, frameLen, nil
}

func (s payloadShape) fits(n int) bool {
	if s.variable {
		return n >= s.size
	}
	return n == s.size
}
