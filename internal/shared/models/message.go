package models

import "fmt"

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

var messageNames = [...]string{
	MessageIDChoke:         "choke",
	MessageIDUnchoke:       "unchoke",
	MessageIDInterested:    "interested",
	MessageIDNotInterested: "not_interested",
	MessageIDHave:          "have",
	MessageIDBitfield:      "bitfield",
	MessageIDRequest:       "request",
	MessageIDPiece:         "piece",
	MessageIDCancel:        "cancel",
}

func (id MessageID) String() string {
	if int(id) < len(messageNames) {
		return messageNames[id]
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one peer wire message. ID selects which of the remaining fields are
// meaningful; a KeepAlive message carries nothing else.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Index     uint32
	Begin     uint32
	Length    uint32
	Bitfield  []byte
	Block     []byte
}

func NewKeepAlive() Message { return Message{KeepAlive: true} }

func NewChoke() Message         { return Message{ID: MessageIDChoke} }
func NewUnchoke() Message       { return Message{ID: MessageIDUnchoke} }
func NewInterested() Message    { return Message{ID: MessageIDInterested} }
func NewNotInterested() Message { return Message{ID: MessageIDNotInterested} }

func NewHave(index uint32) Message {
	return Message{ID: MessageIDHave, Index: index}
}

func NewBitfieldMessage(bitfield []byte) Message {
	return Message{ID: MessageIDBitfield, Bitfield: bitfield}
}

func NewRequest(index, begin, length uint32) Message {
	return Message{ID: MessageIDRequest, Index: index, Begin: begin, Length: length}
}

func NewPieceMessage(index, begin uint32, block []byte) Message {
	return Message{ID: MessageIDPiece, Index: index, Begin: begin, Block: block}
}

func NewCancel(index, begin, length uint32) Message {
	return Message{ID: MessageIDCancel, Index: index, Begin: begin, Length: length}
}

func (m Message) String() string {
	if m.KeepAlive {
		return "keep_alive"
	}
	switch m.ID {
	case MessageIDHave:
		return fmt.Sprintf("have(%d)", m.Index)
	case MessageIDRequest, MessageIDCancel:
		return fmt.Sprintf("%s(%d, %d, %d)", m.ID, m.Index, m.Begin, m.Length)
	case MessageIDPiece:
		return fmt.Sprintf("piece(%d, %d, %d bytes)", m.Index, m.Begin, len(m.Block))
	case MessageIDBitfield:
		return fmt.Sprintf("bitfield(%d bytes)", len(m.Bitfield))
	}
	return m.ID.String()
}
