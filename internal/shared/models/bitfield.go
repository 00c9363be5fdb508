package models

// Bitfield holds one bit per piece, most significant bit first within each byte.
type Bitfield []byte

func NewBitfield(pieces int) Bitfield {
	return make(Bitfield, (pieces+7)/8)
}

func (b Bitfield) Has(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(b) {
		return false
	}
	return b[byteIndex]>>uint(7-index%8)&1 == 1
}

func (b Bitfield) Set(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(b) {
		return
	}
	b[byteIndex] |= 1 << uint(7-index%8)
}
