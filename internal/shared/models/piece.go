package models

type BlockStatus uint8

const (
	BlockMissing BlockStatus = iota
	BlockPending
	BlockRetrieved
)

func (s BlockStatus) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockRetrieved:
		return "retrieved"
	default:
		return "missing"
	}
}

// Block is a sub-range of a piece. Data is only set while the block is Retrieved
// and its piece has not been flushed yet.
type Block struct {
	Piece  int
	Offset int
	Length int
	Status BlockStatus
	Data   []byte
}

type Piece struct {
	Index  int
	Length int
	Hash   Hash
	Blocks []Block
}

// NewPiece lays out contiguous blocks of blockSize covering [0, length). The last
// block holds the remainder.
func NewPiece(index, length, blockSize int, hash Hash) Piece {
	blocks := make([]Block, 0, (length+blockSize-1)/blockSize)
	for offset := 0; offset < length; offset += blockSize {
		blocks = append(blocks, Block{
			Piece:  index,
			Offset: offset,
			Length: min(blockSize, length-offset),
		})
	}
	return Piece{Index: index, Length: length, Hash: hash, Blocks: blocks}
}

func (p *Piece) IsComplete() bool {
	for i := range p.Blocks {
		if p.Blocks[i].Status != BlockRetrieved {
			return false
		}
	}
	return true
}

// Ongoing reports whether any block is pending or retrieved.
func (p *Piece) Ongoing() bool {
	for i := range p.Blocks {
		if p.Blocks[i].Status != BlockMissing {
			return true
		}
	}
	return false
}

// Data concatenates block payloads in offset order.
func (p *Piece) Data() []byte {
	data := make([]byte, 0, p.Length)
	for i := range p.Blocks {
		data = append(data, p.Blocks[i].Data...)
	}
	return data
}

func (p *Piece) NextMissing() *Block {
	for i := range p.Blocks {
		if p.Blocks[i].Status == BlockMissing {
			return &p.Blocks[i]
		}
	}
	return nil
}

// Block returns the block starting at offset, or nil.
func (p *Piece) Block(offset int) *Block {
	if len(p.Blocks) == 0 || offset < 0 {
		return nil
	}
	i := offset / p.Blocks[0].Length
	if i >= len(p.Blocks) || p.Blocks[i].Offset != offset {
		return nil
	}
	return &p.Blocks[i]
}

func (p *Piece) Reset() {
	for i := range p.Blocks {
		p.Blocks[i].Status = BlockMissing
		p.Blocks[i].Data = nil
	}
}

// Release drops block payloads once the piece has been written out.
func (p *Piece) Release() {
	for i := range p.Blocks {
		p.Blocks[i].Data = nil
	}
}
