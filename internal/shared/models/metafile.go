package models

import "encoding/hex"

type Metafile struct {
	Announce     string
	AnnounceList [][]string
	Info         Info
	InfoHash     Hash
}

type Info struct {
	Name         string
	Length       int64
	PieceLength  int
	PiecesHashes []Hash
	Files        []File
}

type File struct {
	Length int64
	Path   []string
}

type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (m Metafile) NumPieces() int {
	return len(m.Info.PiecesHashes)
}

// PieceSize returns the length of piece index. Only the last piece may be shorter
// than PieceLength.
func (m Metafile) PieceSize(index int) int {
	begin := int64(index) * int64(m.Info.PieceLength)
	left := m.Info.Length - begin
	if left < int64(m.Info.PieceLength) {
		return int(left)
	}
	return m.Info.PieceLength
}
