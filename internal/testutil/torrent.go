// Package testutil builds torrents, seeders and trackers for exercising the
// download engine end to end.
package testutil

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/WendelHime/gotorrent/v2/internal/bencode"
	"github.com/WendelHime/gotorrent/v2/internal/decoder"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type File struct {
	Path []string
	Data []byte
}

type Torrent struct {
	Name        string
	Announce    string
	PieceLength int
	// Files holds a single entry with an empty Path for single-file torrents.
	Files []File
}

// RandomData returns n bytes that are the same for every call with the same seed.
func RandomData(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

func SingleFile(name string, data []byte, pieceLength int) Torrent {
	return Torrent{Name: name, PieceLength: pieceLength, Files: []File{{Data: data}}}
}

func (t Torrent) multiFile() bool {
	return len(t.Files) != 1 || len(t.Files[0].Path) > 0
}

// Content is the torrent's byte stream: every file in order.
func (t Torrent) Content() []byte {
	var buf bytes.Buffer
	for _, f := range t.Files {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

func (t Torrent) pieces() []byte {
	content := t.Content()
	var hashes []byte
	for off := 0; off < len(content); off += t.PieceLength {
		sum := sha1.Sum(content[off:min(off+t.PieceLength, len(content))])
		hashes = append(hashes, sum[:]...)
	}
	return hashes
}

// Encode renders the .torrent file.
func (t Torrent) Encode() []byte {
	info := []bencode.Entry{}
	if t.multiFile() {
		files := make([]bencode.Value, 0, len(t.Files))
		for _, f := range t.Files {
			path := make([]bencode.Value, 0, len(f.Path))
			for _, p := range f.Path {
				path = append(path, bencode.String(p))
			}
			files = append(files, bencode.Dict(
				bencode.E("length", bencode.Int(int64(len(f.Data)))),
				bencode.E("path", bencode.List(path...)),
			))
		}
		info = append(info, bencode.E("files", bencode.List(files...)))
	} else {
		info = append(info, bencode.E("length", bencode.Int(int64(len(t.Files[0].Data)))))
	}
	info = append(info,
		bencode.E("name", bencode.String(t.Name)),
		bencode.E("piece length", bencode.Int(int64(t.PieceLength))),
		bencode.E("pieces", bencode.Bytes(t.pieces())),
	)

	return bencode.Encode(bencode.Dict(
		bencode.E("announce", bencode.String(t.Announce)),
		bencode.E("info", bencode.Dict(info...)),
	))
}

// Metafile parses Encode's output the way the engine does.
func (t Torrent) Metafile() (models.Metafile, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return decoder.NewDecoder(logger).Decode(bytes.NewReader(t.Encode()))
}
