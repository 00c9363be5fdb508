package decoder

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

func TestMetainfoDecoder(t *testing.T) {
	decoder := NewDecoder(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var tests = []struct {
		name          string
		assert        func(t *testing.T, actual models.Metafile, err error)
		givenMetafile func() io.Reader
	}{
		{
			name: "validate multifile torrent",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.Nil(t, err)
				assert.Equal(t, "http://tracker.example.com", actual.Announce)
				assert.Equal(t, [][]string{{"http://tracker.example.com", "http://backup-tracker.com"}}, actual.AnnounceList)
				assert.Equal(t, "Torrent_Folder", actual.Info.Name)
				assert.Equal(t, 32768, actual.Info.PieceLength)
				assert.Equal(t, int64(3000), actual.Info.Length)
				assert.Equal(t, []models.File{
					{Path: []string{"Torrent_Folder", "subfolder1", "file1.txt"}, Length: 1000},
					{Path: []string{"Torrent_Folder", "subfolder2", "file2.txt"}, Length: 2000},
				}, actual.Info.Files)
				assert.Equal(t, "5331eaae7c84aabb8031ed59cf700e931287a2d6", actual.InfoHash.String())
				assert.Len(t, actual.Info.PiecesHashes, 1)
				assert.Equal(t, "0123456789abcdef0123", string(actual.Info.PiecesHashes[0].Bytes()))
			},
			givenMetafile: func() io.Reader {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce26:http://tracker.example.com")
				b.WriteString("13:announce-list")
				b.WriteString("ll26:http://tracker.example.com25:http://backup-tracker.comee")
				b.WriteString("10:created by15:MyTorrentClient")
				b.WriteString("4:info")
				b.WriteString("d")
				b.WriteString("4:name")
				b.WriteString("14:Torrent_Folder")
				b.WriteString("12:piece lengthi32768e")
				b.WriteString("6:pieces20:0123456789abcdef0123")
				b.WriteString("5:files")
				b.WriteString("l")
				b.WriteString("d6:lengthi1000e4:pathl10:subfolder19:file1.txtee")
				b.WriteString("d6:lengthi2000e4:pathl10:subfolder29:file2.txtee")
				b.WriteString("e")
				b.WriteString("e")
				b.WriteString("e")
				return strings.NewReader(b.String())
			},
		},
		{
			name: "validate single torrent",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.Nil(t, err)
				assert.Equal(t, "http://tracker.example.com", actual.Announce)
				assert.Equal(t, [][]string{{"http://tracker.example.com", "http://backup-tracker.com"}}, actual.AnnounceList)
				assert.Equal(t, "Torrent_Folder", actual.Info.Name)
				assert.Equal(t, 32768, actual.Info.PieceLength)
				assert.Equal(t, int64(90000), actual.Info.Length)
				assert.Equal(t, []models.File{{Path: []string{"Torrent_Folder"}, Length: 90000}}, actual.Info.Files)
				assert.Equal(t, "42f54e250330c37c798e99c7c4adafc7ecc77636", actual.InfoHash.String())
				assert.Equal(t, 3, actual.NumPieces())
				assert.Equal(t, "0123456789abcdef0123", string(actual.Info.PiecesHashes[0].Bytes()))
				assert.Equal(t, "00000000000000000000", string(actual.Info.PiecesHashes[1].Bytes()))
				assert.Equal(t, "00000000000000000000", string(actual.Info.PiecesHashes[2].Bytes()))
				assert.Equal(t, 32768, actual.PieceSize(0))
				assert.Equal(t, 90000-2*32768, actual.PieceSize(2))
			},
			givenMetafile: func() io.Reader {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce26:http://tracker.example.com")
				b.WriteString("13:announce-list")
				b.WriteString("ll26:http://tracker.example.com25:http://backup-tracker.comee")
				b.WriteString("10:created by15:MyTorrentClient")
				b.WriteString("4:info")
				b.WriteString("d")
				b.WriteString("6:lengthi90000e")
				b.WriteString("4:name")
				b.WriteString("14:Torrent_Folder")
				b.WriteString("12:piece lengthi32768e")
				b.WriteString("6:pieces60:0123456789abcdef01230000000000000000000000000000000000000000")
				b.WriteString("e")
				b.WriteString("e")
				return strings.NewReader(b.String())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decoder.Decode(tt.givenMetafile())
			tt.assert(t, actual, err)
		})
	}
}

func TestMetainfoDecoderErrors(t *testing.T) {
	decoder := NewDecoder(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var tests = []struct {
		name     string
		metafile string
	}{
		{name: "not bencode", metafile: "hello"},
		{name: "not a dictionary", metafile: "l4:spame"},
		{name: "missing info", metafile: "d8:announce3:urle"},
		{name: "missing name", metafile: "d4:infod6:lengthi1e12:piece lengthi1e6:pieces20:01234567890123456789ee"},
		{name: "zero piece length", metafile: "d4:infod6:lengthi1e4:name1:a12:piece lengthi0e6:pieces20:01234567890123456789ee"},
		{name: "truncated pieces", metafile: "d4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces3:abcee"},
		{name: "neither length nor files", metafile: "d4:infod4:name1:a12:piece lengthi1e6:pieces20:01234567890123456789ee"},
		{name: "piece count does not cover length", metafile: "d4:infod6:lengthi3e4:name1:a12:piece lengthi1e6:pieces20:01234567890123456789ee"},
		{name: "file with empty path", metafile: "d4:infod5:filesld6:lengthi1e4:pathleee4:name1:a12:piece lengthi1e6:pieces20:01234567890123456789ee"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := decoder.Decode(strings.NewReader(tt.metafile))
			if assert.Error(t, err) {
				assert.ErrorIs(t, err, models.ErrDecode)
			}
		})
	}
}
