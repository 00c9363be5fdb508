package decoder

import (
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/gotorrent/v2/internal/bencode"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	return decoder{log: logger}
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	raw, err := io.ReadAll(torrent)
	if err != nil {
		return response, fmt.Errorf("%w: reading metafile: %v", models.ErrDecode, err)
	}

	root, err := bencode.Decode(raw)
	if err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, err
	}
	if root.Kind != bencode.KindDict {
		return response, invalid("metafile is a %s, not a dictionary", root.Kind)
	}

	response.Announce = stringField(root, "announce")
	response.AnnounceList = announceList(root)

	info, ok := root.Get("info")
	if !ok || info.Kind != bencode.KindDict {
		return response, invalid("missing info dictionary")
	}
	// The info dictionary re-encodes to the exact bytes it was parsed from, so the
	// digest matches the one other peers compute.
	response.InfoHash = sha1.Sum(bencode.Encode(info))

	response.Info, err = decodeInfo(info)
	if err != nil {
		d.log.Error("failed to decode torrent info", slog.Any("error", err))
		return response, err
	}

	return response, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrDecode, fmt.Sprintf(format, args...))
}

func stringField(v bencode.Value, key string) string {
	field, _ := v.Get(key)
	return field.Str()
}

func intField(v bencode.Value, key string) (int64, bool) {
	field, ok := v.Get(key)
	if !ok || field.Kind != bencode.KindInt {
		return 0, false
	}
	return field.Int, true
}

func announceList(root bencode.Value) [][]string {
	list, ok := root.Get("announce-list")
	if !ok || list.Kind != bencode.KindList {
		return nil
	}
	tiers := make([][]string, 0, len(list.List))
	for _, tier := range list.List {
		urls := make([]string, 0, len(tier.List))
		for _, u := range tier.List {
			if u.Kind == bencode.KindBytes {
				urls = append(urls, u.Str())
			}
		}
		tiers = append(tiers, urls)
	}
	return tiers
}

func decodeInfo(info bencode.Value) (models.Info, error) {
	var result models.Info

	result.Name = stringField(info, "name")
	if result.Name == "" {
		return result, invalid("info has no name")
	}

	pieceLength, ok := intField(info, "piece length")
	if !ok || pieceLength <= 0 {
		return result, invalid("invalid piece length %d", pieceLength)
	}
	result.PieceLength = int(pieceLength)

	pieces, ok := info.Get("pieces")
	if !ok || pieces.Kind != bencode.KindBytes || len(pieces.Bytes)%sha1.Size != 0 {
		return result, invalid("pieces must be a concatenation of %d byte hashes", sha1.Size)
	}
	result.PiecesHashes = calculatePiecesHashes(pieces.Bytes)

	files, err := decodeFiles(info, result.Name)
	if err != nil {
		return result, err
	}
	result.Files = files
	for _, f := range files {
		result.Length += f.Length
	}

	expected := (result.Length + pieceLength - 1) / pieceLength
	if int64(len(result.PiecesHashes)) != expected {
		return result, invalid("%d piece hashes for %d bytes in pieces of %d", len(result.PiecesHashes), result.Length, pieceLength)
	}

	return result, nil
}

func decodeFiles(info bencode.Value, name string) ([]models.File, error) {
	if length, ok := intField(info, "length"); ok {
		if length < 0 {
			return nil, invalid("negative length %d", length)
		}
		return []models.File{{Length: length, Path: []string{name}}}, nil
	}

	list, ok := info.Get("files")
	if !ok || list.Kind != bencode.KindList {
		return nil, invalid("info has neither length nor files")
	}

	files := make([]models.File, 0, len(list.List))
	for i, entry := range list.List {
		length, ok := intField(entry, "length")
		if !ok || length < 0 {
			return nil, invalid("file %d has an invalid length", i)
		}
		path, ok := entry.Get("path")
		if !ok || path.Kind != bencode.KindList || len(path.List) == 0 {
			return nil, invalid("file %d has an empty path", i)
		}
		parts := []string{name}
		for _, p := range path.List {
			if p.Kind != bencode.KindBytes || len(p.Bytes) == 0 {
				return nil, invalid("file %d has an invalid path element", i)
			}
			parts = append(parts, p.Str())
		}
		files = append(files, models.File{Length: length, Path: parts})
	}
	return files, nil
}

func calculatePiecesHashes(pieces []byte) []models.Hash {
	piecesHashes := make([]models.Hash, 0, len(pieces)/sha1.Size)
	for ; len(pieces) > 0; pieces = pieces[sha1.Size:] {
		piecesHashes = append(piecesHashes, models.Hash(pieces[:sha1.Size]))
	}
	return piecesHashes
}
