// Package storage writes verified pieces into the files of a torrent.
package storage

import (
	"fmt"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type FilePosition struct {
	Path  string
	Begin int64
	End   int64
}

// Output maps offsets in the torrent's byte stream onto the files of its layout. A
// write crossing a file boundary is split across the adjacent files.
type Output struct {
	fs        Filesystem
	positions []FilePosition
	length    int64
}

func NewOutput(fs Filesystem, files []models.File) (*Output, error) {
	if err := fs.CreateOutputLayout(files); err != nil {
		return nil, err
	}
	return &Output{fs: fs, positions: mapFilePositions(files), length: totalLength(files)}, nil
}

func mapFilePositions(files []models.File) []FilePosition {
	positions := make([]FilePosition, 0, len(files))
	var index int64
	for _, file := range files {
		positions = append(positions, FilePosition{
			Path:  FilePath(file),
			Begin: index,
			End:   index + file.Length,
		})
		index += file.Length
	}
	return positions
}

func totalLength(files []models.File) int64 {
	var total int64
	for _, file := range files {
		total += file.Length
	}
	return total
}

func (o *Output) WriteAt(b []byte, off int64) (int, error) {
	end := off + int64(len(b))
	if off < 0 || end > o.length {
		return 0, fmt.Errorf("%w: range [%d, %d) outside of %d bytes", models.ErrFileIO, off, end, o.length)
	}

	written := 0
	for _, pos := range o.positions {
		if pos.End <= off || pos.Begin >= end || pos.Begin == pos.End {
			continue
		}
		from := max(off, pos.Begin)
		to := min(end, pos.End)
		if err := o.fs.WriteRange(pos.Path, from-pos.Begin, b[from-off:to-off]); err != nil {
			return written, err
		}
		written += int(to - from)
	}
	return written, nil
}

func (o *Output) Close() error {
	return o.fs.Close()
}
