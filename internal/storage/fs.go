package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type Filesystem interface {
	// CreateOutputLayout creates every file of the layout, pre-sized to its length.
	CreateOutputLayout(files []models.File) error
	WriteRange(path string, offset int64, b []byte) error
	Close() error
}

// FilePath is the slash-free key a file of the layout is addressed by.
func FilePath(f models.File) string {
	return filepath.Join(f.Path...)
}

type dirFS struct {
	root  string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewDirFS stores the layout below root.
func NewDirFS(root string) Filesystem {
	return &dirFS{root: root, files: make(map[string]*os.File)}
}

func (d *dirFS) CreateOutputLayout(files []models.File) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range files {
		path := FilePath(f)
		full := filepath.Join(d.root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("%w: %v", models.ErrFileIO, err)
		}
		file, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrFileIO, err)
		}
		if err := file.Truncate(f.Length); err != nil {
			file.Close()
			return fmt.Errorf("%w: %v", models.ErrFileIO, err)
		}
		d.files[path] = file
	}
	return nil
}

func (d *dirFS) WriteRange(path string, offset int64, b []byte) error {
	d.mu.Lock()
	file, ok := d.files[path]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not part of the layout", models.ErrFileIO, path)
	}

	if _, err := file.WriteAt(b, offset); err != nil {
		return fmt.Errorf("%w: %v", models.ErrFileIO, err)
	}
	return nil
}

func (d *dirFS) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for path, file := range d.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.files, path)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", models.ErrFileIO, err)
	}
	return nil
}
