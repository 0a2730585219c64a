package images

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var ErrNotFound = errors.New("image not found")
var ErrInvalidName = errors.New("invalid image name")

// TempFilePrefix marks in-flight downloads in the cache directory.
const TempFilePrefix = ".tmp-"

// validNamePattern matches generated filenames only (no path traversal possible)
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+(\.[a-z0-9]+)?$`)

// FSStorage implements Storage using a local cache directory.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates a new filesystem-based storage.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) validateName(name string) error {
	if name == "" || len(name) > 64 || !validNamePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

func (s *FSStorage) path(name string) string {
	return filepath.Join(s.basePath, name)
}

func (s *FSStorage) Location(name string) string {
	return s.path(name)
}

func (s *FSStorage) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	return s.SaveWithProgress(ctx, name, data, -1, nil)
}

// SaveWithProgress streams data into a temp file and renames it into place
// only after the whole stream has been copied, so an aborted download never
// leaves a finalized file behind.
func (s *FSStorage) SaveWithProgress(ctx context.Context, name string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error) {
	if err := s.validateName(name); err != nil {
		return 0, err
	}

	tmpPath := filepath.Join(s.basePath, TempFilePrefix+name)
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}

	var reader io.Reader = data
	if onProgress != nil {
		reader = &progressReader{
			reader:     data,
			total:      size,
			onProgress: onProgress,
		}
	}

	written, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return written, nil
}

func (s *FSStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := s.validateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStorage) Delete(ctx context.Context, name string) error {
	if err := s.validateName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// CleanupOrphanedTempFiles removes temp files left behind by downloads that
// were in flight when a previous run crashed. Returns the number removed.
func (s *FSStorage) CleanupOrphanedTempFiles() int {
	matches, err := filepath.Glob(filepath.Join(s.basePath, TempFilePrefix+"*"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}
