package images

import (
	"context"
	"io"
)

// ProgressFunc is called during a download with bytes written and total size.
// If total is -1, the total size is unknown.
type ProgressFunc func(written, total int64)

// Storage defines the interface for cached image blobs.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) (int64, error)
	SaveWithProgress(ctx context.Context, name string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error)
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// Location returns the path or object key recorded into metadata for name.
	Location(name string) string
}

// progressReader wraps an io.Reader and reports progress as data is read.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.onProgress != nil {
			pr.onProgress(pr.read, pr.total)
		}
	}
	return n, err
}
