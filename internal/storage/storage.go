// Package storage opens chunk store files from the local file system or an
// S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/Faultbox/terrastream/internal/config"
)

// ErrNotFound is returned when a file does not exist.
// The default maps to os.ErrNotExist so errors.Is works for local files.
var ErrNotFound = os.ErrNotExist

// Blob is a read-only handle to a store file.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the file in bytes.
	Size() int64
}

// Source opens store files by name.
type Source interface {
	// Open opens a file for reading. Remote handles keep ctx for their reads.
	Open(ctx context.Context, name string) (Blob, error)
	// String describes the source for logs.
	String() string
}

// New creates the source selected by the storage configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Source, error) {
	switch cfg.Backend {
	case config.StorageLocal, "":
		return NewLocal(cfg.Root), nil
	case config.StorageMinio:
		return NewMinio(cfg)
	case config.StorageS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ReadAll reads a whole blob into memory.
func ReadAll(b Blob) ([]byte, error) {
	return io.ReadAll(io.NewSectionReader(b, 0, b.Size()))
}

// objectKey joins a bucket prefix and a file name into an object key.
func objectKey(prefix, name string) string {
	key := path.Join(prefix, name)
	return strings.TrimPrefix(key, "/")
}

// rangeEnd clamps an inclusive byte range end to the object size.
func rangeEnd(off int64, n int, size int64) (int64, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= size {
		return 0, io.EOF
	}
	end := off + int64(n) - 1
	if end >= size {
		end = size - 1
	}
	return end, nil
}

// readFullRange finishes a ranged remote read with io.ReaderAt semantics.
func readFullRange(body io.Reader, p []byte, off, end int64) (int, error) {
	want := int(end - off + 1)
	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, io.EOF
		}
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
