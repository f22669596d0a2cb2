package storage

import (
	"context"
	"os"
	"path/filepath"
)

// LocalSource reads store files from a directory.
type LocalSource struct {
	root string
}

// NewLocal creates a LocalSource rooted at the given directory.
func NewLocal(root string) *LocalSource {
	return &LocalSource{root: root}
}

// Open opens a file for reading. Absolute names bypass the root.
func (s *LocalSource) Open(_ context.Context, name string) (Blob, error) {
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, name)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &localBlob{File: f, size: fi.Size()}, nil
}

func (s *LocalSource) String() string {
	return "local:" + s.root
}

type localBlob struct {
	*os.File
	size int64
}

func (b *localBlob) Size() int64 {
	return b.size
}
