package chunkstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrPayloadSize is returned when a payload does not match the store's tile size.
var ErrPayloadSize = errors.New("payload size mismatch")

// Writer serializes chunks into a new table/blob pair.
// The table is written on Close; a table path ending in ".zst" is zstd-compressed.
type Writer struct {
	tablePath string
	blob      *os.File
	bw        *bufio.Writer

	payloadSize int
	offset      uint64
	entries     []Entry
	seen        map[ChunkKey]struct{}
	closed      bool
}

// Create creates the blob file and prepares a writer for payloads of payloadSize bytes.
func Create(tablePath, blobPath string, payloadSize int) (*Writer, error) {
	if payloadSize <= 0 {
		return nil, fmt.Errorf("invalid payload size %d", payloadSize)
	}
	for _, p := range []string{tablePath, blobPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}

	blob, err := os.Create(blobPath)
	if err != nil {
		return nil, fmt.Errorf("creating blob: %w", err)
	}

	return &Writer{
		tablePath:   tablePath,
		blob:        blob,
		bw:          bufio.NewWriterSize(blob, 1<<20),
		payloadSize: payloadSize,
		seen:        make(map[ChunkKey]struct{}),
	}, nil
}

// Add appends one chunk payload.
func (w *Writer) Add(key ChunkKey, payload []byte) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if len(payload) != w.payloadSize {
		return fmt.Errorf("%w: chunk %s has %d bytes, want %d", ErrPayloadSize, key, len(payload), w.payloadSize)
	}
	if _, dup := w.seen[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("writing chunk %s: %w", key, err)
	}
	w.seen[key] = struct{}{}
	w.entries = append(w.entries, Entry{
		Key:   key,
		Range: Range{Offset: w.offset, Size: uint32(len(payload))},
	})
	w.offset += uint64(len(payload))
	return nil
}

// Len returns the number of chunks written so far.
func (w *Writer) Len() int {
	return len(w.entries)
}

// Close flushes the blob and writes the table.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.bw.Flush(); err != nil {
		w.blob.Close()
		return fmt.Errorf("flushing blob: %w", err)
	}
	if err := w.blob.Close(); err != nil {
		return fmt.Errorf("closing blob: %w", err)
	}

	// Hash collisions are a store build error, not a runtime surprise.
	if _, err := NewTable(w.entries); err != nil {
		return err
	}

	f, err := os.Create(w.tablePath)
	if err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	defer f.Close()

	var out io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(w.tablePath, ".zst") {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		out = enc
	}

	if err := WriteTable(out, w.entries); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finishing zstd table: %w", err)
		}
	}
	return f.Close()
}
