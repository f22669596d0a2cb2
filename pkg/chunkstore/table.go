package chunkstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Table format errors.
var (
	ErrCorruptTable  = errors.New("corrupt chunk table")
	ErrHashCollision = errors.New("chunk key hash collision")
	ErrDuplicateKey  = errors.New("duplicate chunk key")
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Entry is one table record.
type Entry struct {
	Key   ChunkKey
	Range Range
}

// Table maps chunk keys to payload ranges inside the blob file.
type Table struct {
	entries map[uint64]Entry
	maxMip  uint32
	blobEnd uint64
}

// NewTable builds a table from entries, rejecting duplicates and hash collisions.
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{entries: make(map[uint64]Entry, len(entries))}
	for _, e := range entries {
		if err := t.add(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(e Entry) error {
	h := e.Key.Hash()
	if prev, ok := t.entries[h]; ok {
		if prev.Key == e.Key {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
		}
		return fmt.Errorf("%w: %s and %s", ErrHashCollision, prev.Key, e.Key)
	}
	t.entries[h] = e
	if e.Key.Mip > t.maxMip {
		t.maxMip = e.Key.Mip
	}
	if end := e.Range.End(); end > t.blobEnd {
		t.blobEnd = end
	}
	return nil
}

// Lookup returns the payload range of a chunk.
func (t *Table) Lookup(key ChunkKey) (Range, bool) {
	e, ok := t.entries[key.Hash()]
	if !ok || e.Key != key {
		return Range{}, false
	}
	return e.Range, true
}

// Len returns the number of chunks in the table.
func (t *Table) Len() int {
	return len(t.entries)
}

// MaxMip returns the highest mip level present.
func (t *Table) MaxMip() uint32 {
	return t.maxMip
}

// BlobSize returns the minimum blob size needed to satisfy every record.
func (t *Table) BlobSize() uint64 {
	return t.blobEnd
}

// Entries returns all records ordered by blob offset.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Range.Offset < out[j].Range.Offset
	})
	return out
}

// ReadTable parses a table. zstd-compressed input is detected by its magic
// number and decompressed transparently.
func ReadTable(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd table: %w", err)
		}
		defer dec.Close()
		return parseTable(dec)
	}
	return parseTable(br)
}

// OpenTable reads a table file from the local file system.
func OpenTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening table: %w", err)
	}
	defer f.Close()

	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", path, err)
	}
	return t, nil
}

func parseTable(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	t := &Table{entries: make(map[uint64]Entry)}
	var fields [4]string
	record := 0
	for {
		n := 0
		for n < len(fields) && sc.Scan() {
			fields[n] = sc.Text()
			n++
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scanning record %d: %w", record, err)
		}
		if n == 0 {
			return t, nil
		}
		if n < len(fields) {
			return nil, fmt.Errorf("%w: record %d is truncated (%s)", ErrCorruptTable, record, strings.Join(fields[:n], " "))
		}

		e, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptTable, record, err)
		}
		if err := t.add(e); err != nil {
			return nil, fmt.Errorf("record %d: %w", record, err)
		}
		record++
	}
}

func parseRecord(f [4]string) (Entry, error) {
	size, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("size: %w", err)
	}
	mip, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("mip: %w", err)
	}
	pos, err := strconv.ParseUint(f[2], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("position: %w", err)
	}
	off, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("offset: %w", err)
	}
	return Entry{
		Key:   ChunkKey{Position: uint32(pos), Mip: uint32(mip)},
		Range: Range{Offset: off, Size: uint32(size)},
	}, nil
}

// WriteTable writes records in table format, one per line.
func WriteTable(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%d %d %d %d\n", e.Range.Size, e.Key.Mip, e.Key.Position, e.Range.Offset); err != nil {
			return err
		}
	}
	return bw.Flush()
}
