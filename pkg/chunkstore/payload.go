package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortRead is returned when the blob ends before a payload does.
var ErrShortRead = errors.New("short chunk read")

// ReadPayload reads exactly rng.Size bytes at rng.Offset into dst.
func ReadPayload(r io.ReaderAt, rng Range, dst []byte) error {
	if len(dst) < int(rng.Size) {
		return fmt.Errorf("%w: range of %d bytes exceeds %d byte buffer", ErrPayloadSize, rng.Size, len(dst))
	}
	n, err := r.ReadAt(dst[:rng.Size], int64(rng.Offset))
	if n == int(rng.Size) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: got %d of %d bytes at offset %d", ErrShortRead, n, rng.Size, rng.Offset)
	}
	return err
}

// PutSamples16 encodes 16-bit samples little-endian into dst.
func PutSamples16(dst []byte, samples []uint16) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], s)
	}
}

// Samples16 decodes little-endian 16-bit samples.
func Samples16(src []byte) []uint16 {
	out := make([]uint16, len(src)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(src[i*2:])
	}
	return out
}
