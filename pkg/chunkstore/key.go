// Package chunkstore reads and writes the on-disk terrain chunk store.
//
// A store is two files: an ASCII table with one record per chunk
// ("size mip packedWorldOffset binaryOffset") and a binary blob holding the
// raw tile payloads at the recorded offsets. Stores are produced offline and
// are read-only at runtime.
package chunkstore

import "fmt"

// hashMul is the 64-bit golden ratio constant used to mix chunk keys.
const hashMul = 0x9E3779B97F4A7C15

// ChunkKey identifies one tile at one LOD level.
type ChunkKey struct {
	Position uint32 // x | y<<16, chunk coordinates within the mip grid
	Mip      uint32
}

// NewKey packs chunk coordinates into a key.
func NewKey(x, y uint16, mip uint32) ChunkKey {
	return ChunkKey{Position: PackPosition(x, y), Mip: mip}
}

// PackPosition packs x into the low and y into the high 16 bits.
func PackPosition(x, y uint16) uint32 {
	return uint32(x) | uint32(y)<<16
}

// X returns the chunk column.
func (k ChunkKey) X() uint16 {
	return uint16(k.Position)
}

// Y returns the chunk row.
func (k ChunkKey) Y() uint16 {
	return uint16(k.Position >> 16)
}

// Hash returns the 64-bit lookup hash of the key.
func (k ChunkKey) Hash() uint64 {
	h := (uint64(k.Position)<<32 | uint64(k.Mip)) * hashMul
	h ^= h >> 32
	return h
}

// String returns the key as "mip/x,y".
func (k ChunkKey) String() string {
	return fmt.Sprintf("%d/%d,%d", k.Mip, k.X(), k.Y())
}

// Range is the location of a chunk payload inside the blob file.
type Range struct {
	Offset uint64
	Size   uint32
}

// End returns the offset one past the last payload byte.
func (r Range) End() uint64 {
	return r.Offset + uint64(r.Size)
}

// TileEdge returns the tile edge length in samples including the 1-texel border.
func TileEdge(chunkSize int) int {
	return chunkSize + 2
}

// TileBytes returns the payload size of one tile.
func TileBytes(chunkSize, bytesPerSample int) int {
	edge := TileEdge(chunkSize)
	return edge * edge * bytesPerSample
}
