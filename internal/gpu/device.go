// Package gpu defines the device operations the streaming core needs from a
// graphics backend: atlas creation, batched tile copies from staging memory,
// node buffer uploads and a barrier.
package gpu

import (
	"errors"
	"fmt"
)

// Format is the texel format of an atlas.
type Format int

const (
	FormatR16   Format = iota // height
	FormatRGBA8               // normals
	FormatR8                  // composition classes
)

// BytesPerTexel returns the texel size of the format.
func (f Format) BytesPerTexel() int {
	switch f {
	case FormatR16:
		return 2
	case FormatRGBA8:
		return 4
	case FormatR8:
		return 1
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatR16:
		return "r16"
	case FormatRGBA8:
		return "rgba8"
	case FormatR8:
		return "r8"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat converts a config format name.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "r16":
		return FormatR16, nil
	case "rgba8":
		return FormatRGBA8, nil
	case "r8":
		return FormatR8, nil
	}
	return 0, fmt.Errorf("unknown texel format %q", name)
}

// NodeKind selects one of the two metadata buffers of an atlas.
type NodeKind int

const (
	NodeIndirection NodeKind = iota
	NodeStatus
)

func (k NodeKind) String() string {
	if k == NodeIndirection {
		return "indirection"
	}
	return "status"
}

// AtlasID identifies an atlas created on a device.
type AtlasID int

// AtlasDesc describes a physical atlas.
type AtlasDesc struct {
	Label        string
	SlotsPerAxis int
	TileSize     int // tile edge in texels, border included
	Format       Format
}

// Size returns the atlas edge in texels.
func (d AtlasDesc) Size() int {
	return d.SlotsPerAxis * d.TileSize
}

// Validate checks the descriptor.
func (d AtlasDesc) Validate() error {
	if d.SlotsPerAxis <= 0 || d.TileSize <= 0 {
		return fmt.Errorf("atlas %q: invalid dimensions %dx%d", d.Label, d.SlotsPerAxis, d.TileSize)
	}
	if d.Format.BytesPerTexel() == 0 {
		return fmt.Errorf("atlas %q: %w", d.Label, ErrUnknownFormat)
	}
	return nil
}

// TileCopy copies one tile from staging memory into an atlas slot.
type TileCopy struct {
	Offset int // byte offset into the staging buffer
	Size   int
	SlotX  int
	SlotY  int
}

// Device errors.
var (
	ErrUnknownAtlas  = errors.New("unknown atlas")
	ErrUnknownFormat = errors.New("unknown texel format")
	ErrBadRegion     = errors.New("tile copy out of bounds")
)

// Device is the subset of a graphics backend used by the streaming core.
// Methods are called from the frame loop only.
type Device interface {
	CreateAtlas(desc AtlasDesc) (AtlasID, error)
	// CopyTiles copies every region from staging into the atlas.
	CopyTiles(atlas AtlasID, staging []byte, regions []TileCopy) error
	// UploadNodes replaces the contents of one of the atlas node buffers.
	// buffer is 0 or 1.
	UploadNodes(atlas AtlasID, kind NodeKind, buffer int, data []byte) error
	// Barrier orders prior copies before subsequent reads.
	Barrier()
}

// CheckRegion validates a copy against the atlas and staging buffer.
func CheckRegion(desc AtlasDesc, staging []byte, r TileCopy) error {
	tileBytes := desc.TileSize * desc.TileSize * desc.Format.BytesPerTexel()
	switch {
	case r.SlotX < 0 || r.SlotX >= desc.SlotsPerAxis || r.SlotY < 0 || r.SlotY >= desc.SlotsPerAxis:
		return fmt.Errorf("%w: slot (%d,%d) outside %dx%d atlas", ErrBadRegion, r.SlotX, r.SlotY, desc.SlotsPerAxis, desc.SlotsPerAxis)
	case r.Size != tileBytes:
		return fmt.Errorf("%w: %d bytes, tile is %d", ErrBadRegion, r.Size, tileBytes)
	case r.Offset < 0 || r.Offset+r.Size > len(staging):
		return fmt.Errorf("%w: staging range [%d,%d) of %d", ErrBadRegion, r.Offset, r.Offset+r.Size, len(staging))
	}
	return nil
}
