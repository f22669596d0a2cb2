package gpu

import (
	"fmt"
	"sync"
)

// MemoryDevice keeps atlases and node buffers in host memory. It backs the
// headless simulator and lets tests inspect exactly what reached the atlas.
type MemoryDevice struct {
	mu      sync.Mutex
	atlases []*memAtlas
	stats   MemoryStats
}

type memAtlas struct {
	desc  AtlasDesc
	texel []byte
	nodes [2][2][]byte // [kind][buffer]
}

// MemoryStats counts device calls.
type MemoryStats struct {
	Copies        int // CopyTiles calls
	TilesCopied   int
	Uploads       int
	BytesUploaded int
	Barriers      int
}

// NewMemoryDevice creates an empty device.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{}
}

// CreateAtlas allocates a zeroed atlas.
func (d *MemoryDevice) CreateAtlas(desc AtlasDesc) (AtlasID, error) {
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	size := desc.Size()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.atlases = append(d.atlases, &memAtlas{
		desc:  desc,
		texel: make([]byte, size*size*desc.Format.BytesPerTexel()),
	})
	return AtlasID(len(d.atlases) - 1), nil
}

func (d *MemoryDevice) atlas(id AtlasID) (*memAtlas, error) {
	if id < 0 || int(id) >= len(d.atlases) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAtlas, id)
	}
	return d.atlases[id], nil
}

// CopyTiles copies each region row by row into its slot.
func (d *MemoryDevice) CopyTiles(id AtlasID, staging []byte, regions []TileCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.atlas(id)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if err := CheckRegion(a.desc, staging, r); err != nil {
			return err
		}
	}

	bpt := a.desc.Format.BytesPerTexel()
	tile := a.desc.TileSize
	rowBytes := tile * bpt
	pitch := a.desc.Size() * bpt
	for _, r := range regions {
		src := staging[r.Offset : r.Offset+r.Size]
		base := r.SlotY*tile*pitch + r.SlotX*rowBytes
		for row := 0; row < tile; row++ {
			copy(a.texel[base+row*pitch:base+row*pitch+rowBytes], src[row*rowBytes:(row+1)*rowBytes])
		}
	}
	d.stats.Copies++
	d.stats.TilesCopied += len(regions)
	return nil
}

// UploadNodes stores a copy of data in the selected buffer.
func (d *MemoryDevice) UploadNodes(id AtlasID, kind NodeKind, buffer int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.atlas(id)
	if err != nil {
		return err
	}
	if kind != NodeIndirection && kind != NodeStatus {
		return fmt.Errorf("unknown node kind %d", kind)
	}
	if buffer != 0 && buffer != 1 {
		return fmt.Errorf("node buffer index %d out of range", buffer)
	}
	a.nodes[kind][buffer] = append([]byte(nil), data...)
	d.stats.Uploads++
	d.stats.BytesUploaded += len(data)
	return nil
}

// Barrier is a no-op apart from counting.
func (d *MemoryDevice) Barrier() {
	d.mu.Lock()
	d.stats.Barriers++
	d.mu.Unlock()
}

// ReadTile returns a copy of the texels stored in a slot, in the same
// row-major layout as a staging payload.
func (d *MemoryDevice) ReadTile(id AtlasID, slotX, slotY int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.atlas(id)
	if err != nil {
		return nil, err
	}
	if slotX < 0 || slotX >= a.desc.SlotsPerAxis || slotY < 0 || slotY >= a.desc.SlotsPerAxis {
		return nil, fmt.Errorf("%w: slot (%d,%d)", ErrBadRegion, slotX, slotY)
	}

	bpt := a.desc.Format.BytesPerTexel()
	tile := a.desc.TileSize
	rowBytes := tile * bpt
	pitch := a.desc.Size() * bpt
	out := make([]byte, tile*rowBytes)
	base := slotY*tile*pitch + slotX*rowBytes
	for row := 0; row < tile; row++ {
		copy(out[row*rowBytes:(row+1)*rowBytes], a.texel[base+row*pitch:])
	}
	return out, nil
}

// Nodes returns the last upload to a node buffer.
func (d *MemoryDevice) Nodes(id AtlasID, kind NodeKind, buffer int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.atlas(id)
	if err != nil || (kind != NodeIndirection && kind != NodeStatus) || buffer < 0 || buffer > 1 {
		return nil
	}
	return a.nodes[kind][buffer]
}

// Texels returns the whole atlas image. The slice is shared with the device.
func (d *MemoryDevice) Texels(id AtlasID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.atlas(id)
	if err != nil {
		return nil
	}
	return a.texel
}

// Stats returns call counters.
func (d *MemoryDevice) Stats() MemoryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
