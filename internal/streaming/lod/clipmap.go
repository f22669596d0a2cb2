package lod

import (
	"errors"
	"fmt"
	stdmath "math"

	"github.com/Faultbox/terrastream/pkg/chunkstore"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Clipmap wants a square window of RingSizes[m] chunks per axis at every
// mip m, centred on the camera.
type Clipmap struct {
	ChunkSize   int
	WorldChunks int   // chunks per axis at mip 0
	RingSizes   []int // indexed by mip, non-increasing
}

// Validate checks the ring configuration.
func (c *Clipmap) Validate() error {
	errs := []error{checkWorld(c.ChunkSize, c.WorldChunks)}
	if len(c.RingSizes) == 0 {
		errs = append(errs, errors.New("no ring sizes"))
	}
	for i, r := range c.RingSizes {
		if r <= 0 {
			errs = append(errs, fmt.Errorf("ring size of mip %d must be positive, got %d", i, r))
		}
		if i > 0 && r > c.RingSizes[i-1] {
			errs = append(errs, fmt.Errorf("ring size of mip %d (%d) must not grow past mip %d (%d)", i, r, i-1, c.RingSizes[i-1]))
		}
	}
	return errors.Join(errs...)
}

// Levels returns the number of rings.
func (c *Clipmap) Levels() int {
	return len(c.RingSizes)
}

// MaxWanted returns the sum of the clamped ring areas.
func (c *Clipmap) MaxWanted() int {
	n := 0
	for mip, r := range c.RingSizes {
		r = min(r, GridSize(c.WorldChunks, mip))
		n += r * r
	}
	return n
}

// Window returns the first chunk and width of the ring at mip along one
// axis for camera coordinate p.
//
// The start is derived from the doubled position so the window only moves
// when the camera crosses a half-chunk line. The window is shifted, not
// cropped, to stay inside the world.
func (c *Clipmap) Window(p float64, mip int) (start, width int) {
	r := c.RingSizes[mip]
	grid := GridSize(c.WorldChunks, mip)
	edge := ChunkEdge(c.ChunkSize, mip)

	twice := int(stdmath.Floor(2 * p / edge))
	start = math.FloorDiv(twice+1-r, 2)

	width = min(r, grid)
	start = max(0, min(start, grid-width))
	return start, width
}

// Wanted returns the union of all rings.
func (c *Clipmap) Wanted(camera math.Vec2) []chunkstore.ChunkKey {
	keys := make([]chunkstore.ChunkKey, 0, c.MaxWanted())
	for mip := range c.RingSizes {
		x0, w := c.Window(camera.X, mip)
		y0, h := c.Window(camera.Y, mip)
		for y := y0; y < y0+h; y++ {
			for x := x0; x < x0+w; x++ {
				keys = append(keys, chunkstore.NewKey(uint16(x), uint16(y), uint32(mip)))
			}
		}
	}
	return sortKeys(keys)
}
