// Package camera provides the top-down cameras that drive chunk selection.
package camera

import (
	"github.com/Faultbox/terrastream/pkg/math"
)

// PanCamera moves over the terrain plane at a fixed speed.
type PanCamera struct {
	// Position in world units
	Position math.Vec2

	// World bounds; the camera stays within [0, Extent] on both axes
	Extent float64

	// Speed in world units per second
	Speed float64
}

// NewPanCamera creates a camera centred on a world of the given extent.
func NewPanCamera(extent, speed float64) *PanCamera {
	return &PanCamera{
		Position: math.Vec2{X: extent / 2, Y: extent / 2},
		Extent:   extent,
		Speed:    speed,
	}
}

// Move pans by dir (not necessarily normalized) for dt seconds.
func (c *PanCamera) Move(dir math.Vec2, dt float64) {
	if dir == (math.Vec2{}) {
		return
	}
	c.Position = c.Position.Add(dir.Normalize().Scale(c.Speed * dt))
	c.clamp()
}

// SetPosition places the camera, clamped to the world.
func (c *PanCamera) SetPosition(p math.Vec2) {
	c.Position = p
	c.clamp()
}

func (c *PanCamera) clamp() {
	if c.Extent > 0 {
		c.Position = c.Position.Clamp(0, c.Extent)
	}
}
