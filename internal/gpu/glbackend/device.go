// Package glbackend implements gpu.Device on OpenGL 4.1 core.
// All methods must be called on the thread owning the GL context.
package glbackend

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/terrastream/internal/gpu"
)

type atlas struct {
	desc    gpu.AtlasDesc
	texture uint32
	readFBO uint32
	nodes   [2][2]uint32 // [kind][buffer]
}

// Device is a GL-backed gpu.Device.
type Device struct {
	atlases []*atlas
}

// New creates a device. gl.Init must already have run.
func New() *Device {
	return &Device{}
}

type texFormat struct {
	internal int32
	format   uint32
	xtype    uint32
}

func glFormat(f gpu.Format) (texFormat, error) {
	switch f {
	case gpu.FormatR16:
		return texFormat{gl.R16, gl.RED, gl.UNSIGNED_SHORT}, nil
	case gpu.FormatRGBA8:
		return texFormat{gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE}, nil
	case gpu.FormatR8:
		return texFormat{gl.R8, gl.RED, gl.UNSIGNED_BYTE}, nil
	}
	return texFormat{}, gpu.ErrUnknownFormat
}

// CreateAtlas allocates the atlas texture, a read framebuffer for blits and
// the two double-buffered node buffers.
func (d *Device) CreateAtlas(desc gpu.AtlasDesc) (gpu.AtlasID, error) {
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	tf, err := glFormat(desc.Format)
	if err != nil {
		return 0, err
	}
	size := int32(desc.Size())

	a := &atlas{desc: desc}
	gl.GenTextures(1, &a.texture)
	gl.BindTexture(gl.TEXTURE_2D, a.texture)
	gl.TexImage2D(gl.TEXTURE_2D, 0, tf.internal, size, size, 0, tf.format, tf.xtype, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	gl.GenFramebuffers(1, &a.readFBO)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, a.readFBO)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, a.texture, 0)
	status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		d.deleteAtlas(a)
		return 0, fmt.Errorf("atlas %q framebuffer incomplete: 0x%x", desc.Label, status)
	}

	for kind := range a.nodes {
		gl.GenBuffers(2, &a.nodes[kind][0])
	}

	if e := gl.GetError(); e != gl.NO_ERROR {
		d.deleteAtlas(a)
		return 0, fmt.Errorf("creating atlas %q: GL error 0x%x", desc.Label, e)
	}

	d.atlases = append(d.atlases, a)
	return gpu.AtlasID(len(d.atlases) - 1), nil
}

func (d *Device) get(id gpu.AtlasID) (*atlas, error) {
	if id < 0 || int(id) >= len(d.atlases) || d.atlases[id] == nil {
		return nil, fmt.Errorf("%w: %d", gpu.ErrUnknownAtlas, id)
	}
	return d.atlases[id], nil
}

// CopyTiles uploads every region with one TexSubImage2D each.
func (d *Device) CopyTiles(id gpu.AtlasID, staging []byte, regions []gpu.TileCopy) error {
	a, err := d.get(id)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		return nil
	}
	for _, r := range regions {
		if err := gpu.CheckRegion(a.desc, staging, r); err != nil {
			return err
		}
	}
	tf, _ := glFormat(a.desc.Format)
	tile := int32(a.desc.TileSize)

	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.BindTexture(gl.TEXTURE_2D, a.texture)
	for _, r := range regions {
		gl.TexSubImage2D(gl.TEXTURE_2D, 0,
			int32(r.SlotX)*tile, int32(r.SlotY)*tile, tile, tile,
			tf.format, tf.xtype, gl.Ptr(&staging[r.Offset]))
	}
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if e := gl.GetError(); e != gl.NO_ERROR {
		return fmt.Errorf("copying %d tiles to %q: GL error 0x%x", len(regions), a.desc.Label, e)
	}
	return nil
}

// UploadNodes replaces the selected node buffer.
func (d *Device) UploadNodes(id gpu.AtlasID, kind gpu.NodeKind, buffer int, data []byte) error {
	a, err := d.get(id)
	if err != nil {
		return err
	}
	if buffer != 0 && buffer != 1 {
		return fmt.Errorf("node buffer index %d out of range", buffer)
	}
	if len(data) == 0 {
		return nil
	}

	gl.BindBuffer(gl.ARRAY_BUFFER, a.nodes[kind][buffer])
	gl.BufferData(gl.ARRAY_BUFFER, len(data), gl.Ptr(&data[0]), gl.STREAM_DRAW)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	if e := gl.GetError(); e != gl.NO_ERROR {
		return fmt.Errorf("uploading %s nodes to %q: GL error 0x%x", kind, a.desc.Label, e)
	}
	return nil
}

// Barrier flushes queued commands to the driver.
func (d *Device) Barrier() {
	gl.Flush()
}

// Texture returns the GL texture name of an atlas.
func (d *Device) Texture(id gpu.AtlasID) uint32 {
	a, err := d.get(id)
	if err != nil {
		return 0
	}
	return a.texture
}

// NodeBuffer returns the GL buffer name of a node buffer.
func (d *Device) NodeBuffer(id gpu.AtlasID, kind gpu.NodeKind, buffer int) uint32 {
	a, err := d.get(id)
	if err != nil || buffer < 0 || buffer > 1 {
		return 0
	}
	return a.nodes[kind][buffer]
}

// BlitAtlas draws the atlas scaled into the given rectangle of the default
// framebuffer.
func (d *Device) BlitAtlas(id gpu.AtlasID, x, y, w, h int32) {
	a, err := d.get(id)
	if err != nil {
		return
	}
	size := int32(a.desc.Size())

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, a.readFBO)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, 0)
	gl.BlitFramebuffer(0, 0, size, size, x, y, x+w, y+h, gl.COLOR_BUFFER_BIT, gl.LINEAR)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
}

// Destroy releases all GL objects.
func (d *Device) Destroy() {
	for _, a := range d.atlases {
		if a != nil {
			d.deleteAtlas(a)
		}
	}
	d.atlases = nil
}

func (d *Device) deleteAtlas(a *atlas) {
	if a.readFBO != 0 {
		gl.DeleteFramebuffers(1, &a.readFBO)
	}
	if a.texture != 0 {
		gl.DeleteTextures(1, &a.texture)
	}
	for kind := range a.nodes {
		if a.nodes[kind][0] != 0 {
			gl.DeleteBuffers(2, &a.nodes[kind][0])
		}
	}
}

var _ gpu.Device = (*Device)(nil)
