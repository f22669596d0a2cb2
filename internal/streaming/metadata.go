package streaming

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/gpu"
)

// NodeSize is the encoded size of one node (a uvec4).
const NodeSize = 16

// IndirectionNode maps a virtual tile to its atlas slot.
type IndirectionNode struct {
	Position uint32
	Slot     uint32
	Mip      uint32
}

// StatusNode flags a virtual tile as loaded or unloaded.
type StatusNode struct {
	Position uint32
	Mip      uint32
	Loaded   bool
}

// MetadataSync collects node updates for one atlas and uploads them once per
// frame. Each node kind is double buffered: frame N writes buffer N&1, so the
// upload for the next frame never touches the buffer the GPU may still read.
type MetadataSync struct {
	log   *zap.Logger
	dev   gpu.Device
	atlas gpu.AtlasID

	frame       uint64
	indirection [2][]IndirectionNode
	status      [2][]StatusNode
	scratch     []byte
}

// NewMetadataSync creates a sync for an atlas.
func NewMetadataSync(s *Session, atlas gpu.AtlasID) *MetadataSync {
	return &MetadataSync{
		log:   s.logger("metadata"),
		dev:   s.Device,
		atlas: atlas,
	}
}

// PushIndirection queues an indirection update for the current frame.
func (m *MetadataSync) PushIndirection(n IndirectionNode) {
	w := m.frame & 1
	m.indirection[w] = append(m.indirection[w], n)
}

// PushStatus queues a status update for the current frame.
func (m *MetadataSync) PushStatus(n StatusNode) {
	w := m.frame & 1
	m.status[w] = append(m.status[w], n)
}

// Pending returns the number of queued nodes of each kind.
func (m *MetadataSync) Pending() (indirection, status int) {
	w := m.frame & 1
	return len(m.indirection[w]), len(m.status[w])
}

// Frame returns the number of flushes so far.
func (m *MetadataSync) Frame() uint64 {
	return m.frame
}

// Flush uploads each non-empty node array into the write buffer, then
// advances the frame. It returns the number of nodes uploaded.
func (m *MetadataSync) Flush() (int, error) {
	w := m.frame & 1
	uploaded := 0

	if nodes := m.indirection[w]; len(nodes) > 0 {
		m.scratch = EncodeIndirection(m.scratch[:0], nodes)
		if err := m.dev.UploadNodes(m.atlas, gpu.NodeIndirection, int(w), m.scratch); err != nil {
			return 0, fmt.Errorf("uploading indirection nodes: %w", err)
		}
		uploaded += len(nodes)
	}
	if nodes := m.status[w]; len(nodes) > 0 {
		m.scratch = EncodeStatus(m.scratch[:0], nodes)
		if err := m.dev.UploadNodes(m.atlas, gpu.NodeStatus, int(w), m.scratch); err != nil {
			return uploaded, fmt.Errorf("uploading status nodes: %w", err)
		}
		uploaded += len(nodes)
	}
	if uploaded > 0 {
		m.log.Debug("nodes uploaded", zap.Uint64("frame", m.frame), zap.Int("nodes", uploaded))
	}

	m.frame++
	next := m.frame & 1
	m.indirection[next] = m.indirection[next][:0]
	m.status[next] = m.status[next][:0]
	return uploaded, nil
}

// EncodeIndirection appends nodes as little-endian uvec4
// (position, slot, mip, 0).
func EncodeIndirection(dst []byte, nodes []IndirectionNode) []byte {
	for _, n := range nodes {
		dst = binary.LittleEndian.AppendUint32(dst, n.Position)
		dst = binary.LittleEndian.AppendUint32(dst, n.Slot)
		dst = binary.LittleEndian.AppendUint32(dst, n.Mip)
		dst = binary.LittleEndian.AppendUint32(dst, 0)
	}
	return dst
}

// EncodeStatus appends nodes as little-endian uvec4
// (position, mip, loaded, 0).
func EncodeStatus(dst []byte, nodes []StatusNode) []byte {
	for _, n := range nodes {
		var loaded uint32
		if n.Loaded {
			loaded = 1
		}
		dst = binary.LittleEndian.AppendUint32(dst, n.Position)
		dst = binary.LittleEndian.AppendUint32(dst, n.Mip)
		dst = binary.LittleEndian.AppendUint32(dst, loaded)
		dst = binary.LittleEndian.AppendUint32(dst, 0)
	}
	return dst
}

// DecodeIndirection parses an uploaded indirection buffer.
func DecodeIndirection(b []byte) []IndirectionNode {
	out := make([]IndirectionNode, len(b)/NodeSize)
	for i := range out {
		p := b[i*NodeSize:]
		out[i] = IndirectionNode{
			Position: binary.LittleEndian.Uint32(p),
			Slot:     binary.LittleEndian.Uint32(p[4:]),
			Mip:      binary.LittleEndian.Uint32(p[8:]),
		}
	}
	return out
}

// DecodeStatus parses an uploaded status buffer.
func DecodeStatus(b []byte) []StatusNode {
	out := make([]StatusNode, len(b)/NodeSize)
	for i := range out {
		p := b[i*NodeSize:]
		out[i] = StatusNode{
			Position: binary.LittleEndian.Uint32(p),
			Mip:      binary.LittleEndian.Uint32(p[4:]),
			Loaded:   binary.LittleEndian.Uint32(p[8:]) != 0,
		}
	}
	return out
}
