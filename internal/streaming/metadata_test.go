package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/gpu"
)

func newTestSync(t *testing.T) (*MetadataSync, *gpu.MemoryDevice, gpu.AtlasID) {
	t.Helper()
	dev := gpu.NewMemoryDevice()
	atlas, err := dev.CreateAtlas(gpu.AtlasDesc{SlotsPerAxis: 1, TileSize: 1, Format: gpu.FormatR8})
	require.NoError(t, err)
	return NewMetadataSync(NewSession(dev, nil), atlas), dev, atlas
}

func TestMetadataSyncDoubleBuffers(t *testing.T) {
	m, dev, atlas := newTestSync(t)

	m.PushIndirection(IndirectionNode{Position: 0x00020001, Slot: 3, Mip: 1})
	m.PushStatus(StatusNode{Position: 0x00020001, Mip: 1, Loaded: true})
	n, err := m.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(1), m.Frame())

	assert.Equal(t, []IndirectionNode{{Position: 0x00020001, Slot: 3, Mip: 1}},
		DecodeIndirection(dev.Nodes(atlas, gpu.NodeIndirection, 0)))
	assert.Equal(t, []StatusNode{{Position: 0x00020001, Mip: 1, Loaded: true}},
		DecodeStatus(dev.Nodes(atlas, gpu.NodeStatus, 0)))

	// Frame 1 writes the other buffer and leaves frame 0's upload alone.
	m.PushStatus(StatusNode{Position: 7, Mip: 0, Loaded: false})
	_, err = m.Flush()
	require.NoError(t, err)
	assert.Equal(t, []StatusNode{{Position: 7}}, DecodeStatus(dev.Nodes(atlas, gpu.NodeStatus, 1)))
	assert.Len(t, dev.Nodes(atlas, gpu.NodeStatus, 0), NodeSize)
	assert.Nil(t, dev.Nodes(atlas, gpu.NodeIndirection, 1))

	// Frame 2 reuses buffer 0, which starts empty.
	ind, status := m.Pending()
	assert.Zero(t, ind)
	assert.Zero(t, status)
}

func TestMetadataSyncSkipsEmptyUploads(t *testing.T) {
	m, dev, _ := newTestSync(t)

	for range 3 {
		n, err := m.Flush()
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Zero(t, dev.Stats().Uploads)
	assert.Equal(t, uint64(3), m.Frame())
}

func TestEncodeNodesLayout(t *testing.T) {
	b := EncodeIndirection(nil, []IndirectionNode{{Position: 1, Slot: 2, Mip: 3}})
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0}, b)

	b = EncodeStatus(nil, []StatusNode{{Position: 0x0102, Mip: 4, Loaded: true}})
	assert.Equal(t, []byte{2, 1, 0, 0, 4, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}, b)
}
