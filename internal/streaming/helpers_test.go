package streaming

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/assets"
	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// store is a chunk store on disk whose payloads are derived from their keys.
type store struct {
	dir       string
	chunkSize int
	format    gpu.Format
	table     *chunkstore.Table
	payloads  map[chunkstore.ChunkKey][]byte
}

func payloadFor(k chunkstore.ChunkKey, n int) []byte {
	h := k.Hash()
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(h>>(uint(i%8)*8)) ^ byte(i) ^ byte(i>>8)
	}
	return b
}

func gridKeys(w, h int, mip uint32) []chunkstore.ChunkKey {
	keys := make([]chunkstore.ChunkKey, 0, w*h)
	for y := range h {
		for x := range w {
			keys = append(keys, chunkstore.NewKey(uint16(x), uint16(y), mip))
		}
	}
	return keys
}

func newStore(t *testing.T, chunkSize int, format gpu.Format, keys []chunkstore.ChunkKey) *store {
	t.Helper()
	dir := t.TempDir()
	size := chunkstore.TileBytes(chunkSize, format.BytesPerTexel())

	w, err := chunkstore.Create(filepath.Join(dir, "c.table"), filepath.Join(dir, "c.bin"), size)
	require.NoError(t, err)
	s := &store{dir: dir, chunkSize: chunkSize, format: format, payloads: make(map[chunkstore.ChunkKey][]byte)}
	for _, k := range keys {
		p := payloadFor(k, size)
		require.NoError(t, w.Add(k, p))
		s.payloads[k] = p
	}
	require.NoError(t, w.Close())

	s.table, err = chunkstore.OpenTable(filepath.Join(dir, "c.table"))
	require.NoError(t, err)
	return s
}

func (s *store) tileBytes() int {
	return chunkstore.TileBytes(s.chunkSize, s.format.BytesPerTexel())
}

// gatedSource wraps a source so every ReadAt blocks until the gate opens,
// tracking how many reads run at once.
type gatedSource struct {
	inner storage.Source
	gate  chan struct{}
	once  sync.Once

	reading atomic.Int32
	peak    atomic.Int32
}

func newGatedSource(inner storage.Source) *gatedSource {
	return &gatedSource{inner: inner, gate: make(chan struct{})}
}

func (g *gatedSource) open() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedSource) Open(ctx context.Context, name string) (storage.Blob, error) {
	b, err := g.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &gatedBlob{Blob: b, g: g}, nil
}

func (g *gatedSource) String() string {
	return "gated:" + g.inner.String()
}

type gatedBlob struct {
	storage.Blob
	g *gatedSource
}

func (b *gatedBlob) ReadAt(p []byte, off int64) (int, error) {
	n := b.g.reading.Add(1)
	for {
		peak := b.g.peak.Load()
		if n <= peak || b.g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-b.g.gate
	defer b.g.reading.Add(-1)
	return b.Blob.ReadAt(p, off)
}

type harness struct {
	store  *store
	dev    *gpu.MemoryDevice
	sess   *Session
	loader *Loader
	cache  *PageCache
}

type harnessOpts struct {
	slotsPerAxis int
	segments     int
	workers      int
	source       storage.Source
	wrap         func(*gpu.MemoryDevice) gpu.Device
}

func newHarness(t *testing.T, s *store, o harnessOpts) *harness {
	t.Helper()
	if o.source == nil {
		o.source = storage.NewLocal(s.dir)
	}
	if o.workers == 0 {
		o.workers = 1
	}
	dev := gpu.NewMemoryDevice()
	var d gpu.Device = dev
	if o.wrap != nil {
		d = o.wrap(dev)
	}
	sess := NewSession(d, nil)
	am := assets.NewManager(t.Context(), o.source)
	t.Cleanup(func() { am.Close() })

	loader, err := NewLoader(sess, am, LoaderOptions{
		Channel:     "test",
		BlobPath:    "c.bin",
		Workers:     o.workers,
		Segments:    o.segments,
		SegmentSize: s.tileBytes(),
		QueueSize:   o.slotsPerAxis * o.slotsPerAxis,
	})
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	cache, err := NewPageCache(sess, loader, PageCacheOptions{
		Label:        "test",
		SlotsPerAxis: o.slotsPerAxis,
		ChunkSize:    s.chunkSize,
		Format:       s.format,
		Table:        s.table,
	})
	require.NoError(t, err)

	return &harness{store: s, dev: dev, sess: sess, loader: loader, cache: cache}
}

// settle refreshes until no load is pending and returns the number of keys
// activated on the way.
func (h *harness) settle(t *testing.T) int {
	t.Helper()
	total := 0
	require.Eventually(t, func() bool {
		n, err := h.cache.Refresh()
		assert.NoError(t, err)
		total += n
		return h.cache.Stats().Loading == 0
	}, 5*time.Second, time.Millisecond)
	return total
}
