package streaming

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/internal/streaming/lod"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
	"github.com/Faultbox/terrastream/pkg/math"
)

func TestRefreshCopiesTilesIntoAtlas(t *testing.T) {
	keys := gridKeys(2, 2, 0)
	s := newStore(t, 6, gpu.FormatR16, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 4})

	st, err := h.cache.Reconcile(keys)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Wanted: 4, Loads: 4}, st)

	// Nothing is active before its load lands.
	ind, status := h.cache.Metadata().Pending()
	assert.Zero(t, ind)
	assert.Zero(t, status)

	assert.Equal(t, 4, h.settle(t))
	require.NoError(t, h.cache.CheckInvariants())

	for _, k := range keys {
		slot, ok := h.cache.Resident(k)
		require.True(t, ok, "key %s", k)
		x, y := h.cache.SlotCoord(slot)
		got, err := h.dev.ReadTile(h.cache.Atlas(), x, y)
		require.NoError(t, err)
		// The whole tile matches, border texels included.
		assert.Equal(t, s.payloads[k], got, "key %s", k)
	}

	ind, status = h.cache.Metadata().Pending()
	assert.Equal(t, 4, ind)
	assert.Equal(t, 4, status)

	devStats := h.dev.Stats()
	assert.Equal(t, 4, devStats.TilesCopied)
	assert.Equal(t, devStats.Copies, devStats.Barriers)

	ls := h.loader.Stats()
	assert.Equal(t, int64(4), ls.Drained)
	assert.Zero(t, ls.Staged)
}

func TestRefreshWithoutResults(t *testing.T) {
	s := newStore(t, 2, gpu.FormatR8, gridKeys(1, 1, 0))
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 1, segments: 1})

	n, err := h.cache.Refresh()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.dev.Stats().Copies)
}

func TestStaleSlotReusedWithoutLoad(t *testing.T) {
	keys := gridKeys(3, 1, 0)
	a, b, c := keys[0], keys[1], keys[2]
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 4})

	_, err := h.cache.Reconcile([]chunkstore.ChunkKey{a, b})
	require.NoError(t, err)
	h.settle(t)
	slotA, _, ok := h.cache.Lookup(a)
	require.True(t, ok)
	_, err = h.cache.Metadata().Flush()
	require.NoError(t, err)

	st, err := h.cache.Reconcile([]chunkstore.ChunkKey{b})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Unloaded)
	_, state, _ := h.cache.Lookup(a)
	assert.Equal(t, SlotStale, state)

	_, status := h.cache.Metadata().Pending()
	assert.Equal(t, 1, status)

	submitted := h.loader.Stats().Submitted
	st, err = h.cache.Reconcile([]chunkstore.ChunkKey{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reused)
	assert.Equal(t, 1, st.Loads) // c only
	assert.Equal(t, submitted+1, h.loader.Stats().Submitted)

	slot, state, ok := h.cache.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, slotA, slot)
	assert.Equal(t, SlotActive, state)
	_, ok = h.cache.Resident(a)
	assert.True(t, ok)

	h.settle(t)
	require.NoError(t, h.cache.CheckInvariants())
}

func TestStaleSlotsReclaimedOldestFirst(t *testing.T) {
	keys := gridKeys(6, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 4})

	_, err := h.cache.Reconcile(keys[:4])
	require.NoError(t, err)
	h.settle(t)

	// Slots are scanned in index order, so key 0 turns stale before key 2.
	_, err = h.cache.Reconcile([]chunkstore.ChunkKey{keys[1], keys[3]})
	require.NoError(t, err)
	slot0, _, _ := h.cache.Lookup(keys[0])
	slot2, _, _ := h.cache.Lookup(keys[2])

	_, err = h.cache.Reconcile([]chunkstore.ChunkKey{keys[1], keys[3], keys[4]})
	require.NoError(t, err)
	slot4, _, _ := h.cache.Lookup(keys[4])
	assert.Equal(t, slot0, slot4)

	// The reclaimed key is forgotten; the other stale key is still reusable.
	_, _, ok := h.cache.Lookup(keys[0])
	assert.False(t, ok)
	_, state, ok := h.cache.Lookup(keys[2])
	require.True(t, ok)
	assert.Equal(t, SlotStale, state)

	_, err = h.cache.Reconcile([]chunkstore.ChunkKey{keys[1], keys[3], keys[4], keys[5]})
	require.NoError(t, err)
	slot5, _, _ := h.cache.Lookup(keys[5])
	assert.Equal(t, slot2, slot5)

	h.settle(t)
	require.NoError(t, h.cache.CheckInvariants())
}

func TestReconcileIdempotent(t *testing.T) {
	keys := gridKeys(3, 3, 0)
	s := newStore(t, 2, gpu.FormatR16, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 3, segments: 2})

	_, err := h.cache.Reconcile(keys)
	require.NoError(t, err)

	// Second call while loads are still in flight.
	st, err := h.cache.Reconcile(keys)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Wanted: 9}, st)

	h.settle(t)

	st, err = h.cache.Reconcile(keys)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Wanted: 9}, st)
	assert.Equal(t, int64(9), h.loader.Stats().Submitted)
}

func TestReconcileIgnoresDuplicates(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 1, segments: 1})

	_, err := h.cache.Reconcile([]chunkstore.ChunkKey{keys[0], keys[0], keys[0]})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.loader.Stats().Submitted)
	h.settle(t)
}

func TestPartitionHoldsForRandomSequences(t *testing.T) {
	universe := gridKeys(8, 8, 0)
	s := newStore(t, 2, gpu.FormatR8, universe)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 3, segments: 3, workers: 2})
	slots := h.cache.SlotCount()

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 300 {
		n := rng.IntN(slots + 1)
		wanted := make([]chunkstore.ChunkKey, n)
		for j := range wanted {
			wanted[j] = universe[rng.IntN(len(universe))]
		}

		st, err := h.cache.Reconcile(wanted)
		require.NoError(t, err, "step %d", i)
		if rng.IntN(2) == 0 {
			_, err := h.cache.Refresh()
			require.NoError(t, err)
		}
		require.NoError(t, h.cache.CheckInvariants(), "step %d", i)

		free, active, stale := h.cache.Partition()
		assert.Equal(t, uint64(slots), free.GetCardinality()+active.GetCardinality()+stale.GetCardinality())

		set := make(map[chunkstore.ChunkKey]bool)
		for _, k := range wanted {
			set[k] = true
		}
		activeKeys := h.cache.ActiveKeys()
		for _, k := range activeKeys {
			assert.True(t, set[k], "active key %s not wanted", k)
		}
		assert.Equal(t, len(set)-st.Deferred, len(activeKeys))
	}

	h.settle(t)
	require.NoError(t, h.cache.CheckInvariants())
	assert.Zero(t, h.loader.Stats().Staged)
}

func TestOutstandingLoadsBoundedBySegments(t *testing.T) {
	keys := gridKeys(4, 4, 0)
	s := newStore(t, 2, gpu.FormatR16, keys)
	g := newGatedSource(storage.NewLocal(s.dir))
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 4, segments: 4, workers: 8, source: g})
	t.Cleanup(g.open)

	for range 5 {
		_, err := h.cache.Reconcile(keys)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return g.reading.Load() == 4
	}, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool {
		return h.loader.Stats().Started > 4
	}, 50*time.Millisecond, 5*time.Millisecond)

	g.open()
	assert.Equal(t, 16, h.settle(t))
	assert.LessOrEqual(t, int(g.peak.Load()), 4)
	assert.LessOrEqual(t, h.loader.Stats().PeakStaged, 4)
	assert.Equal(t, int64(16), h.loader.Stats().Submitted)
}

func TestCameraStepLoadsOnlyEnteredChunks(t *testing.T) {
	keys := gridKeys(8, 8, 0)
	s := newStore(t, 128, gpu.FormatR16, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 4, segments: 16})
	gen := &lod.Clipmap{ChunkSize: 128, WorldChunks: 8, RingSizes: []int{2}}

	cam := math.Vec2{X: 320, Y: 320}
	first := gen.Wanted(cam)
	require.Len(t, first, 4)
	st, err := h.cache.Reconcile(first)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Loads)
	h.settle(t)

	cam.X += 128
	second := gen.Wanted(cam)
	st, err = h.cache.Reconcile(second)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Unloaded)
	assert.Equal(t, 2, st.Loads)
	assert.Zero(t, st.Reused)

	for _, k := range h.cache.ActiveKeys() {
		assert.Contains(t, second, k)
		assert.Contains(t, []uint16{3, 4}, k.X())
	}

	// Stepping back reuses the stale column with no I/O.
	cam.X -= 128
	st, err = h.cache.Reconcile(gen.Wanted(cam))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Unloaded)
	assert.Equal(t, 2, st.Reused)
	assert.Zero(t, st.Loads)

	h.settle(t)
	require.NoError(t, h.cache.CheckInvariants())
}

func TestOutOfSlots(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 1, segments: 1})

	_, err := h.cache.Reconcile(keys)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfSlots)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "test", cfgErr.Atlas)

	// The in-flight load for keys[0] drains but never lands.
	require.Eventually(t, func() bool {
		_, err := h.cache.Refresh()
		assert.ErrorIs(t, err, ErrOutOfSlots)
		return h.cache.Stats().Loading == 0
	}, 5*time.Second, time.Millisecond)
	_, ok := h.cache.Resident(keys[0])
	assert.False(t, ok)
	assert.Zero(t, h.loader.Stats().Staged)

	_, err = h.cache.Reconcile(keys[:1])
	assert.ErrorIs(t, err, ErrOutOfSlots)
	assert.EqualValues(t, 1, h.loader.Stats().Submitted)
	require.NoError(t, h.cache.CheckInvariants())
}

func TestDeferWhileStaleSlotsLoad(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	a, b := keys[0], keys[1]
	s := newStore(t, 2, gpu.FormatR8, keys)
	g := newGatedSource(storage.NewLocal(s.dir))
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 1, segments: 1, source: g})
	t.Cleanup(g.open)

	_, err := h.cache.Reconcile([]chunkstore.ChunkKey{a})
	require.NoError(t, err)

	// a is still loading, so its stale slot cannot be handed to b.
	st, err := h.cache.Reconcile([]chunkstore.ChunkKey{b})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Unloaded)
	assert.Equal(t, 1, st.Deferred)
	assert.Zero(t, st.Loads)
	require.NoError(t, h.cache.CheckInvariants())

	g.open()
	activated := h.settle(t)
	assert.Zero(t, activated) // a landed in a stale slot
	_, ok := h.cache.Resident(a)
	assert.True(t, ok)

	st, err = h.cache.Reconcile([]chunkstore.ChunkKey{b})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Loads)
	assert.Equal(t, 1, h.settle(t))
	require.NoError(t, h.cache.CheckInvariants())
}

func TestStaleLoadingKeyPromotedBeforeLanding(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	a := keys[0]
	s := newStore(t, 2, gpu.FormatR8, keys)
	g := newGatedSource(storage.NewLocal(s.dir))
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 1, source: g})
	t.Cleanup(g.open)

	_, err := h.cache.Reconcile([]chunkstore.ChunkKey{a})
	require.NoError(t, err)
	_, err = h.cache.Reconcile(nil)
	require.NoError(t, err)
	st, err := h.cache.Reconcile([]chunkstore.ChunkKey{a})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reused)
	assert.Zero(t, st.Loads)

	// Nodes are published when the load lands, not at promotion.
	ind, _ := h.cache.Metadata().Pending()
	assert.Zero(t, ind)

	g.open()
	assert.Equal(t, 1, h.settle(t))
	ind, _ = h.cache.Metadata().Pending()
	assert.Equal(t, 1, ind)
}

func TestMissingChunkIsIOError(t *testing.T) {
	keys := gridKeys(1, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 1})

	_, err := h.cache.Reconcile([]chunkstore.ChunkKey{keys[0], chunkstore.NewKey(5, 5, 0)})
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "lookup", ioErr.Op)
	assert.ErrorIs(t, err, ErrMissingChunk)

	// Nothing was bound.
	assert.Equal(t, 4, h.cache.Stats().Free)
	assert.Zero(t, h.loader.Stats().Submitted)

	// A valid request is refused once the cache has failed.
	_, again := h.cache.Reconcile(keys)
	assert.Same(t, err, again)
	assert.Equal(t, err, h.cache.Err())
	assert.Zero(t, h.loader.Stats().Submitted)
}

func TestShortReadFailsRefresh(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR16, keys)

	// Cut the blob in the middle of the second payload.
	blob := filepath.Join(s.dir, "c.bin")
	require.NoError(t, os.Truncate(blob, int64(s.tileBytes()+s.tileBytes()/2)))

	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 2})
	_, err := h.cache.Reconcile(keys)
	require.NoError(t, err)

	var refreshErr error
	require.Eventually(t, func() bool {
		_, err := h.cache.Refresh()
		if err != nil {
			refreshErr = err
		}
		return h.cache.Stats().Loading == 0
	}, 5*time.Second, time.Millisecond)

	require.Error(t, refreshErr)
	var ioErr *IOError
	require.ErrorAs(t, refreshErr, &ioErr)
	assert.Equal(t, keys[1], ioErr.Key)
	assert.True(t, errors.Is(refreshErr, chunkstore.ErrShortRead))

	// The failed key gave its slot back; the good one is resident.
	_, _, ok := h.cache.Lookup(keys[1])
	assert.False(t, ok)
	_, ok = h.cache.Resident(keys[0])
	assert.True(t, ok)
	assert.Zero(t, h.loader.Stats().Staged)
	require.NoError(t, h.cache.CheckInvariants())

	// The error sticks: nothing is queued for the freed key.
	submitted := h.loader.Stats().Submitted
	st, err := h.cache.Reconcile(keys)
	assert.ErrorIs(t, err, chunkstore.ErrShortRead)
	assert.Zero(t, st.Loads)
	_, err = h.cache.Refresh()
	assert.ErrorIs(t, err, chunkstore.ErrShortRead)
	assert.Equal(t, submitted, h.loader.Stats().Submitted)
	_, _, ok = h.cache.Lookup(keys[1])
	assert.False(t, ok)
}

// failingCopyDevice loses every tile copy.
type failingCopyDevice struct {
	*gpu.MemoryDevice
}

var errDeviceLost = errors.New("device lost")

func (failingCopyDevice) CopyTiles(gpu.AtlasID, []byte, []gpu.TileCopy) error {
	return errDeviceLost
}

func TestCopyFailureReportsLandedKey(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{
		slotsPerAxis: 2,
		segments:     2,
		wrap:         func(d *gpu.MemoryDevice) gpu.Device { return failingCopyDevice{d} },
	})

	_, err := h.cache.Reconcile(keys[1:])
	require.NoError(t, err)

	var refreshErr error
	require.Eventually(t, func() bool {
		_, refreshErr = h.cache.Refresh()
		return refreshErr != nil
	}, 5*time.Second, time.Millisecond)

	var ioErr *IOError
	require.ErrorAs(t, refreshErr, &ioErr)
	assert.Equal(t, "copy", ioErr.Op)
	assert.Equal(t, keys[1], ioErr.Key)
	assert.ErrorIs(t, refreshErr, errDeviceLost)

	_, _, ok := h.cache.Lookup(keys[1])
	assert.False(t, ok)
	assert.Zero(t, h.loader.Stats().Staged)
	require.NoError(t, h.cache.CheckInvariants())
}

func TestStaleQueueStaysBounded(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 4, segments: 2})

	for i := range 2000 {
		_, err := h.cache.Reconcile(keys[i%2 : i%2+1])
		require.NoError(t, err)
		_, err = h.cache.Refresh()
		require.NoError(t, err)
		require.LessOrEqual(t, len(h.cache.slots.stale), 2*16+1, "frame %d", i)
	}
	require.NoError(t, h.cache.CheckInvariants())
	h.settle(t)
}

func TestUnloadPublishesStatusOnlyForResidentTiles(t *testing.T) {
	keys := gridKeys(2, 1, 0)
	s := newStore(t, 2, gpu.FormatR8, keys)
	g := newGatedSource(storage.NewLocal(s.dir))
	h := newHarness(t, s, harnessOpts{slotsPerAxis: 2, segments: 2, source: g})
	t.Cleanup(g.open)

	_, err := h.cache.Reconcile(keys[:1])
	require.NoError(t, err)
	_, err = h.cache.Reconcile(nil)
	require.NoError(t, err)

	_, status := h.cache.Metadata().Pending()
	assert.Zero(t, status)

	g.open()
	h.settle(t)
	_, err = h.cache.Reconcile(keys[:1])
	require.NoError(t, err)
	_, err = h.cache.Metadata().Flush()
	require.NoError(t, err)

	_, err = h.cache.Reconcile(nil)
	require.NoError(t, err)
	_, status = h.cache.Metadata().Pending()
	assert.Equal(t, 1, status)
}

func TestNewPageCacheRejectsSmallStaging(t *testing.T) {
	s := newStore(t, 4, gpu.FormatRGBA8, gridKeys(1, 1, 0))
	dev := gpu.NewMemoryDevice()
	sess := NewSession(dev, nil)
	h := newHarness(t, newStore(t, 2, gpu.FormatR8, gridKeys(1, 1, 0)), harnessOpts{slotsPerAxis: 1, segments: 1})

	_, err := NewPageCache(sess, h.loader, PageCacheOptions{
		Label: "normal", SlotsPerAxis: 1, ChunkSize: 4, Format: gpu.FormatRGBA8, Table: s.table,
	})
	assert.Error(t, err)

	_, err = NewPageCache(sess, h.loader, PageCacheOptions{
		Label: "big", SlotsPerAxis: 4, ChunkSize: 2, Format: gpu.FormatR8, Table: s.table,
	})
	assert.Error(t, err, "queue smaller than slot count")
}
