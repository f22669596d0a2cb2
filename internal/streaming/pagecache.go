package streaming

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// PageCacheOptions configures a PageCache.
type PageCacheOptions struct {
	Label        string // atlas label, usually the channel name
	SlotsPerAxis int
	ChunkSize    int // tile edge without border
	Format       gpu.Format
	Table        *chunkstore.Table
}

// ReconcileStats describes one Reconcile call.
type ReconcileStats struct {
	Wanted   int // distinct wanted keys
	Unloaded int // active slots turned stale
	Reused   int // stale slots promoted without I/O
	Loads    int // tasks submitted
	Deferred int // keys left for a later frame
}

// CacheStats is a snapshot of slot occupancy and lifetime counters.
type CacheStats struct {
	Free    int
	Active  int
	Stale   int
	Loading int

	Loads     int64
	Reuses    int64
	Unloads   int64
	Deferrals int64
	Activated int64
}

// PageCache owns the physical slots of one atlas. Reconcile binds wanted
// keys to slots and queues loads; Refresh copies finished loads into the
// atlas. Both run on the frame loop.
type PageCache struct {
	log    *zap.Logger
	dev    gpu.Device
	atlas  gpu.AtlasID
	desc   gpu.AtlasDesc
	table  *chunkstore.Table
	loader *Loader
	meta   *MetadataSync

	tileBytes int
	slots     slotTable

	wanted  map[chunkstore.ChunkKey]struct{}
	ordered []chunkstore.ChunkKey
	regions []gpu.TileCopy
	landed  []int

	stats CacheStats
	fatal error
}

// NewPageCache creates the atlas on the session device. The loader's
// segments must hold one tile and its queue must hold one task per slot.
func NewPageCache(s *Session, loader *Loader, opts PageCacheOptions) (*PageCache, error) {
	if opts.Table == nil {
		return nil, fmt.Errorf("page cache %q: no chunk table", opts.Label)
	}
	desc := gpu.AtlasDesc{
		Label:        opts.Label,
		SlotsPerAxis: opts.SlotsPerAxis,
		TileSize:     chunkstore.TileEdge(opts.ChunkSize),
		Format:       opts.Format,
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	tileBytes := chunkstore.TileBytes(opts.ChunkSize, opts.Format.BytesPerTexel())
	if seg := loader.Staging().SegmentSize(); seg < tileBytes {
		return nil, fmt.Errorf("page cache %q: staging segment of %d bytes cannot hold a %d byte tile", opts.Label, seg, tileBytes)
	}
	slotCount := opts.SlotsPerAxis * opts.SlotsPerAxis
	if q := cap(loader.tasks); q < slotCount {
		return nil, fmt.Errorf("page cache %q: loader queue of %d is smaller than %d slots", opts.Label, q, slotCount)
	}

	atlas, err := s.Device.CreateAtlas(desc)
	if err != nil {
		return nil, fmt.Errorf("creating atlas %q: %w", opts.Label, err)
	}

	c := &PageCache{
		log:       s.logger("pagecache").With(zap.String("channel", opts.Label)),
		dev:       s.Device,
		atlas:     atlas,
		desc:      desc,
		table:     opts.Table,
		loader:    loader,
		meta:      NewMetadataSync(s, atlas),
		tileBytes: tileBytes,
		slots:     newSlotTable(slotCount),
		wanted:    make(map[chunkstore.ChunkKey]struct{}, slotCount),
	}
	c.log.Info("atlas created",
		zap.Int("slots_per_axis", desc.SlotsPerAxis),
		zap.Int("tile_size", desc.TileSize),
		zap.Stringer("format", desc.Format),
		zap.Int("chunks", opts.Table.Len()))
	return c, nil
}

// Atlas returns the device atlas.
func (c *PageCache) Atlas() gpu.AtlasID {
	return c.atlas
}

// Desc returns the atlas descriptor.
func (c *PageCache) Desc() gpu.AtlasDesc {
	return c.desc
}

// Metadata returns the node sync fed by this cache.
func (c *PageCache) Metadata() *MetadataSync {
	return c.meta
}

// SlotCount returns the number of physical slots.
func (c *PageCache) SlotCount() int {
	return len(c.slots.slots)
}

// SlotCoord converts a slot index into its atlas grid position.
func (c *PageCache) SlotCoord(s int) (x, y int) {
	return s % c.desc.SlotsPerAxis, s / c.desc.SlotsPerAxis
}

// Reconcile makes the active set equal to wanted. Active keys that are no
// longer wanted become stale without touching their memory. Newly wanted
// keys are promoted from their stale slot when it still holds them, and
// otherwise bound to a free or reclaimed slot and queued for loading.
// Keys are processed in the given order; duplicates are ignored.
//
// Any error is fatal: the cache keeps returning it from Reconcile and
// Refresh and issues no further loads.
func (c *PageCache) Reconcile(wanted []chunkstore.ChunkKey) (ReconcileStats, error) {
	var st ReconcileStats
	if c.fatal != nil {
		return st, c.fatal
	}

	clear(c.wanted)
	c.ordered = c.ordered[:0]
	for _, k := range wanted {
		if _, dup := c.wanted[k]; dup {
			continue
		}
		rng, ok := c.table.Lookup(k)
		if !ok {
			return st, c.fail(&IOError{Key: k, Op: "lookup", Err: ErrMissingChunk})
		}
		if int(rng.Size) != c.tileBytes {
			return st, c.fail(&IOError{Key: k, Op: "lookup", Err: fmt.Errorf("%w: %d bytes, tile is %d",
				chunkstore.ErrPayloadSize, rng.Size, c.tileBytes)})
		}
		c.wanted[k] = struct{}{}
		c.ordered = append(c.ordered, k)
	}
	st.Wanted = len(c.ordered)

	for i := range c.slots.slots {
		sl := &c.slots.slots[i]
		if sl.state != SlotActive {
			continue
		}
		if _, ok := c.wanted[sl.key]; ok {
			continue
		}
		c.slots.markStale(i)
		if sl.resident {
			c.meta.PushStatus(StatusNode{Position: sl.key.Position, Mip: sl.key.Mip, Loaded: false})
		}
		st.Unloaded++
	}

	for _, k := range c.ordered {
		if s, ok := c.slots.bound(k); ok {
			if c.slots.slots[s].state == SlotActive {
				continue
			}
			c.slots.promote(s)
			if c.slots.slots[s].resident {
				c.publish(s)
			}
			st.Reused++
			continue
		}

		s, deferred, ok := c.slots.allocate()
		if !ok {
			if deferred {
				st.Deferred++
				continue
			}
			c.account(st)
			return st, c.fail(&ConfigurationError{Atlas: c.desc.Label, Err: fmt.Errorf("%w: %d slots, %d wanted",
				ErrOutOfSlots, len(c.slots.slots), st.Wanted)})
		}

		rng, _ := c.table.Lookup(k)
		c.slots.bind(s, k)
		if err := c.loader.Submit(Task{Key: k, Slot: s, Range: rng}); err != nil {
			c.slots.finishLoad(s)
			c.slots.release(s)
			c.account(st)
			return st, c.fail(fmt.Errorf("queueing %s: %w", k, err))
		}
		st.Loads++
	}

	c.account(st)
	if st.Deferred > 0 {
		c.log.Warn("loads deferred, stale slots still loading", zap.Int("deferred", st.Deferred))
	}
	if st.Unloaded+st.Reused+st.Loads > 0 {
		c.log.Debug("reconciled",
			zap.Int("wanted", st.Wanted),
			zap.Int("unloaded", st.Unloaded),
			zap.Int("reused", st.Reused),
			zap.Int("loads", st.Loads))
	}
	return st, nil
}

// fail records err as the cache's terminal error and returns it.
func (c *PageCache) fail(err error) error {
	if c.fatal == nil {
		c.fatal = err
		c.log.Error("page cache stopped", zap.Error(err))
	}
	return c.fatal
}

// Err returns the error that stopped the cache, or nil.
func (c *PageCache) Err() error {
	return c.fatal
}

func (c *PageCache) account(st ReconcileStats) {
	c.stats.Loads += int64(st.Loads)
	c.stats.Reuses += int64(st.Reused)
	c.stats.Unloads += int64(st.Unloaded)
	c.stats.Deferrals += int64(st.Deferred)
}

// publish emits the nodes of an active resident slot.
func (c *PageCache) publish(s int) {
	k := c.slots.slots[s].key
	c.meta.PushIndirection(IndirectionNode{Position: k.Position, Slot: uint32(s), Mip: k.Mip})
	c.meta.PushStatus(StatusNode{Position: k.Position, Mip: k.Mip, Loaded: true})
}

// Refresh drains finished loads without blocking, copies them into the
// atlas in one batch and returns how many keys became active. Staging
// segments are released after the copy is issued. A failed load frees its
// slot and makes Refresh return an IOError once the rest of the batch is
// handled. After a fatal error Refresh only recycles staging memory for
// loads that were already in flight and returns that error.
func (c *PageCache) Refresh() (int, error) {
	results := c.loader.Drain()
	if c.fatal != nil {
		for _, r := range results {
			c.slots.finishLoad(r.Task.Slot)
			c.loader.Release(r.Segment)
		}
		return 0, c.fatal
	}
	if len(results) == 0 {
		return 0, nil
	}

	var errs []error
	c.regions = c.regions[:0]
	c.landed = c.landed[:0]
	for _, r := range results {
		s := r.Task.Slot
		c.slots.finishLoad(s)
		if r.Err != nil {
			errs = append(errs, r.Err)
			c.slots.release(s)
			continue
		}
		x, y := c.SlotCoord(s)
		c.regions = append(c.regions, gpu.TileCopy{
			Offset: c.loader.Staging().Offset(r.Segment),
			Size:   int(r.Task.Range.Size),
			SlotX:  x,
			SlotY:  y,
		})
		c.landed = append(c.landed, s)
	}

	activated := 0
	if len(c.regions) > 0 {
		err := c.dev.CopyTiles(c.atlas, c.loader.Staging().Buffer(), c.regions)
		if err != nil {
			key := c.slots.slots[c.landed[0]].key
			for _, s := range c.landed {
				c.slots.release(s)
			}
			errs = append(errs, &IOError{Key: key, Op: "copy", Err: err})
		} else {
			c.dev.Barrier()
			for _, s := range c.landed {
				sl := &c.slots.slots[s]
				sl.resident = true
				if sl.state == SlotActive {
					c.publish(s)
					activated++
				}
			}
		}
	}

	for _, r := range results {
		c.loader.Release(r.Segment)
	}
	c.stats.Activated += int64(activated)

	if len(errs) > 0 {
		c.log.Error("refresh failed", zap.Int("failed", len(errs)))
		return activated, c.fail(errors.Join(errs...))
	}
	c.log.Debug("refreshed", zap.Int("drained", len(results)), zap.Int("activated", activated))
	return activated, nil
}

// Lookup returns the slot currently holding key and its state.
func (c *PageCache) Lookup(key chunkstore.ChunkKey) (slot int, state SlotState, ok bool) {
	s, ok := c.slots.bound(key)
	if !ok {
		return 0, SlotFree, false
	}
	return s, c.slots.slots[s].state, true
}

// Resident reports whether the atlas holds key's payload in slot s.
func (c *PageCache) Resident(key chunkstore.ChunkKey) (int, bool) {
	s, ok := c.slots.bound(key)
	if !ok || !c.slots.slots[s].resident {
		return 0, false
	}
	return s, true
}

// ActiveKeys returns the keys of all active slots, including those still
// loading.
func (c *PageCache) ActiveKeys() []chunkstore.ChunkKey {
	keys := make([]chunkstore.ChunkKey, 0, c.slots.active)
	for _, sl := range c.slots.slots {
		if sl.state == SlotActive {
			keys = append(keys, sl.key)
		}
	}
	return keys
}

// Partition returns the slot indices in each state.
func (c *PageCache) Partition() (free, active, stale *roaring.Bitmap) {
	return c.slots.partition()
}

// CheckInvariants verifies the slot bookkeeping.
func (c *PageCache) CheckInvariants() error {
	if err := c.slots.check(); err != nil {
		return fmt.Errorf("page cache %q: %w", c.desc.Label, err)
	}
	return nil
}

// Stats returns occupancy and lifetime counters.
func (c *PageCache) Stats() CacheStats {
	st := c.stats
	st.Free = len(c.slots.slots) - c.slots.active - c.slots.staleCount
	st.Active = c.slots.active
	st.Stale = c.slots.staleCount
	st.Loading = c.slots.loading
	return st
}
