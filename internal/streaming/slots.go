package streaming

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// SlotState is the lifecycle state of an atlas slot.
type SlotState uint8

const (
	// SlotFree holds no key.
	SlotFree SlotState = iota
	// SlotActive is bound to a wanted key. Its load may still be in flight.
	SlotActive
	// SlotStale still holds an unwanted key and may be reused for it without
	// I/O, or reclaimed for another key.
	SlotStale
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotActive:
		return "active"
	case SlotStale:
		return "stale"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

type slot struct {
	state    SlotState
	key      chunkstore.ChunkKey
	resident bool   // atlas holds the payload of key
	loading  bool   // a task for key has not been drained yet
	gen      uint32 // bumped on every transition to stale
}

// staleRef is a stale FIFO entry, valid while the slot is still stale with
// the same generation.
type staleRef struct {
	slot int
	gen  uint32
}

// slotTable is the single authority for slot state. binding remembers the
// last slot of every key still held by some slot; an entry is valid only if
// that slot still carries the key.
type slotTable struct {
	slots   []slot
	binding map[chunkstore.ChunkKey]int
	free    []int
	stale   []staleRef

	active     int
	staleCount int
	loading    int
}

func newSlotTable(n int) slotTable {
	t := slotTable{
		slots:   make([]slot, n),
		binding: make(map[chunkstore.ChunkKey]int, n),
		free:    make([]int, n),
	}
	for i := range t.free {
		t.free[i] = n - 1 - i
	}
	return t
}

// bound returns the slot holding key, if any.
func (t *slotTable) bound(key chunkstore.ChunkKey) (int, bool) {
	s, ok := t.binding[key]
	if !ok || t.slots[s].state == SlotFree || t.slots[s].key != key {
		return 0, false
	}
	return s, true
}

func (t *slotTable) markStale(s int) {
	sl := &t.slots[s]
	sl.state = SlotStale
	sl.gen++
	t.active--
	t.staleCount++
	t.stale = append(t.stale, staleRef{slot: s, gen: sl.gen})
	if len(t.stale) > 2*t.staleCount {
		t.compactStale()
	}
}

// compactStale drops refs to slots that were promoted or released since
// they went stale, keeping the rest in age order.
func (t *slotTable) compactStale() {
	live := t.stale[:0]
	for _, ref := range t.stale {
		if t.validStale(ref) {
			live = append(live, ref)
		}
	}
	t.stale = live
}

func (t *slotTable) promote(s int) {
	t.slots[s].state = SlotActive
	t.staleCount--
	t.active++
}

// allocate returns a free slot, or the oldest stale slot with no load in
// flight. deferred reports that only stale slots with pending loads exist.
func (t *slotTable) allocate() (s int, deferred bool, ok bool) {
	if n := len(t.free); n > 0 {
		s = t.free[n-1]
		t.free = t.free[:n-1]
		return s, false, true
	}

	for len(t.stale) > 0 && !t.validStale(t.stale[0]) {
		t.stale = t.stale[1:]
	}
	for i, ref := range t.stale {
		if !t.validStale(ref) || t.slots[ref.slot].loading {
			continue
		}
		t.stale = append(t.stale[:i], t.stale[i+1:]...)
		s = ref.slot
		delete(t.binding, t.slots[s].key)
		t.staleCount--
		t.slots[s].state = SlotFree
		return s, false, true
	}
	return 0, t.staleCount > 0, false
}

func (t *slotTable) validStale(ref staleRef) bool {
	sl := &t.slots[ref.slot]
	return sl.state == SlotStale && sl.gen == ref.gen
}

// bind makes a slot returned by allocate active for key, pending a load.
func (t *slotTable) bind(s int, key chunkstore.ChunkKey) {
	t.slots[s] = slot{
		state:   SlotActive,
		key:     key,
		loading: true,
		gen:     t.slots[s].gen,
	}
	t.binding[key] = s
	t.active++
	t.loading++
}

// finishLoad clears the pending-load flag once a result is drained.
func (t *slotTable) finishLoad(s int) {
	if t.slots[s].loading {
		t.slots[s].loading = false
		t.loading--
	}
}

// release returns a slot to the free pool, dropping its key.
func (t *slotTable) release(s int) {
	sl := &t.slots[s]
	switch sl.state {
	case SlotActive:
		t.active--
	case SlotStale:
		t.staleCount--
	case SlotFree:
		return
	}
	if sl.loading {
		t.loading--
	}
	if b, ok := t.binding[sl.key]; ok && b == s {
		delete(t.binding, sl.key)
	}
	*sl = slot{gen: sl.gen + 1}
	t.free = append(t.free, s)
}

// partition returns the slot indices of each state.
func (t *slotTable) partition() (free, active, stale *roaring.Bitmap) {
	free, active, stale = roaring.New(), roaring.New(), roaring.New()
	for i, sl := range t.slots {
		switch sl.state {
		case SlotFree:
			free.Add(uint32(i))
		case SlotActive:
			active.Add(uint32(i))
		case SlotStale:
			stale.Add(uint32(i))
		}
	}
	return free, active, stale
}

// check verifies the bookkeeping: the three states partition the pool, the
// free stack and stale queue agree with slot state, no key occupies two
// slots, and counters match.
func (t *slotTable) check() error {
	var errs []error
	n := uint64(len(t.slots))

	free, active, stale := t.partition()
	if free.Intersects(active) || free.Intersects(stale) || active.Intersects(stale) {
		errs = append(errs, errors.New("slot in more than one state"))
	}
	if u := roaring.Or(roaring.Or(free, active), stale).GetCardinality(); u != n {
		errs = append(errs, fmt.Errorf("states cover %d of %d slots", u, n))
	}

	stack := roaring.New()
	for _, s := range t.free {
		if !stack.CheckedAdd(uint32(s)) {
			errs = append(errs, fmt.Errorf("slot %d twice on free stack", s))
		}
	}
	if !stack.Equals(free) {
		errs = append(errs, fmt.Errorf("free stack %v differs from free slots %v", stack.ToArray(), free.ToArray()))
	}

	queued := roaring.New()
	for _, ref := range t.stale {
		if t.validStale(ref) && !queued.CheckedAdd(uint32(ref.slot)) {
			errs = append(errs, fmt.Errorf("stale slot %d queued twice", ref.slot))
		}
	}
	if !queued.Equals(stale) {
		errs = append(errs, fmt.Errorf("stale queue %v differs from stale slots %v", queued.ToArray(), stale.ToArray()))
	}

	owners := make(map[chunkstore.ChunkKey]int, len(t.slots))
	loading := 0
	for i, sl := range t.slots {
		if sl.loading {
			loading++
		}
		if sl.state == SlotFree {
			if sl.loading || sl.resident {
				errs = append(errs, fmt.Errorf("free slot %d carries data flags", i))
			}
			continue
		}
		if prev, ok := owners[sl.key]; ok {
			errs = append(errs, fmt.Errorf("key %s bound to slots %d and %d", sl.key, prev, i))
		}
		owners[sl.key] = i
		if b, ok := t.binding[sl.key]; !ok || b != i {
			errs = append(errs, fmt.Errorf("binding of %s does not point at slot %d", sl.key, i))
		}
	}

	if len(t.binding) != len(owners) {
		errs = append(errs, fmt.Errorf("%d bindings for %d bound slots", len(t.binding), len(owners)))
	}

	if int(active.GetCardinality()) != t.active || int(stale.GetCardinality()) != t.staleCount || loading != t.loading {
		errs = append(errs, fmt.Errorf("counters active=%d stale=%d loading=%d, slots say %d/%d/%d",
			t.active, t.staleCount, t.loading, active.GetCardinality(), stale.GetCardinality(), loading))
	}
	return errors.Join(errs...)
}
