package spaces

import "fmt"

// SpaceID is a durable handle for a space. It stays valid across removals of
// other spaces and is never reissued for a different space while the
// registry lives: a recycled slot gets a new generation.
type SpaceID uint64

func newSpaceID(slot, gen uint32) SpaceID {
	return SpaceID(uint64(gen)<<32 | uint64(slot))
}

func (id SpaceID) slot() uint32 { return uint32(id) }
func (id SpaceID) gen() uint32  { return uint32(id >> 32) }

func (id SpaceID) String() string {
	return fmt.Sprintf("space-%d.%d", id.slot(), id.gen())
}

type slot struct {
	gen   uint32
	live  bool
	entry entry
}

// arena stores entries in reusable slots with a free list.
type arena struct {
	slots []slot
	free  []uint32
}

func (a *arena) alloc(e entry) SpaceID {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.gen++
		s.live = true
		s.entry = e
		return newSpaceID(idx, s.gen)
	}
	a.slots = append(a.slots, slot{gen: 1, live: true, entry: e})
	return newSpaceID(uint32(len(a.slots)-1), 1)
}

func (a *arena) get(id SpaceID) (*entry, bool) {
	idx := id.slot()
	if int(idx) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != id.gen() {
		return nil, false
	}
	return &s.entry, true
}

func (a *arena) release(id SpaceID) bool {
	if _, ok := a.get(id); !ok {
		return false
	}
	idx := id.slot()
	a.slots[idx].live = false
	a.slots[idx].entry = entry{}
	a.free = append(a.free, idx)
	return true
}

// releaseAll frees every live slot. Generations are kept so old ids stay dead.
func (a *arena) releaseAll() {
	for i := range a.slots {
		if a.slots[i].live {
			a.slots[i].live = false
			a.slots[i].entry = entry{}
			a.free = append(a.free, uint32(i))
		}
	}
}
