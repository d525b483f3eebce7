// Package aslr implements spec.md §4.5, the ASLR tracker (C5): a
// page-granular bitmap of every pointer-sized location in the data
// regions that needs a slide-info rebase entry at emission time, plus
// the side tables the segment adjuster (C6) populates for locations
// whose fixup can't be expressed as a plain chain-compatible rebase:
// high8 tag bytes, pointer-authentication metadata, and 32/64-bit
// rebase targets too wide for the in-place chain field.
//
// The bitmap is grown once, by SetDataRegion, to cover the union of a
// cache's writable regions; C6 then calls Add/Remove/Has while walking
// each dylib's fixups, and the slide-info emitter (C8) consumes it
// read-only. pkg/cachebuild runs C6 for several dylibs concurrently
// against one Tracker: bitmap words are updated with atomic
// compare-and-swap so that two dylibs touching different bytes never
// race, and the side tables are guarded by a mutex.
package aslr

import (
	"sync"
	"sync/atomic"
)

// DefaultMinimumFixupAlignment is the normal-cache pointer-slot
// granularity (4 bytes). Kernel caches use a 1-byte granularity
// instead; callers needing that pass it explicitly to NewTracker.
const DefaultMinimumFixupAlignment = 4

// AuthData is the pointer-authentication metadata spec.md attaches to
// locations using the ptrauth chained-fixup encoding: a 16-bit
// diversity value, whether the diversifier also folds in the pointer's
// own address, and which of the four ptrauth keys signs it.
type AuthData struct {
	Diversity    uint16
	AddrDiverse  bool
	Key          uint8
}

// Tracker is the per-cache (or, in a sharded-parallel variant,
// per-dylib-then-merged) ASLR bookkeeping object.
type Tracker struct {
	minAlign uint64

	dataStart, dataEnd uint64
	bitmap             []atomic.Uint32 // one bit per minAlign-sized slot

	mu       sync.Mutex
	high8    map[uint64]uint8
	auth     map[uint64]AuthData
	rebase32 map[uint64]uint32
	rebase64 map[uint64]uint64
}

// NewTracker returns an empty Tracker. minimumFixupAlignment is the
// byte granularity of trackable locations; 0 selects
// DefaultMinimumFixupAlignment.
func NewTracker(minimumFixupAlignment uint64) *Tracker {
	if minimumFixupAlignment == 0 {
		minimumFixupAlignment = DefaultMinimumFixupAlignment
	}
	return &Tracker{
		minAlign: minimumFixupAlignment,
		high8:    make(map[uint64]uint8),
		auth:     make(map[uint64]AuthData),
		rebase32: make(map[uint64]uint32),
		rebase64: make(map[uint64]uint64),
	}
}

// SetDataRegion bounds the tracker to [start, end), the union of the
// cache's writable regions (spec.md §4.4's data regions), and
// allocates the bitmap backing it. Calling it again replaces the
// bitmap and discards any bits previously set; side tables are left
// untouched since their keys are absolute locations.
func (t *Tracker) SetDataRegion(start, end uint64) {
	t.dataStart, t.dataEnd = start, end
	if end <= start {
		t.bitmap = nil
		return
	}
	nslots := (end - start) / t.minAlign
	nwords := (nslots + 31) / 32
	t.bitmap = make([]atomic.Uint32, nwords)
}

// slot resolves loc to a (word, bit) position in the bitmap, reporting
// ok=false if loc falls outside the data region or isn't aligned to
// the tracker's minimum fixup alignment.
func (t *Tracker) slot(loc uint64) (word int, bit uint, ok bool) {
	if t.bitmap == nil || loc < t.dataStart || loc >= t.dataEnd {
		return 0, 0, false
	}
	off := loc - t.dataStart
	if off%t.minAlign != 0 {
		return 0, 0, false
	}
	idx := off / t.minAlign
	return int(idx / 32), uint(idx % 32), true
}

// Add marks loc as needing a rebase entry. It reports false if loc is
// out of range or misaligned and was therefore not recorded.
func (t *Tracker) Add(loc uint64) bool {
	w, b, ok := t.slot(loc)
	if !ok {
		return false
	}
	mask := uint32(1) << b
	for {
		old := t.bitmap[w].Load()
		if old&mask != 0 {
			return true
		}
		if t.bitmap[w].CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Remove clears loc, e.g. when the adjuster determines a previously
// tentative fixup doesn't need sliding after all.
func (t *Tracker) Remove(loc uint64) bool {
	w, b, ok := t.slot(loc)
	if !ok {
		return false
	}
	mask := uint32(1) << b
	for {
		old := t.bitmap[w].Load()
		if old&mask == 0 {
			return true
		}
		if t.bitmap[w].CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// Has reports whether loc is currently marked.
func (t *Tracker) Has(loc uint64) bool {
	w, b, ok := t.slot(loc)
	if !ok {
		return false
	}
	return t.bitmap[w].Load()&(uint32(1)<<b) != 0
}

// SetHigh8 records the non-zero top byte a THREADED_POINTER_64 (or
// arm64e tagged pointer) fixup carries at loc, for the slide-info
// emitter to fold back into its high8 stream.
func (t *Tracker) SetHigh8(loc uint64, tag uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.high8[loc] = tag
}

// High8 returns the tag byte previously recorded for loc, if any.
func (t *Tracker) High8(loc uint64) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.high8[loc]
	return v, ok
}

// SetAuthData records pointer-authentication metadata for loc.
func (t *Tracker) SetAuthData(loc uint64, a AuthData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auth[loc] = a
}

// AuthData returns the metadata previously recorded for loc, if any.
func (t *Tracker) AuthDataAt(loc uint64) (AuthData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.auth[loc]
	return v, ok
}

// SetRebaseTarget32 records a rebase target that doesn't fit in a
// 32-bit chain field's in-place value, for a side-table-indexed
// encoding instead (spec.md's 32-bit overflow case).
func (t *Tracker) SetRebaseTarget32(loc uint64, target uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebase32[loc] = target
}

// RebaseTarget32 returns the target previously recorded for loc.
func (t *Tracker) RebaseTarget32(loc uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rebase32[loc]
	return v, ok
}

// SetRebaseTarget64 records a rebase target wider than the 36 bits a
// DYLD_CHAINED_PTR_64 chain field can hold in-place (spec.md §9
// scenario S6's target wider than 43 bits is one such case).
func (t *Tracker) SetRebaseTarget64(loc uint64, target uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebase64[loc] = target
}

// RebaseTarget64 returns the target previously recorded for loc.
func (t *Tracker) RebaseTarget64(loc uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rebase64[loc]
	return v, ok
}

// LocationsInRange returns every marked location in [start, end),
// ascending. C8 calls this once per output page to build that page's
// slide-info entry.
func (t *Tracker) LocationsInRange(start, end uint64) []uint64 {
	var out []uint64
	if t.bitmap == nil {
		return out
	}
	if start < t.dataStart {
		start = t.dataStart
	}
	if end > t.dataEnd {
		end = t.dataEnd
	}
	for loc := start; loc < end; loc += t.minAlign {
		if t.Has(loc) {
			out = append(out, loc)
		}
	}
	return out
}
