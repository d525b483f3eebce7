package aslr

import (
	"sync"
	"testing"
)

func TestAddHasRemove(t *testing.T) {
	tr := NewTracker(4)
	tr.SetDataRegion(0x1c0000000, 0x1c0010000)

	loc := uint64(0x1c0000000)
	if tr.Has(loc) {
		t.Fatal("fresh tracker should not have loc set")
	}
	if !tr.Add(loc) {
		t.Fatal("Add should accept an in-range, aligned location")
	}
	if !tr.Has(loc) {
		t.Fatal("Has should report the location just added")
	}
	if !tr.Remove(loc) {
		t.Fatal("Remove should accept the same location")
	}
	if tr.Has(loc) {
		t.Fatal("Has should be false after Remove")
	}
}

func TestAddRejectsOutOfRangeOrMisaligned(t *testing.T) {
	tr := NewTracker(4)
	tr.SetDataRegion(0x1c0000000, 0x1c0001000)

	if tr.Add(0x1bfffffff) {
		t.Fatal("Add should reject a location before the data region")
	}
	if tr.Add(0x1c0001000) {
		t.Fatal("Add should reject a location at/after the data region end")
	}
	if tr.Add(0x1c0000001) {
		t.Fatal("Add should reject a misaligned location")
	}
}

// TestConcurrentDisjointWrites exercises the documented property
// (spec.md §9 "Concurrency primitives"): two goroutines touching
// different bytes of the bitmap never corrupt each other's bits, even
// without any caller-side locking.
func TestConcurrentDisjointWrites(t *testing.T) {
	tr := NewTracker(4)
	start := uint64(0x1c0000000)
	end := start + 0x80000 // 512KiB => 131072 slots => 4096 bitmap words
	tr.SetDataRegion(start, end)

	const perGoroutine = 256
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				// Each goroutine owns a disjoint, widely-spaced stripe
				// of locations so no two goroutines ever touch the
				// same bitmap word.
				loc := start + uint64(g*perGoroutine+i)*4*64
				tr.Add(loc)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 8; g++ {
		for i := 0; i < perGoroutine; i++ {
			loc := start + uint64(g*perGoroutine+i)*4*64
			if !tr.Has(loc) {
				t.Fatalf("location %#x from goroutine %d lost", loc, g)
			}
		}
	}
}

// TestScenarioS1 adapts spec.md §8 S1: a single __DATA pointer at the
// base of the data region, after rewrite, is the only set bit, and
// LocationsInRange (what C8 uses to build page 0's slide-info entry)
// reports it as the sole location on page 0.
func TestScenarioS1(t *testing.T) {
	tr := NewTracker(4)
	const dataBase = 0x1c0000000
	tr.SetDataRegion(dataBase, dataBase+0x1000)

	tr.Add(dataBase)

	locs := tr.LocationsInRange(dataBase, dataBase+0x4000)
	if len(locs) != 1 || locs[0] != dataBase {
		t.Fatalf("page 0 locations = %#x, want exactly [%#x]", locs, dataBase)
	}
}

// TestScenarioS6 adapts spec.md §8 S6: a rebase target too wide for
// the in-place 64-bit chain field is recorded in the 64-bit
// rebase-target side table rather than the bitmap word value itself,
// and the bitmap still marks the location as needing a slide-info
// entry.
func TestScenarioS6(t *testing.T) {
	tr := NewTracker(4)
	const dataBase = 0x1c0000000
	tr.SetDataRegion(dataBase, dataBase+0x1000)

	loc := uint64(dataBase + 0x40)
	const wide = uint64(1) << 44 // exceeds 43 bits

	tr.Add(loc)
	tr.SetRebaseTarget64(loc, wide)

	if !tr.Has(loc) {
		t.Fatal("overflowing rebase location must still be marked in the bitmap")
	}
	got, ok := tr.RebaseTarget64(loc)
	if !ok {
		t.Fatal("expected a recorded 64-bit rebase target")
	}
	if got != wide {
		t.Fatalf("RebaseTarget64 = %#x, want %#x", got, wide)
	}
}

func TestSetDataRegionResetsBitmapNotSideTables(t *testing.T) {
	tr := NewTracker(4)
	tr.SetDataRegion(0x1c0000000, 0x1c0001000)
	loc := uint64(0x1c0000004)
	tr.Add(loc)
	tr.SetHigh8(loc, 0x80)

	tr.SetDataRegion(0x1c0000000, 0x1c0002000)
	if tr.Has(loc) {
		t.Fatal("re-sizing the data region should discard prior bitmap bits")
	}
	if tag, ok := tr.High8(loc); !ok || tag != 0x80 {
		t.Fatal("re-sizing the data region must not discard side-table entries")
	}
}
