package slideinfo

import (
	"encoding/binary"
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
)

func TestBuildV1DedupesIdenticalPages(t *testing.T) {
	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(0x1000, 0x4000) // 3 pages, none touched

	res, err := BuildV1(tracker, 0x1000, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("three untouched pages should share one entry, got %d", len(res.Entries))
	}
	if len(res.TOC) != 3 {
		t.Fatalf("got %d TOC entries, want 3", len(res.TOC))
	}
	for _, idx := range res.TOC {
		if idx != 0 {
			t.Fatalf("all TOC entries should point at entry 0, got %d", idx)
		}
	}
}

func TestBuildV1MarksTouchedPage(t *testing.T) {
	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(0x1000, 0x3000)
	tracker.Add(0x1004)
	tracker.Add(0x2008)

	res, err := BuildV1(tracker, 0x1000, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if res.PagesTouched != 2 {
		t.Fatalf("got %d touched pages, want 2", res.PagesTouched)
	}
	if res.TOC[0] == res.TOC[1] {
		t.Fatal("pages with different rebase locations must not share an entry")
	}
	// bit 1 (offset 4/4) set in page 0's bitmap
	if res.Entries[res.TOC[0]][0]&0x02 == 0 {
		t.Fatal("page 0's bitmap missing the bit for 0x1004")
	}
}

func TestBuildChainedLinksConsecutiveLocations(t *testing.T) {
	regionStart, regionEnd := uint64(0x10000), uint64(0x11000)
	buf := make([]byte, regionEnd-regionStart)

	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(regionStart, regionEnd)
	tracker.Add(regionStart + 0x10)
	tracker.Add(regionStart + 0x20)
	tracker.Add(regionStart + 0x30)

	cfg := Config{Version: V2, PageSize: 4096}
	res, err := BuildChained(buf, regionStart, regionEnd, tracker, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.PagesTouched != 1 {
		t.Fatalf("got %d touched pages, want 1", res.PagesTouched)
	}
	if res.PageStarts[0] != 0x10 {
		t.Fatalf("page start = %#x, want 0x10", res.PageStarts[0])
	}
	if len(res.Extras) != 0 {
		t.Fatalf("no extras expected for closely-spaced locations, got %v", res.Extras)
	}

	deltaBits := cfg.deltaBits()
	shift := uint(64 - deltaBits)
	mask := ((uint64(1) << deltaBits) - 1) << shift

	word0 := binary.LittleEndian.Uint64(buf[0x10:0x18])
	delta0 := (word0 & mask) >> shift
	if delta0 != (0x20-0x10)/strideUnit {
		t.Fatalf("first link delta = %d, want %d", delta0, (0x20-0x10)/strideUnit)
	}

	word2 := binary.LittleEndian.Uint64(buf[0x30:0x38])
	delta2 := (word2 & mask) >> shift
	if delta2 != 0 {
		t.Fatalf("chain must terminate with a zero delta, got %d", delta2)
	}
}

func TestBuildChainedRequisitionsPassThroughSlot(t *testing.T) {
	regionStart, regionEnd := uint64(0x20000), uint64(0x21000)
	buf := make([]byte, regionEnd-regionStart)

	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(regionStart, regionEnd)
	// A small delta-bits budget forces the far-apart pair below to need
	// an intermediate pass-through slot.
	cfg := Config{Version: V2, PageSize: 4096, DeltaBits: 4} // max reach = 15*4 = 60 bytes
	far := regionStart + 0x100
	tracker.Add(regionStart + 0x10)
	tracker.Add(far)

	res, err := BuildChained(buf, regionStart, regionEnd, tracker, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Extras) != 0 {
		t.Fatalf("a reachable pass-through slot should avoid an extras split, got %v", res.Extras)
	}
	// The chain should visit some zero slot between 0x10 and 0x100.
	shift := uint(64 - cfg.deltaBits())
	mask := ((uint64(1) << cfg.deltaBits()) - 1) << shift
	word0 := binary.LittleEndian.Uint64(buf[0x10:0x18])
	delta0 := (word0 & mask) >> shift
	mid := regionStart + 0x10 + delta0*strideUnit
	if mid == far {
		t.Fatal("expected an intermediate pass-through slot, chain jumped directly")
	}
	if mid-regionStart >= 0x100 {
		t.Fatalf("pass-through slot at %#x should fall before the far location", mid)
	}
}

func TestBuildChainedOpensExtrasWhenNoSafeSlotExists(t *testing.T) {
	regionStart, regionEnd := uint64(0x30000), uint64(0x31000)
	buf := make([]byte, regionEnd-regionStart)
	// Poison every slot between the two locations with a nonzero value
	// so no pass-through candidate is safe to requisition.
	for off := 0x10; off < 0x100; off += strideUnit {
		binary.LittleEndian.PutUint64(buf[off:off+8], 0xdeadbeef)
	}

	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(regionStart, regionEnd)
	cfg := Config{Version: V2, PageSize: 4096, DeltaBits: 4}
	tracker.Add(regionStart + 0x10)
	tracker.Add(regionStart + 0x100)

	res, err := BuildChained(buf, regionStart, regionEnd, tracker, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Extras) != 1 {
		t.Fatalf("got %d extras, want 1 when no safe pass-through slot exists", len(res.Extras))
	}
	if res.Extras[0].StartOffset != 0x100 {
		t.Fatalf("extras start offset = %#x, want 0x100", res.Extras[0].StartOffset)
	}
}

func TestBuildChainedNoRebasePage(t *testing.T) {
	regionStart, regionEnd := uint64(0x40000), uint64(0x42000)
	buf := make([]byte, regionEnd-regionStart)

	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(regionStart, regionEnd)
	tracker.Add(regionStart + 0x10) // only page 0 touched

	res, err := BuildChained(buf, regionStart, regionEnd, tracker, Config{Version: V2, PageSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PageStarts) != 2 {
		t.Fatalf("got %d page entries, want 2", len(res.PageStarts))
	}
	if res.PageStarts[1] != noRebase {
		t.Fatalf("untouched page's entry = %#x, want noRebase sentinel", res.PageStarts[1])
	}
}

func TestBuildChainedV4Uses32BitPointers(t *testing.T) {
	regionStart, regionEnd := uint64(0x50000), uint64(0x51000)
	buf := make([]byte, regionEnd-regionStart)

	tracker := aslr.NewTracker(0)
	tracker.SetDataRegion(regionStart, regionEnd)
	tracker.Add(regionStart + 0x10)
	tracker.Add(regionStart + 0x20)

	cfg := Config{Version: V4, PageSize: 4096}
	res, err := BuildChained(buf, regionStart, regionEnd, tracker, cfg)
	if err != nil {
		t.Fatal(err)
	}
	deltaBits := cfg.deltaBits()
	shift := uint(32 - deltaBits)
	mask := ((uint64(1) << deltaBits) - 1) << shift
	word0 := uint64(binary.LittleEndian.Uint32(buf[0x10:0x14]))
	delta0 := (word0 & mask) >> shift
	if delta0 != (0x20-0x10)/strideUnit {
		t.Fatalf("V4 link delta = %d, want %d", delta0, (0x20-0x10)/strideUnit)
	}
	_ = res
}

func TestBuildChainedRejectsV1(t *testing.T) {
	tracker := aslr.NewTracker(0)
	if _, err := BuildChained(nil, 0, 0x1000, tracker, Config{Version: V1, PageSize: 4096}); err == nil {
		t.Fatal("expected an error requesting V1 from BuildChained")
	}
}
