package cachebuild

import (
	"encoding/binary"
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/slideinfo"
)

func TestEncodeSlideInfoV1Layout(t *testing.T) {
	entry := make([]byte, 128)
	entry[0] = 0xAB
	res := &slideinfo.Result{
		Version: slideinfo.V1,
		TOC:     []uint16{0, 1, 0},
		Entries: [][]byte{entry},
	}

	out := encodeSlideInfo(res)

	gotVersion := binary.LittleEndian.Uint32(out[0:4])
	if gotVersion != 1 {
		t.Fatalf("version = %d, want 1", gotVersion)
	}
	tocOffset := binary.LittleEndian.Uint32(out[4:8])
	tocCount := binary.LittleEndian.Uint32(out[8:12])
	entriesOffset := binary.LittleEndian.Uint32(out[12:16])
	entriesCount := binary.LittleEndian.Uint32(out[16:20])
	entrySize := binary.LittleEndian.Uint32(out[20:24])

	if tocOffset != 24 {
		t.Fatalf("tocOffset = %d, want 24 (right after the fixed header)", tocOffset)
	}
	if tocCount != 3 {
		t.Fatalf("tocCount = %d, want 3", tocCount)
	}
	if entriesCount != 1 {
		t.Fatalf("entriesCount = %d, want 1", entriesCount)
	}
	if entrySize != 128 {
		t.Fatalf("entrySize = %d, want 128", entrySize)
	}
	if entriesOffset%4 != 0 {
		t.Fatalf("entriesOffset %d must be 4-byte aligned", entriesOffset)
	}
	if uint32(len(out)) != entriesOffset+entriesCount*128 {
		t.Fatalf("output length %d doesn't match entriesOffset+entries*128 (%d)", len(out), entriesOffset+entriesCount*128)
	}
	if out[entriesOffset] != 0xAB {
		t.Fatalf("entry bytes weren't copied at entriesOffset")
	}
}

func TestEncodeSlideInfoChainedMarksExtras(t *testing.T) {
	res := &slideinfo.Result{
		Version:    slideinfo.V3,
		PageSize:   16384,
		PageStarts: []uint32{0x10, 0x20, 0x30},
		Extras: []slideinfo.Extra{
			{PageIndex: 1, StartOffset: 0x40},
			{PageIndex: 1, StartOffset: 0x80},
		},
	}

	out := encodeSlideInfo(res)

	gotVersion := binary.LittleEndian.Uint32(out[0:4])
	if gotVersion != 3 {
		t.Fatalf("version = %d, want 3", gotVersion)
	}
	pageStartsOffset := binary.LittleEndian.Uint32(out[8:12])
	pageStartsCount := binary.LittleEndian.Uint32(out[12:16])
	pageExtrasOffset := binary.LittleEndian.Uint32(out[16:20])
	pageExtrasCount := binary.LittleEndian.Uint32(out[20:24])

	if pageStartsCount != 3 {
		t.Fatalf("pageStartsCount = %d, want 3", pageStartsCount)
	}
	if pageExtrasCount != 2 {
		t.Fatalf("pageExtrasCount = %d, want 2 (both extras belong to page 1)", pageExtrasCount)
	}

	page1Start := binary.LittleEndian.Uint16(out[pageStartsOffset+2 : pageStartsOffset+4])
	if page1Start&extraSentinel == 0 {
		t.Fatalf("page 1's start entry must carry the extras sentinel bit, got 0x%x", page1Start)
	}

	firstExtraPage := binary.LittleEndian.Uint32(out[pageExtrasOffset : pageExtrasOffset+4])
	firstExtraStart := binary.LittleEndian.Uint32(out[pageExtrasOffset+4 : pageExtrasOffset+8])
	if firstExtraPage != 1 || firstExtraStart != 0x40 {
		t.Fatalf("first extra = (page %d, start 0x%x), want (1, 0x40)", firstExtraPage, firstExtraStart)
	}

	page0Start := binary.LittleEndian.Uint16(out[pageStartsOffset : pageStartsOffset+2])
	if page0Start != 0x10 {
		t.Fatalf("page 0's start entry must pass its PageStarts value through untouched, got 0x%x", page0Start)
	}
}

func TestAlignUp32(t *testing.T) {
	cases := []struct{ v, align, want uint32 }{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
	}
	for _, c := range cases {
		if got := alignUp32(c.v, c.align); got != c.want {
			t.Errorf("alignUp32(%d, %d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
}
