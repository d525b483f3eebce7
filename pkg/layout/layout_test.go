package layout

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/types"
)

func dylib(name string) *cacheinput.Dylib {
	return &cacheinput.Dylib{
		InstallName: name,
		Segments: []cacheinput.SegmentInfo{
			{Name: "__TEXT", InitProt: types.VmProtection(5), VMSize: 0x4000, FileSize: 0x4000},
			{Name: "__DATA", InitProt: types.VmProtection(3), VMSize: 0x2000, FileSize: 0x2000},
			{Name: "__LINKEDIT", InitProt: types.VmProtection(1), VMSize: 0x1000, FileSize: 0x1000},
		},
	}
}

func TestPlanOrdersRegionsAndAdvancesAddresses(t *testing.T) {
	dylibs := []*cacheinput.Dylib{dylib("/a.dylib"), dylib("/b.dylib")}
	cfg := Config{
		SharedRegionStart: 0x180000000,
		HeaderReserve:     0x4000,
		PermittedWindow:   0x100000000,
	}

	var d diag.Diagnostic
	plan, err := Plan(dylibs, nil, cfg, &d)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Spans) == 0 {
		t.Fatal("expected at least one region span")
	}

	var prevEnd uint64
	for i, span := range plan.Spans {
		if span.Start < prevEnd {
			t.Fatalf("span %d (%s) starts at %#x before previous span ended at %#x", i, span.Region, span.Start, prevEnd)
		}
		if span.End < span.Start {
			t.Fatalf("span %d (%s) has end before start", i, span.Region)
		}
		prevEnd = span.End
	}

	seen := make(map[uint64]*SegmentPlacement)
	for i := range plan.Segments {
		seg := &plan.Segments[i]
		if other, ok := seen[seg.DestAddr]; ok {
			t.Fatalf("two segments share destination address %#x: %s/%s and %s/%s",
				seg.DestAddr, seg.Dylib.InstallName, seg.SegmentName, other.Dylib.InstallName, other.SegmentName)
		}
		seen[seg.DestAddr] = seg
	}
}

func TestPlanFailsOverPermittedWindow(t *testing.T) {
	dylibs := []*cacheinput.Dylib{dylib("/a.dylib")}
	cfg := Config{
		SharedRegionStart: 0x180000000,
		PermittedWindow:   0x1000, // far smaller than one dylib's segments
	}

	var d diag.Diagnostic
	_, err := Plan(dylibs, nil, cfg, &d)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
	if _, ok := err.(*OverflowError); !ok {
		t.Fatalf("expected *OverflowError, got %T", err)
	}
	if !d.Failed() {
		t.Fatal("expected the diagnostic to record a fatal error")
	}
}
