package cachebuild

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/layout"
)

func TestContainsString(t *testing.T) {
	list := []string{"/usr/lib/libA.dylib", "/usr/lib/libB.dylib"}
	if !containsString(list, "/usr/lib/libB.dylib") {
		t.Fatal("expected libB to be found")
	}
	if containsString(list, "/usr/lib/libC.dylib") {
		t.Fatal("expected libC to be absent")
	}
	if containsString(nil, "x") {
		t.Fatal("expected false for a nil list")
	}
}

func TestDataSpansForOrdersAndFilters(t *testing.T) {
	plan := &layout.Plan{
		Spans: []layout.RegionSpan{
			{Region: layout.RegionText, Start: 0, End: 0x1000},
			{Region: layout.RegionAuthConst, Start: 0x5000, End: 0x6000},
			{Region: layout.RegionData, Start: 0x2000, End: 0x3000},
			{Region: layout.RegionLinkedit, Start: 0x9000, End: 0xa000},
		},
	}

	spans := dataSpansFor(plan)
	if len(spans) != 2 {
		t.Fatalf("expected 2 data-class spans (DATA + AUTH_CONST), got %d", len(spans))
	}
	if spans[0].Region != layout.RegionData || spans[1].Region != layout.RegionAuthConst {
		t.Fatalf("expected spans ordered by start address, got %+v", spans)
	}

	lo, hi := dataRegionBounds(plan)
	if lo != 0x2000 || hi != 0x6000 {
		t.Fatalf("dataRegionBounds = (0x%x, 0x%x), want (0x2000, 0x6000)", lo, hi)
	}
}

func TestDataSpansForNoDataRegions(t *testing.T) {
	plan := &layout.Plan{Spans: []layout.RegionSpan{{Region: layout.RegionText, Start: 0, End: 0x1000}}}
	if spans := dataSpansFor(plan); len(spans) != 0 {
		t.Fatalf("expected no data spans, got %+v", spans)
	}
	lo, hi := dataRegionBounds(plan)
	if lo != 0 || hi != 0 {
		t.Fatalf("expected zero bounds with no data regions, got (0x%x, 0x%x)", lo, hi)
	}
}
