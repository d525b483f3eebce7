package cachebuild

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
)

func TestPlacementSliderSlideForSection(t *testing.T) {
	dy := &cacheinput.Dylib{
		InstallName: "/usr/lib/libfoo.dylib",
		Segments: []cacheinput.SegmentInfo{
			{
				Name:   "__TEXT",
				VMAddr: 0x1000,
				Sections: []cacheinput.SectionInfo{
					{Name: "__text"},
					{Name: "__cstring"},
				},
			},
		},
	}

	plan := &layout.Plan{
		Segments: []layout.SegmentPlacement{
			{Dylib: dy, SegmentName: "__TEXT", DestAddr: 0x9000},
		},
	}

	s := newPlacementSlider(plan)

	slide, ok := s.SlideForSection(dy, 2) // second section (1-indexed), __cstring
	if !ok {
		t.Fatal("expected a slide for a known dylib/section")
	}
	if want := int64(0x9000 - 0x1000); slide != want {
		t.Fatalf("slide = 0x%x, want 0x%x", slide, want)
	}

	if _, ok := s.SlideForSection(dy, 99); ok {
		t.Fatal("expected no slide for an out-of-range section index")
	}

	other := &cacheinput.Dylib{InstallName: "/usr/lib/libbar.dylib"}
	if _, ok := s.SlideForSection(other, 1); ok {
		t.Fatal("expected no slide for a dylib absent from the plan")
	}

	if slide, ok := s.SlideForAtom(dy, 1, 0); ok || slide != 0 {
		t.Fatal("SlideForAtom has no real caller in this driver and must stay a (0, false) stub")
	}
}
