package cachebuild

import (
	"github.com/PureDarwin/dyldcache/pkg/adjust"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
)

// placementSlider implements adjust.Slider over the whole cache's
// layout.Plan: one adjust.PlacementIndex per dylib, looked up by
// install name.
//
// SlideForAtom is stubbed to (0, false): pkg/adjust/splitseg.go's
// sectionSlide only ever calls SlideForSection today (confirmed by
// inspection — no C3 text-pool coalescing atom actually needs
// atom-granular slides yet, since this build doesn't run a C3 merge
// pass over individual atoms), so a real coalesced-pool implementation
// would have no caller to exercise it. Documented as an Open Question
// decision in DESIGN.md rather than silently omitted.
type placementSlider struct {
	byInstallName map[string]*adjust.PlacementIndex
}

func newPlacementSlider(plan *layout.Plan) *placementSlider {
	byDylib := make(map[*cacheinput.Dylib][]layout.SegmentPlacement)
	for _, seg := range plan.Segments {
		byDylib[seg.Dylib] = append(byDylib[seg.Dylib], seg)
	}
	s := &placementSlider{byInstallName: make(map[string]*adjust.PlacementIndex, len(byDylib))}
	for dy, segs := range byDylib {
		s.byInstallName[dy.InstallName] = adjust.NewPlacementIndex(segs)
	}
	return s
}

func (s *placementSlider) SlideForSection(dylib *cacheinput.Dylib, sectionIndex uint8) (int64, bool) {
	idx, ok := s.byInstallName[dylib.InstallName]
	if !ok {
		return 0, false
	}
	seg, _, ok := segmentForSection(dylib, sectionIndex)
	if !ok {
		return 0, false
	}
	return idx.Slide(seg.Name, seg.VMAddr)
}

func (s *placementSlider) SlideForAtom(dylib *cacheinput.Dylib, sectionIndex uint8, offset uint64) (int64, bool) {
	return 0, false
}

// segmentForSection mirrors pkg/adjust's unexported helper of the same
// name (it isn't exported, so the driver needs its own copy to resolve
// a section index to its owning segment for slide lookups).
func segmentForSection(d *cacheinput.Dylib, sectIndex uint8) (cacheinput.SegmentInfo, cacheinput.SectionInfo, bool) {
	n := uint8(0)
	for _, seg := range d.Segments {
		for _, sec := range seg.Sections {
			n++
			if n == sectIndex {
				return seg, sec, true
			}
		}
	}
	return cacheinput.SegmentInfo{}, cacheinput.SectionInfo{}, false
}

func (s *placementSlider) placementIndex(installName string) (*adjust.PlacementIndex, bool) {
	idx, ok := s.byInstallName[installName]
	return idx, ok
}
