// Package adjust implements spec.md §4.6, the segment adjuster (C6): given
// one dylib's SegmentPlacement[] (from pkg/layout) and the shared ASLR
// tracker (pkg/aslr), it rewrites every fixup the dylib carries so its
// contents are valid at their new cache address, then rebuilds the
// dylib's link-edit content in the fixed order C7 (pkg/linkedit) expects
// to concatenate across the whole cache.
//
// pkg/cachebuild.adjustAll runs C6 for several dylibs concurrently
// against one shared tracker: its bitmap writes use atomic
// compare-and-swap and its side tables are guarded by a mutex.
package adjust

import (
	"io"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/layout"
)

// Slider resolves the (old, new) addresses needed to compute a reference
// edge's slide. A plain, uncoalesced section's slide is constant across
// its whole span (new segment address minus old); a coalesced section
// (one of C3's merged text pools) instead reports the specific atom's
// new address, since atoms from many dylibs are interleaved in the
// merged pool at arbitrary offsets.
type Slider interface {
	// SlideForSection returns the (new - old) address delta for every
	// byte of (dylib, sectionIndex) that isn't individually coalesced.
	SlideForSection(dylib *cacheinput.Dylib, sectionIndex uint8) (int64, bool)
	// SlideForAtom returns the slide for one coalesced atom at
	// (dylib, sectionIndex, offset), when the section participates in a
	// C3 merge pool.
	SlideForAtom(dylib *cacheinput.Dylib, sectionIndex uint8, offset uint64) (int64, bool)
}

// PlacementIndex answers "where did this dylib's segment land" queries,
// built once per dylib from its slice of layout.SegmentPlacement.
type PlacementIndex struct {
	bySegment map[string]layout.SegmentPlacement
}

// NewPlacementIndex indexes placements, which must all belong to the
// same dylib.
func NewPlacementIndex(placements []layout.SegmentPlacement) *PlacementIndex {
	idx := &PlacementIndex{bySegment: make(map[string]layout.SegmentPlacement, len(placements))}
	for _, p := range placements {
		idx.bySegment[p.SegmentName] = p
	}
	return idx
}

// Slide returns the segment-granular slide (new VM address minus old),
// the simplest case of spec.md §4.6's "compute the slide on each side".
func (idx *PlacementIndex) Slide(segmentName string, oldVMAddr uint64) (int64, bool) {
	p, ok := idx.bySegment[segmentName]
	if !ok {
		return 0, false
	}
	return int64(p.DestAddr) - int64(oldVMAddr), true
}

func (idx *PlacementIndex) Placement(segmentName string) (layout.SegmentPlacement, bool) {
	p, ok := idx.bySegment[segmentName]
	return p, ok
}

// Result is the output of adjusting one dylib: its rewritten segment
// contents, keyed by segment name, and the per-dylib link-edit
// components C7 merges across the whole cache.
type Result struct {
	Dylib        *cacheinput.Dylib
	Rewritten    map[string][]byte // segment name -> rewritten file contents
	LinkEdit     LinkEditComponents
	Loads        LoadPlan
	EdgesApplied int
}

// Dylib adjusts one dylib in place against its already-decided layout,
// dispatching to the split-seg-v2 or legacy no-split-seg path per
// spec.md §4.6, then rebuilding its link-edit content. islands routes
// any ARM64_BR26 edge that can't directly reach its target through a
// reserved branch island (SPEC_FULL.md's supplemented out-of-range
// handling); pass nil to make an out-of-range branch a hard failure.
func Dylib(d *cacheinput.Dylib, placements []layout.SegmentPlacement, slider Slider, tracker *aslr.Tracker, islands *IslandRouter, dg *diag.Diagnostic) (*Result, error) {
	idx := NewPlacementIndex(placements)

	res := &Result{Dylib: d, Rewritten: make(map[string][]byte, len(placements))}
	for _, p := range placements {
		res.Rewritten[p.SegmentName] = copySegmentBytes(d, p)
	}

	var err error
	if d.HasSplitSegV2 {
		res.EdgesApplied, err = applySplitSegV2(d, idx, slider, tracker, islands, res, dg)
	} else {
		res.EdgesApplied, err = applyLegacyRebases(d, idx, tracker, res, dg)
	}
	if err != nil {
		dg.Fail(err)
		return nil, err
	}

	res.LinkEdit, err = buildLinkEdit(d, idx, dg)
	if err != nil {
		dg.Fail(err)
		return nil, err
	}

	res.Loads = planLoadCommands(d, idx)

	return res, nil
}

// copySegmentBytes extracts the placement's CopySize bytes from the
// dylib's original file content, trimming any bytes C3 coalesced away
// (spec.md §4.3/§4.4's TrimBytes contract: CopySize <= DestSize).
func copySegmentBytes(d *cacheinput.Dylib, p layout.SegmentPlacement) []byte {
	out := make([]byte, p.DestSize)
	if p.CopySize == 0 {
		return out
	}
	// out is already zeroed, so a short read (n < len(out[:p.CopySize]))
	// just leaves its unread tail at zero rather than reading garbage.
	n, err := d.MachoFile.ReadAt(out[:p.CopySize], int64(p.SrcOffset))
	if err != nil && err != io.EOF {
		return out
	}
	_ = n
	return out
}

// segmentForSection finds which of a dylib's segments owns sectIndex
// (1-based, matching Symbol.Sect / macho section numbering), and the
// section's own metadata within it.
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
