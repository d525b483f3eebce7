package adjust

import (
	"github.com/PureDarwin/dyldcache"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/types"
)

// droppedLoadCommands are the load commands spec.md §4.6 says get
// dropped entirely once a dylib is merged into the cache: split-seg
// info and chained-fixups are consumed by this package, code
// signatures and their DRs are superseded by C9's whole-cache ad-hoc
// signature, and run-path entries have no meaning once dylibs no
// longer load from individual files on disk.
var droppedLoadCommands = map[types.LoadCmd]bool{
	types.LC_SEGMENT_SPLIT_INFO:  true,
	types.LC_DYLD_CHAINED_FIXUPS: true,
	types.LC_CODE_SIGNATURE:      true,
	types.LC_DYLIB_CODE_SIGN_DRS: true,
	types.LC_RPATH:               true,
}

// LoadPlan is the rewritten load-command list for one dylib: Kept
// passes through unchanged (LC_ID_DYLIB, LC_UUID, LC_BUILD_VERSION,
// ...), NeedsOffsetPatch is every LC_SEGMENT*/link-edit command that
// still needs its file offset rewritten once the cache-wide link-edit
// layout is known (C7's job — this pass only has one dylib's view).
type LoadPlan struct {
	Kept             []macho.Load
	NeedsOffsetPatch []macho.Load
}

// planLoadCommands partitions d's load commands per spec.md §4.6: the
// dropped kinds are discarded; LC_SEGMENT*, LC_SYMTAB, LC_DYSYMTAB,
// LC_DYLD_INFO[_ONLY], LC_FUNCTION_STARTS and LC_DATA_IN_CODE are kept
// but deferred for a file-offset patch once the cache's final layout
// is known; everything else passes through unchanged. Segment/section
// virtual addresses are slid in place here, since segment placements
// (unlike the cache-wide link-edit offset) are already decided by this
// point in the pipeline.
//
// Grounded on export.go's optimizeLoadCommands, which performs this
// same per-kind dispatch (including its exact type-switch idiom) for
// the teacher's single-file re-export path; this generalizes it to the
// cache's drop/keep/defer policy instead of that function's
// always-rewrite-in-place one.
func planLoadCommands(d *cacheinput.Dylib, idx *PlacementIndex) LoadPlan {
	var plan LoadPlan
	for _, l := range d.MachoFile.Loads {
		if droppedLoadCommands[l.Command()] {
			continue
		}
		switch seg := l.(type) {
		case *macho.Segment:
			if slide, ok := idx.Slide(seg.Name, seg.Addr); ok {
				seg.Addr = uint64(int64(seg.Addr) + slide)
				for i := uint32(0); i < seg.Nsect; i++ {
					sect := d.MachoFile.Sections[i+seg.Firstsect]
					sect.Addr = uint64(int64(sect.Addr) + slide)
				}
			}
			plan.NeedsOffsetPatch = append(plan.NeedsOffsetPatch, l)
			continue
		}
		switch l.Command() {
		case types.LC_SYMTAB, types.LC_DYSYMTAB, types.LC_DYLD_INFO,
			types.LC_DYLD_INFO_ONLY, types.LC_FUNCTION_STARTS, types.LC_DATA_IN_CODE:
			plan.NeedsOffsetPatch = append(plan.NeedsOffsetPatch, l)
		default:
			plan.Kept = append(plan.Kept, l)
		}
	}
	return plan
}
