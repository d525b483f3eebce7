package adjust

import (
	"fmt"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/fixupchains"
)

// applyLegacyRebases implements spec.md §4.6's no-split-seg path: walk
// the dylib's chained-fixup starts (its LC_DYLD_CHAINED_FIXUPS, the
// modern replacement for the classic dyld-info rebase opcode stream;
// go-macho's retrieved pkg/fixupchains only exposes the chained-fixup
// walker, not a standalone dyld-info opcode reader, so a dylib with
// neither is rejected rather than silently skipped) and slide every
// rebase location by its owning segment's uniform slide.
func applyLegacyRebases(d *cacheinput.Dylib, idx *PlacementIndex, tracker *aslr.Tracker, res *Result, dg *diag.Diagnostic) (int, error) {
	if !d.HasChainedFixups {
		return 0, diag.New(diag.FormatUnsupported, d.InstallName,
			"dylib has neither split-seg-v2 nor chained fixups; no-split-seg legacy rebase walk is unsupported")
	}

	dcf, err := chainedFixupsOf(d)
	if err != nil {
		return 0, diag.Wrap(err, diag.FormatUnsupported, d.InstallName, "parsing chained fixups")
	}

	applied := 0
	for _, start := range dcf.Starts {
		for _, fx := range start.Fixups {
			rb, ok := fx.(fixupchains.Rebase)
			if !ok {
				continue // binds are resolved by C7's link-edit merge, not here
			}

			seg, sec, fileOff, ok := locateFixup(d, rb.Offset())
			if !ok {
				dg.Warn(d.InstallName, "chained rebase at file offset %#x has no owning segment, skipped", rb.Offset())
				continue
			}
			buf, ok := res.Rewritten[seg.Name]
			if !ok {
				continue
			}
			slide, ok := idx.Slide(seg.Name, seg.VMAddr)
			if !ok {
				dg.Warn(d.InstallName, "segment %s has no layout placement, skipped", seg.Name)
				continue
			}

			oldVMAddr := sec.Addr + (rb.Offset() - uint64(sec.Offset))
			if err := rewritePointer64(buf, fileOff, slide, oldVMAddr, slide, tracker); err != nil {
				return applied, diag.Wrap(err, diag.FixupOutOfRange, d.InstallName,
					"applying legacy rebase at %s+%#x", seg.Name, fileOff)
			}
			applied++
		}
	}

	return applied, nil
}

// chainedFixupsOf re-reads and parses the dylib's LC_DYLD_CHAINED_FIXUPS
// payload via its own macho.File accessor, mirroring file.go's
// DyldChainedFixups() but against the dylib's own backing reader.
func chainedFixupsOf(d *cacheinput.Dylib) (*fixupchains.DyldChainedFixups, error) {
	dcf, err := d.MachoFile.DyldChainedFixups()
	if err != nil {
		return nil, err
	}
	if dcf == nil {
		return nil, fmt.Errorf("no LC_DYLD_CHAINED_FIXUPS payload")
	}
	if _, err := dcf.Parse(); err != nil {
		return nil, err
	}
	return dcf, nil
}

// locateFixup finds the segment and section owning absolute file
// offset off, plus the segment-relative offset within its copied
// buffer.
func locateFixup(d *cacheinput.Dylib, off uint64) (cacheinput.SegmentInfo, cacheinput.SectionInfo, uint64, bool) {
	for _, seg := range d.Segments {
		if off < seg.FileOffset || off >= seg.FileOffset+seg.FileSize {
			continue
		}
		for _, sec := range seg.Sections {
			if uint64(sec.Offset) <= off && off < uint64(sec.Offset)+sec.Size {
				return seg, sec, off - seg.FileOffset, true
			}
		}
		return seg, cacheinput.SectionInfo{}, off - seg.FileOffset, true
	}
	return cacheinput.SegmentInfo{}, cacheinput.SectionInfo{}, 0, false
}
