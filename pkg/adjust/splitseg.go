package adjust

import (
	"bytes"
	"fmt"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/trie"
)

// EdgeKind names one reference-edge encoding of spec.md §4.6's
// split-seg-v2 table.
type EdgeKind uint8

const (
	EdgeDelta32 EdgeKind = iota + 1
	EdgeDelta64
	EdgePointer32
	EdgePointer64
	EdgeThreadedPointer64
	EdgeImageOff32
	EdgeArm64Adrp
	EdgeArm64Off12
	EdgeArm64Br26
	EdgeThumbMovwMovt
	EdgeArmMovwMovt
)

// Edge is one decoded split-seg-v2 reference, spec.md §4.6's
// "(kind, from_section, from_offset, to_section, to_offset)" tuple.
type Edge struct {
	Kind        EdgeKind
	FromSection uint8
	FromOffset  uint64
	ToSection   uint8
	ToOffset    uint64
}

// decodeEdges reads the dylib's split-seg-info blob (with its 1-byte
// version already stripped by the caller, matching
// cacheinput.Dylib.SplitSegInfo's layout).
//
// The pack's retrieved copy of go-macho's split-seg-info reader only
// covers the older v1 byte-run encoding; it never documents the v2 edge
// tuple's wire format. This decoder is this implementation's own
// design, chosen to be the simplest lossless encoding of spec.md §4.6's
// edge tuple: each field is a ULEB128 (pkg/trie.ReadUleb128, the same
// reader go-macho's export-trie parser already uses), and every field
// except Kind is stored as a zigzag-encoded delta from the same field's
// previous value, since split-seg edges are naturally emitted in
// section/offset order and therefore compress well this way.
func decodeEdges(blob []byte) ([]Edge, error) {
	r := bytes.NewReader(blob)
	var edges []Edge
	var prevFromSec, prevToSec uint64
	var prevFromOff, prevToOff uint64

	for r.Len() > 0 {
		kind, err := trie.ReadUleb128(r)
		if err != nil {
			return nil, fmt.Errorf("split-seg-v2: read kind: %w", err)
		}
		if kind == 0 {
			break // explicit terminator
		}

		dFromSec, err := readZigzagUleb(r)
		if err != nil {
			return nil, fmt.Errorf("split-seg-v2: read from_section delta: %w", err)
		}
		dFromOff, err := readZigzagUleb(r)
		if err != nil {
			return nil, fmt.Errorf("split-seg-v2: read from_offset delta: %w", err)
		}
		dToSec, err := readZigzagUleb(r)
		if err != nil {
			return nil, fmt.Errorf("split-seg-v2: read to_section delta: %w", err)
		}
		dToOff, err := readZigzagUleb(r)
		if err != nil {
			return nil, fmt.Errorf("split-seg-v2: read to_offset delta: %w", err)
		}

		fromSec := uint64(int64(prevFromSec) + dFromSec)
		fromOff := uint64(int64(prevFromOff) + dFromOff)
		toSec := uint64(int64(prevToSec) + dToSec)
		toOff := uint64(int64(prevToOff) + dToOff)

		edges = append(edges, Edge{
			Kind:        EdgeKind(kind),
			FromSection: uint8(fromSec),
			FromOffset:  fromOff,
			ToSection:   uint8(toSec),
			ToOffset:    toOff,
		})

		prevFromSec, prevFromOff, prevToSec, prevToOff = fromSec, fromOff, toSec, toOff
	}

	return edges, nil
}

// readZigzagUleb reads a ULEB128 value and zigzag-decodes it to a
// signed delta.
func readZigzagUleb(r *bytes.Reader) (int64, error) {
	u, err := trie.ReadUleb128(r)
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

// applySplitSegV2 implements spec.md §4.6's preferred path: decode the
// edge stream and, per edge, compute each side's slide and dispatch on
// kind.
func applySplitSegV2(d *cacheinput.Dylib, idx *PlacementIndex, slider Slider, tracker *aslr.Tracker, islands *IslandRouter, res *Result, dg *diag.Diagnostic) (int, error) {
	edges, err := decodeEdges(d.SplitSegInfo)
	if err != nil {
		return 0, diag.Wrap(err, diag.FormatUnsupported, d.InstallName, "decoding split-seg-v2 edges")
	}

	pairer := newMovwMovtPairer()
	applied := 0
	for _, e := range edges {
		fromSlide, ok := sectionSlide(d, idx, slider, e.FromSection)
		if !ok {
			dg.Warn(d.InstallName, "split-seg-v2 edge references unplaced from_section %d, skipped", e.FromSection)
			continue
		}
		toSlide, ok := sectionSlide(d, idx, slider, e.ToSection)
		if !ok {
			dg.Warn(d.InstallName, "split-seg-v2 edge references unplaced to_section %d, skipped", e.ToSection)
			continue
		}
		adjust := toSlide - fromSlide

		fromSeg, fromSec, ok := segmentForSection(d, e.FromSection)
		if !ok {
			dg.Warn(d.InstallName, "split-seg-v2 edge has no section %d", e.FromSection)
			continue
		}
		buf, ok := res.Rewritten[fromSeg.Name]
		if !ok {
			continue
		}
		fileOff := sectionFileOffset(fromSeg, fromSec, e.FromOffset)
		oldVMAddr := fromSec.Addr + e.FromOffset

		if e.Kind == EdgeThumbMovwMovt || e.Kind == EdgeArmMovwMovt {
			if err := applyMovwMovtEdge(pairer, e, buf, fileOff, adjust); err != nil {
				return applied, diag.Wrap(err, diag.FixupOutOfRange, d.InstallName,
					"applying split-seg-v2 movw/movt edge at %s+%#x", fromSeg.Name, e.FromOffset)
			}
			applied++
			continue
		}

		if err := applyEdge(e, buf, fileOff, oldVMAddr, adjust, fromSlide, tracker, islands); err != nil {
			return applied, diag.Wrap(err, diag.FixupOutOfRange, d.InstallName,
				"applying split-seg-v2 edge kind %d at %s+%#x", e.Kind, fromSeg.Name, e.FromOffset)
		}
		applied++
	}

	return applied, nil
}

// sectionSlide resolves the slide for one split-seg-v2 section index,
// preferring the Slider's section-granular answer (SlideForSection) and
// falling back to the section's owning segment's uniform slide; the
// Slider's atom-granular SlideForAtom is not consulted here.
func sectionSlide(d *cacheinput.Dylib, idx *PlacementIndex, slider Slider, sectIdx uint8) (int64, bool) {
	if slider != nil {
		if s, ok := slider.SlideForSection(d, sectIdx); ok {
			return s, true
		}
	}
	seg, _, ok := segmentForSection(d, sectIdx)
	if !ok {
		return 0, false
	}
	return idx.Slide(seg.Name, seg.VMAddr)
}

// sectionFileOffset converts a section-relative offset to a
// segment-relative file offset, the addressing applyEdge's buf (one
// segment's rewritten bytes) uses.
func sectionFileOffset(seg cacheinput.SegmentInfo, sec cacheinput.SectionInfo, offset uint64) uint64 {
	return uint64(sec.Offset) - seg.FileOffset + offset
}
