package adjust

import (
	"encoding/binary"
	"fmt"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
)

// maxInlineRebaseTarget64 is this implementation's inline-vs-side-table
// threshold for a POINTER_64/THREADED_POINTER_64 edge's new target: the
// real DYLD_CHAINED_PTR_64 rebase field holds a 36-bit unslid target
// (types/dyld_chained_fixups.go's DyldChainedPtr64Rebase), so any new
// target needing more bits must move to aslr.Tracker's 64-bit side
// table instead (spec.md §4.6 "move the target into the 64-bit side
// table and clear the in-place field").
const maxInlineRebaseTarget64 = 1 << 36

// applyEdge rewrites buf (one segment's copied bytes) at fileOff for a
// single split-seg-v2 edge, dispatching on Kind per spec.md §4.6's
// table. oldVMAddr is the location's pre-slide virtual address;
// fromSlide is this location's own slide (needed to compute its final,
// post-slide address for ASLR tracking).
func applyEdge(e Edge, buf []byte, fileOff, oldVMAddr uint64, adjust int64, fromSlide int64, tracker *aslr.Tracker, islands *IslandRouter) error {
	switch e.Kind {
	case EdgeDelta32:
		return rewriteDelta32(buf, fileOff, adjust)
	case EdgeDelta64:
		return rewriteDelta64(buf, fileOff, adjust)
	case EdgePointer32:
		return rewritePointer32(buf, fileOff, adjust, oldVMAddr, fromSlide, tracker)
	case EdgePointer64, EdgeThreadedPointer64:
		return rewritePointer64(buf, fileOff, adjust, oldVMAddr, fromSlide, tracker)
	case EdgeImageOff32:
		return rewriteImageOff32(buf, fileOff, e.ToOffset)
	case EdgeArm64Adrp:
		return rewriteAdrp(buf, fileOff, adjust)
	case EdgeArm64Off12:
		return rewriteOff12(buf, fileOff, adjust)
	case EdgeArm64Br26:
		return rewriteBr26(buf, fileOff, adjust, oldVMAddr+uint64(fromSlide), islands)
	default:
		return fmt.Errorf("split-seg-v2 edge kind %d handled by the movw/movt pairing path, not applyEdge", e.Kind)
	}
}

func rewriteDelta32(buf []byte, off uint64, adjust int64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("delta32 offset %#x out of bounds", off)
	}
	old := int32(binary.LittleEndian.Uint32(buf[off:]))
	n := int64(old) + adjust
	if n > 0x7fffffff || n < -0x80000000 {
		return fmt.Errorf("delta32 overflow: %d", n)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(n)))
	return nil
}

func rewriteDelta64(buf []byte, off uint64, adjust int64) error {
	if off+8 > uint64(len(buf)) {
		return fmt.Errorf("delta64 offset %#x out of bounds", off)
	}
	old := int64(binary.LittleEndian.Uint64(buf[off:]))
	binary.LittleEndian.PutUint64(buf[off:], uint64(old+adjust))
	return nil
}

func rewritePointer32(buf []byte, off uint64, adjust int64, oldVMAddr uint64, fromSlide int64, tracker *aslr.Tracker) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("pointer32 offset %#x out of bounds", off)
	}
	old := binary.LittleEndian.Uint32(buf[off:])
	n := int64(old) + adjust
	if n < 0 || n > 0xffffffff {
		tracker.SetRebaseTarget32(oldVMAddr+uint64(fromSlide), uint32(n))
		binary.LittleEndian.PutUint32(buf[off:], 0)
	} else {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n))
	}
	tracker.Add(oldVMAddr + uint64(fromSlide))
	return nil
}

func rewritePointer64(buf []byte, off uint64, adjust int64, oldVMAddr uint64, fromSlide int64, tracker *aslr.Tracker) error {
	if off+8 > uint64(len(buf)) {
		return fmt.Errorf("pointer64 offset %#x out of bounds", off)
	}
	old := binary.LittleEndian.Uint64(buf[off:])
	tag := uint8(old >> 56)
	target := old &^ (uint64(0xff) << 56)
	n := int64(target) + adjust

	loc := oldVMAddr + uint64(fromSlide)
	if tag != 0 {
		tracker.SetHigh8(loc, tag)
	}
	if n < 0 || uint64(n) >= maxInlineRebaseTarget64 {
		tracker.SetRebaseTarget64(loc, uint64(n))
		binary.LittleEndian.PutUint64(buf[off:], 0)
	} else {
		binary.LittleEndian.PutUint64(buf[off:], uint64(n))
	}
	tracker.Add(loc)
	return nil
}

func rewriteImageOff32(buf []byte, off, toOffset uint64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("image_off32 offset %#x out of bounds", off)
	}
	if toOffset > 0xffffffff {
		return fmt.Errorf("image_off32 target %#x exceeds 32 bits", toOffset)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(toOffset))
	return nil
}

func rewriteAdrp(buf []byte, off uint64, adjust int64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("adrp offset %#x out of bounds", off)
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	delta := adrpPageDelta(instr)
	newInstr, err := encodeAdrp(instr, delta+roundToPage(adjust))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[off:], newInstr)
	return nil
}

// roundToPage projects a byte-granular adjust onto ADRP's page-granular
// immediate; spec.md §4.6 describes ADRP's edge as "the 21-bit
// page-distance from new-from to new-to", which this implementation
// computes as the existing page delta plus the page-aligned component
// of the byte adjustment (ADRP only ever targets page-aligned symbols,
// so adjust is itself page-aligned in practice).
func roundToPage(adjust int64) int64 {
	const pageSize = 4096
	if adjust >= 0 {
		return (adjust / pageSize) * pageSize
	}
	return -(((-adjust) + pageSize - 1) / pageSize) * pageSize
}

func rewriteOff12(buf []byte, off uint64, adjust int64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("off12 offset %#x out of bounds", off)
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	old := off12Imm(instr) * off12Scale(instr)
	n := int64(old) + adjust
	if n < 0 {
		return fmt.Errorf("off12 target went negative: %d", n)
	}
	newInstr, err := encodeOff12(instr, uint64(n))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[off:], newInstr)
	return nil
}

// applyMovwMovtEdge handles one half of a THUMB_MOVW_MOVT/ARM_MOVW_MOVT
// pair, writing both instruction words back once the second half of
// the pair arrives.
func applyMovwMovtEdge(pairer *movwMovtPairer, e Edge, buf []byte, off uint64, adjust int64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("movw/movt offset %#x out of bounds", off)
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	h := movtHalf{instr: instr, isArm: e.Kind == EdgeArmMovwMovt}

	loBuf, hiBuf, loOff, hiOff, lo, hi, value, ok := pairer.observe(buf, off, h)
	if !ok {
		return nil
	}

	n := int64(value) + adjust
	if n < 0 || n > 0xffffffff {
		return fmt.Errorf("movw/movt reconstructed immediate %#x out of 32-bit range after adjust", n)
	}

	loInstr, hiInstr, err := reencodeMovwMovt(lo, hi, uint32(n))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(loBuf[loOff:], loInstr)
	binary.LittleEndian.PutUint32(hiBuf[hiOff:], hiInstr)
	return nil
}

// rewriteBr26 rewrites one BL/B instruction's imm26 field for its new
// location. instrAddr is the branch's own final (post-slide) virtual
// address, needed only to route it through a branch island if its
// direct displacement doesn't fit. When encodeBr26 fails and islands
// is non-nil, the target is routed through the first island (in
// reservation order) with room instead of failing outright (SPEC_FULL.md's supplemented
// ARM64_BR26-out-of-range handling, serving spec.md §8's
// FixupOutOfRange boundary case); islands == nil (or a full island
// set) still fails the build, same as before this existed.
func rewriteBr26(buf []byte, off uint64, adjust int64, instrAddr uint64, islands *IslandRouter) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("br26 offset %#x out of bounds", off)
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	delta := br26Delta(instr)
	newDelta := delta + adjust
	newInstr, err := encodeBr26(instr, newDelta)
	if err == nil {
		binary.LittleEndian.PutUint32(buf[off:], newInstr)
		return nil
	}
	if islands == nil {
		return fmt.Errorf("%w (branch now %#x away)", err, newDelta)
	}

	target := uint64(int64(instrAddr) + newDelta)
	stubAddr, ok := islands.Route(target)
	if !ok {
		return fmt.Errorf("%w (branch now %#x away, no branch island in range)", err, newDelta)
	}
	stubDelta := int64(stubAddr) - int64(instrAddr)
	newInstr, err = encodeBr26(instr, stubDelta)
	if err != nil {
		return fmt.Errorf("%w (branch island at %#x still out of range)", err, stubAddr)
	}
	binary.LittleEndian.PutUint32(buf[off:], newInstr)
	return nil
}
