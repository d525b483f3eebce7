package adjust

import "fmt"

// movtHalf records one MOVW or MOVT instruction word observed while
// pairing spec.md §4.6's "two consecutive edges [that] form a 32-bit
// immediate split across two instructions".
type movtHalf struct {
	instr  uint32
	isArm  bool
	isMovt bool
}

// movwMovtPairer accumulates MOVW/MOVT halves in split-seg-v2 edge
// stream order: spec.md §4.6 guarantees "two consecutive edges form a
// 32-bit immediate split across two instructions", so the first half
// of every pair is simply the one most recently seen with no match
// pending yet.
type movwMovtPairer struct {
	pending   *movtHalf
	pendBuf   []byte
	pendOff   uint64
}

func newMovwMovtPairer() *movwMovtPairer {
	return &movwMovtPairer{}
}

// armMovImm extracts a 16-bit MOVW/MOVT immediate from an ARM (not
// Thumb) encoding: imm4 at bits[19:16], imm12 at bits[11:0].
func armMovImm(instr uint32) uint32 {
	imm4 := (instr >> 16) & 0xf
	imm12 := instr & 0xfff
	return (imm4 << 12) | imm12
}

func encodeArmMovImm(instr uint32, imm16 uint32) uint32 {
	instr &^= (0xf << 16) | 0xfff
	instr |= ((imm16 >> 12) & 0xf) << 16
	instr |= imm16 & 0xfff
	return instr
}

// thumbMovImm extracts a 16-bit MOVW/MOVT immediate from the Thumb-2
// 32-bit T3 encoding (two 16-bit half-words, hi then lo as stored):
// imm4 at hw1 bits[3:0], i at hw1 bit[10], imm3 at hw2 bits[14:12],
// imm8 at hw2 bits[7:0].
func thumbMovImm(instr uint32) uint32 {
	hw1 := instr >> 16
	hw2 := instr & 0xffff
	imm4 := hw1 & 0xf
	i := (hw1 >> 10) & 0x1
	imm3 := (hw2 >> 12) & 0x7
	imm8 := hw2 & 0xff
	return (imm4 << 12) | (i << 11) | (imm3 << 8) | imm8
}

func encodeThumbMovImm(instr uint32, imm16 uint32) uint32 {
	hw1 := instr >> 16
	hw2 := instr & 0xffff
	imm4 := (imm16 >> 12) & 0xf
	i := (imm16 >> 11) & 0x1
	imm3 := (imm16 >> 8) & 0x7
	imm8 := imm16 & 0xff
	hw1 = (hw1 &^ 0xf) | imm4
	hw1 = (hw1 &^ (1 << 10)) | (i << 10)
	hw2 = (hw2 &^ (0x7 << 12)) | (imm3 << 12)
	hw2 = (hw2 &^ 0xff) | imm8
	return (hw1 << 16) | hw2
}

// observe buffers half (with the bytes backing its instruction word)
// if it's the first of a pair, or combines it with the previously
// buffered half and returns the recombined 32-bit value plus both
// halves (in lo/hi order) and their buffers/offsets, ok=true.
func (p *movwMovtPairer) observe(buf []byte, off uint64, h movtHalf) (loBuf, hiBuf []byte, loOff, hiOff uint64, lo, hi movtHalf, value uint32, ok bool) {
	if p.pending == nil {
		p.pending = &h
		p.pendBuf, p.pendOff = buf, off
		return nil, nil, 0, 0, movtHalf{}, movtHalf{}, 0, false
	}

	first := *p.pending
	firstBuf, firstOff := p.pendBuf, p.pendOff
	p.pending, p.pendBuf, p.pendOff = nil, nil, 0

	lo, hi = first, h
	loBuf, hiBuf = firstBuf, buf
	loOff, hiOff = firstOff, off

	var loImm, hiImm uint32
	if lo.isArm {
		loImm = armMovImm(lo.instr)
	} else {
		loImm = thumbMovImm(lo.instr)
	}
	if hi.isArm {
		hiImm = armMovImm(hi.instr)
	} else {
		hiImm = thumbMovImm(hi.instr)
	}
	return loBuf, hiBuf, loOff, hiOff, lo, hi, (hiImm << 16) | loImm, true
}

// reencode splits value's low/high 16 bits back into lo/hi's
// instruction words.
func reencodeMovwMovt(lo, hi movtHalf, value uint32) (uint32, uint32, error) {
	loImm, hiImm := value&0xffff, value>>16
	var loInstr, hiInstr uint32
	if lo.isArm {
		loInstr = encodeArmMovImm(lo.instr, loImm)
	} else {
		loInstr = encodeThumbMovImm(lo.instr, loImm)
	}
	if hi.isArm {
		hiInstr = encodeArmMovImm(hi.instr, hiImm)
	} else {
		hiInstr = encodeThumbMovImm(hi.instr, hiImm)
	}
	return loInstr, hiInstr, nil
}

var errIncompletePair = fmt.Errorf("movw/movt pair incomplete at end of edge stream")
