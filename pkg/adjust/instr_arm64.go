package adjust

import "fmt"

// adrpPageDelta extracts the 21-bit signed page-count immediate of an
// AArch64 ADRP instruction (immhi:immlo, each page = 4 KiB).
func adrpPageDelta(instr uint32) int64 {
	immlo := int64((instr >> 29) & 0x3)
	immhi := int64((instr >> 5) & 0x7ffff)
	imm21 := (immhi << 2) | immlo
	// sign-extend 21 bits
	if imm21&(1<<20) != 0 {
		imm21 |= ^int64(0) << 21
	}
	return imm21 * 4096
}

// encodeAdrp rewrites instr's immhi:immlo fields to the new page-count
// delta, leaving the opcode and Rd untouched.
func encodeAdrp(instr uint32, pageDelta int64) (uint32, error) {
	imm21 := pageDelta / 4096
	if imm21 < -(1<<20) || imm21 >= (1<<20) {
		return 0, fmt.Errorf("adrp page delta %#x out of 21-bit range", pageDelta)
	}
	immlo := uint32(imm21) & 0x3
	immhi := uint32(imm21>>2) & 0x7ffff
	instr &^= (0x3 << 29) | (0x7ffff << 5)
	instr |= immlo << 29
	instr |= immhi << 5
	return instr, nil
}

// off12Scale reports the byte scale of a load/store/add unsigned
// 12-bit-immediate instruction's imm12 field, read from the size field
// the A64 encoding carries for that instruction class. Plain ADD
// (immediate) instructions are always byte-scaled.
func off12Scale(instr uint32) uint64 {
	if instr&0x3b000000 == 0x39000000 { // LDR/STR unsigned immediate class
		size := (instr >> 30) & 0x3
		if instr&(1<<26) != 0 { // SIMD&FP variant folds in opc bit 23
			opc := (instr >> 23) & 0x1
			return uint64(1) << (uint64(size) | uint64(opc)<<2)
		}
		return uint64(1) << size
	}
	return 1 // ADD (immediate), or anything else: unscaled
}

// off12Imm extracts the raw (unscaled) imm12 field.
func off12Imm(instr uint32) uint64 {
	return uint64((instr >> 10) & 0xfff)
}

// encodeOff12 rewrites instr's imm12 field to newByteOffset, which must
// be representable at the instruction's scale with zero remainder
// (spec.md §4.6's "scale-aware alignment checks").
func encodeOff12(instr uint32, newByteOffset uint64) (uint32, error) {
	scale := off12Scale(instr)
	if newByteOffset%scale != 0 {
		return 0, fmt.Errorf("off12 target %#x not aligned to scale %d", newByteOffset, scale)
	}
	imm := newByteOffset / scale
	if imm > 0xfff {
		return 0, fmt.Errorf("off12 immediate %#x exceeds 12 bits", imm)
	}
	instr &^= 0xfff << 10
	instr |= uint32(imm) << 10
	return instr, nil
}

// Br26Range is the maximum forward or backward displacement an A64
// unconditional branch's 26-bit signed, word-scaled immediate can
// reach (spec.md §4.6 "fail if out of ±128 MiB").
const Br26Range = 128 * 1024 * 1024

// br26Delta extracts a BL/B instruction's signed byte displacement.
func br26Delta(instr uint32) int64 {
	imm26 := int64(instr & 0x3ffffff)
	if imm26&(1<<25) != 0 {
		imm26 |= ^int64(0) << 26
	}
	return imm26 * 4
}

// encodeBr26 rewrites instr's imm26 field to newByteDelta, failing if
// the new displacement exceeds the architecture's ±128 MiB range.
func encodeBr26(instr uint32, newByteDelta int64) (uint32, error) {
	if newByteDelta > Br26Range || newByteDelta < -Br26Range {
		return 0, fmt.Errorf("br26 delta %#x exceeds +/-128MiB range", newByteDelta)
	}
	if newByteDelta%4 != 0 {
		return 0, fmt.Errorf("br26 delta %#x not word-aligned", newByteDelta)
	}
	imm26 := uint32((newByteDelta / 4) & 0x3ffffff)
	instr &^= 0x3ffffff
	instr |= imm26
	return instr, nil
}
