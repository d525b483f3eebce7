package adjust

import "testing"

func TestArmMovImmRoundTrip(t *testing.T) {
	instr := encodeArmMovImm(0xe3000000, 0xbeef)
	if imm := armMovImm(instr); imm != 0xbeef {
		t.Fatalf("arm movw round trip mismatch: got %#x, want 0xbeef", imm)
	}
}

func TestThumbMovImmRoundTrip(t *testing.T) {
	instr := encodeThumbMovImm(0xf2400000, 0xbeef)
	if imm := thumbMovImm(instr); imm != 0xbeef {
		t.Fatalf("thumb movw round trip mismatch: got %#x, want 0xbeef", imm)
	}
}

func TestMovwMovtPairerCombinesConsecutiveHalves(t *testing.T) {
	p := newMovwMovtPairer()

	lo := encodeArmMovImm(0xe3000000, 0x1234) // movw rX, #0x1234
	loBuf := make([]byte, 4)
	loBuf[0] = byte(lo)
	_, _, _, _, _, _, _, ok := p.observe(loBuf, 0, movtHalf{instr: lo, isArm: true})
	if ok {
		t.Fatal("first half of a pair should not resolve immediately")
	}

	hi := encodeArmMovImm(0xe3400000, 0x5678) // movt rX, #0x5678
	hiBuf := make([]byte, 4)
	_, _, _, _, _, _, value, ok := p.observe(hiBuf, 4, movtHalf{instr: hi, isArm: true})
	if !ok {
		t.Fatal("second half of a pair should resolve")
	}
	want := uint32(0x56781234)
	if value != want {
		t.Fatalf("combined immediate mismatch: got %#x, want %#x", value, want)
	}
}

func TestReencodeMovwMovtRoundTrip(t *testing.T) {
	lo := movtHalf{instr: encodeArmMovImm(0xe3000000, 0), isArm: true}
	hi := movtHalf{instr: encodeArmMovImm(0xe3400000, 0), isArm: true}

	loInstr, hiInstr, err := reencodeMovwMovt(lo, hi, 0x56781234)
	if err != nil {
		t.Fatalf("reencodeMovwMovt: %v", err)
	}
	if imm := armMovImm(loInstr); imm != 0x1234 {
		t.Fatalf("lo half mismatch: got %#x, want 0x1234", imm)
	}
	if imm := armMovImm(hiInstr); imm != 0x5678 {
		t.Fatalf("hi half mismatch: got %#x, want 0x5678", imm)
	}
}
