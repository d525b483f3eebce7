package adjust

import "testing"

func TestAdrpRoundTrip(t *testing.T) {
	// adrp x0, #0 (page delta 0)
	instr := uint32(0x90000000)
	if d := adrpPageDelta(instr); d != 0 {
		t.Fatalf("expected zero page delta, got %#x", d)
	}
	next, err := encodeAdrp(instr, 8*4096)
	if err != nil {
		t.Fatalf("encodeAdrp: %v", err)
	}
	if d := adrpPageDelta(next); d != 8*4096 {
		t.Fatalf("round trip mismatch: got %#x, want %#x", d, 8*4096)
	}
}

func TestAdrpRejectsOutOfRange(t *testing.T) {
	if _, err := encodeAdrp(0x90000000, (1<<20)*4096); err == nil {
		t.Fatal("expected out-of-range error for a page delta beyond 21 bits")
	}
}

func TestOff12LdrScaleAndRoundTrip(t *testing.T) {
	// ldr x0, [x1, #0]  (size=11 -> scale 8)
	instr := uint32(0xf9400020)
	if scale := off12Scale(instr); scale != 8 {
		t.Fatalf("expected scale 8 for 64-bit LDR, got %d", scale)
	}
	next, err := encodeOff12(instr, 16)
	if err != nil {
		t.Fatalf("encodeOff12: %v", err)
	}
	if off := off12Imm(next) * off12Scale(next); off != 16 {
		t.Fatalf("round trip mismatch: got %d, want 16", off)
	}
}

func TestOff12RejectsMisalignedOffset(t *testing.T) {
	instr := uint32(0xf9400020) // 64-bit LDR, scale 8
	if _, err := encodeOff12(instr, 3); err == nil {
		t.Fatal("expected alignment error for an offset not a multiple of the scale")
	}
}

func TestBr26RoundTrip(t *testing.T) {
	instr := uint32(0x94000000) // bl #0
	next, err := encodeBr26(instr, 1024)
	if err != nil {
		t.Fatalf("encodeBr26: %v", err)
	}
	if d := br26Delta(next); d != 1024 {
		t.Fatalf("round trip mismatch: got %d, want 1024", d)
	}
}

func TestBr26RejectsOutOfRange(t *testing.T) {
	instr := uint32(0x94000000)
	if _, err := encodeBr26(instr, Br26Range+4); err == nil {
		t.Fatal("expected range error for a branch beyond +/-128MiB")
	}
}

func TestBr26RejectsUnalignedDelta(t *testing.T) {
	instr := uint32(0x94000000)
	if _, err := encodeBr26(instr, 3); err == nil {
		t.Fatal("expected alignment error for a non-word-aligned branch delta")
	}
}
