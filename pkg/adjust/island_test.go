package adjust

import (
	"encoding/binary"
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/layout"
)

func TestIslandRouterAllocatesAndReusesStubs(t *testing.T) {
	r := NewIslandRouter([]layout.Island{{Addr: 0x9000_0000, Size: islandStubSize * 2}})

	addr1, ok := r.Route(0x1_0000_0000)
	if !ok {
		t.Fatal("expected a stub address for the first target")
	}
	if addr1 != 0x9000_0000 {
		t.Fatalf("first stub addr = %#x, want %#x", addr1, 0x9000_0000)
	}

	addr2, ok := r.Route(0x1_0000_0000)
	if !ok || addr2 != addr1 {
		t.Fatalf("expected the same target to reuse its stub, got %#x", addr2)
	}

	addr3, ok := r.Route(0x9500_0000)
	if !ok || addr3 == addr1 {
		t.Fatalf("expected a distinct target to get a new stub, got %#x", addr3)
	}

	if _, ok := r.Route(0x9600_0000); ok {
		t.Fatal("expected the island to be exhausted after two distinct targets")
	}

	stub := r.Stub(0x9000_0000)
	if len(stub) != islandStubSize*2 {
		t.Fatalf("stub bytes = %d, want %d", len(stub), islandStubSize*2)
	}
	if br := binary.LittleEndian.Uint32(stub[8:12]); br != brX16 {
		t.Fatalf("third instruction = %#x, want br x16 (%#x)", br, brX16)
	}
}

func TestIslandRouterNilLeavesRoutingUnavailable(t *testing.T) {
	r := NewIslandRouter(nil)
	if _, ok := r.Route(0x1000); ok {
		t.Fatal("expected no islands to route through with an empty island set")
	}
}

func TestEncodeAbsoluteBranchStubRoundTrips(t *testing.T) {
	const stubAddr = 0x1000
	const target = stubAddr + 0x10000123 // ~256MiB away, well inside ADRP's +/-4GiB range

	stub, err := encodeAbsoluteBranchStub(stubAddr, target)
	if err != nil {
		t.Fatalf("encodeAbsoluteBranchStub: %v", err)
	}
	adrp := binary.LittleEndian.Uint32(stub[0:4])
	add := binary.LittleEndian.Uint32(stub[4:8])
	br := binary.LittleEndian.Uint32(stub[8:12])

	page := adrpPageDelta(adrp) + int64(stubAddr&^0xfff)
	off := off12Imm(add) * off12Scale(add)
	if got := uint64(page) + off; got != target {
		t.Fatalf("stub reconstructs to %#x, want %#x", got, uint64(target))
	}
	if br != brX16 {
		t.Fatalf("third instruction = %#x, want %#x", br, brX16)
	}
}

func TestRewriteBr26RoutesThroughIslandWhenOutOfRange(t *testing.T) {
	buf := make([]byte, 4)
	// "bl #0": opcode bit 31 set selects BL over B; imm26 = 0.
	binary.LittleEndian.PutUint32(buf, 0x94000000)

	instrAddr := uint64(0x1000)
	islands := NewIslandRouter([]layout.Island{{Addr: 0x2000, Size: islandStubSize}})

	// adjust pushes the branch's target far past +/-128MiB, which a
	// direct imm26 encoding can't represent.
	const hugeAdjust = Br26Range * 4
	if err := rewriteBr26(buf, 0, hugeAdjust, instrAddr, islands); err != nil {
		t.Fatalf("rewriteBr26 with an island available: %v", err)
	}

	instr := binary.LittleEndian.Uint32(buf)
	gotDelta := br26Delta(instr)
	if gotDelta != int64(0x2000)-int64(instrAddr) {
		t.Fatalf("branch now targets delta %#x, want the island at %#x", gotDelta, 0x2000)
	}

	stub := islands.Stub(0x2000)
	if len(stub) != islandStubSize {
		t.Fatalf("expected one stub to be allocated, got %d bytes", len(stub))
	}
}

func TestRewriteBr26FailsWithoutIslandsWhenOutOfRange(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x94000000)

	const hugeAdjust = Br26Range * 4
	if err := rewriteBr26(buf, 0, hugeAdjust, 0x1000, nil); err == nil {
		t.Fatal("expected a hard failure with no island router")
	}
}

func TestRewriteBr26FailsWhenIslandsExhausted(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x94000000)

	islands := NewIslandRouter(nil)
	const hugeAdjust = Br26Range * 4
	if err := rewriteBr26(buf, 0, hugeAdjust, 0x1000, islands); err == nil {
		t.Fatal("expected a hard failure with no islands reserved")
	}
}
