package adjust

import (
	"encoding/binary"
	"sync"

	"github.com/PureDarwin/dyldcache/pkg/layout"
)

// islandStubSize is the byte length of one absolute-branch trampoline:
// ADRP x16, page; ADD x16, x16, #off; BR x16 — three words, enough to
// reach any target within ADRP's +/-4 GiB of the stub regardless of the
// triggering branch's own +/-128 MiB range (spec.md §4.6's ARM64_BR26
// table; SPEC_FULL.md's supplemented branch-island routing, which fills
// islands in reservation order).
const islandStubSize = 12

const (
	adrpX16Base = 0x90000010 // adrp x16, #0
	addX16Base  = 0x91000210 // add x16, x16, #0
	brX16       = 0xd61f0200 // br x16
)

// IslandRouter hands out absolute-branch trampolines from pkg/layout's
// reserved branch islands to ARM64_BR26 edges rewriteBr26 can't encode
// directly. Shared across every dylib's concurrent C6 pass
// (pkg/cachebuild.adjustAll), so every method locks mu for its whole
// body rather than just the map mutation.
type IslandRouter struct {
	mu       sync.Mutex
	islands  []layout.Island
	next     int // index into islands currently being filled
	used     uint64
	byTarget map[uint64]uint64  // target addr -> already-allocated stub addr
	stubs    map[uint64][]byte // island addr -> its accumulated stub bytes
}

// NewIslandRouter wraps one layout pass's branch islands. A nil or
// empty slice is valid: Route simply always reports no room, and
// rewriteBr26 falls back to a hard out-of-range failure.
func NewIslandRouter(islands []layout.Island) *IslandRouter {
	return &IslandRouter{
		islands:  islands,
		byTarget: make(map[uint64]uint64),
		stubs:    make(map[uint64][]byte),
	}
}

// Route returns the address of a trampoline that unconditionally
// branches to target, allocating a fresh stub from the next island
// with room if no stub already targets it (branches from many call
// sites to the same out-of-range target share one trampoline). ok is
// false once every reserved island is full.
func (r *IslandRouter) Route(target uint64) (addr uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, found := r.byTarget[target]; found {
		return addr, true
	}

	for r.next < len(r.islands) {
		isl := r.islands[r.next]
		if r.used+islandStubSize > isl.Size {
			r.next++
			r.used = 0
			continue
		}
		stubAddr := isl.Addr + r.used
		stub, err := encodeAbsoluteBranchStub(stubAddr, target)
		if err != nil {
			return 0, false
		}
		r.used += islandStubSize
		r.stubs[isl.Addr] = append(r.stubs[isl.Addr], stub...)
		r.byTarget[target] = stubAddr
		return stubAddr, true
	}
	return 0, false
}

// Stub returns the trampoline bytes accumulated for one island, sized
// to exactly what Route allocated; the caller zero-pads the rest of
// the island's reserved span.
func (r *IslandRouter) Stub(islandAddr uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stubs[islandAddr]
}

// encodeAbsoluteBranchStub builds a 3-instruction ADRP+ADD+BR
// trampoline at stubAddr that jumps to target via x16 (the AArch64
// procedure call standard's IP0 scratch register, the same one real
// dyld/ld64 branch islands and PLT stubs use).
func encodeAbsoluteBranchStub(stubAddr, target uint64) ([]byte, error) {
	pageDelta := int64(target&^0xfff) - int64(stubAddr&^0xfff)
	adrp, err := encodeAdrp(adrpX16Base, pageDelta)
	if err != nil {
		return nil, err
	}
	add, err := encodeOff12(addX16Base, target&0xfff)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, islandStubSize)
	binary.LittleEndian.PutUint32(buf[0:], adrp)
	binary.LittleEndian.PutUint32(buf[4:], add)
	binary.LittleEndian.PutUint32(buf[8:], brX16)
	return buf, nil
}
