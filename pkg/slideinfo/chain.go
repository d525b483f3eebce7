package slideinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
)

// chainNode is one location visited by a page's chain: either a real
// rebase location from the ASLR tracker, or a zero-valued slot
// requisitioned as a pass-through link when two real locations are too
// far apart to reach directly (spec.md §4.8 step 2(b)).
type chainNode struct {
	loc       uint64
	real      bool // false for a requisitioned pass-through slot
}

// readWord reads the pointer-sized (8 bytes for V2/V3, 4 for V4) value
// at loc within buf, where regionStart is buf's base address.
func readWord(buf []byte, regionStart, loc uint64, is64 bool) (uint64, error) {
	off := loc - regionStart
	if is64 {
		if off+8 > uint64(len(buf)) {
			return 0, fmt.Errorf("slideinfo: location %#x out of range", loc)
		}
		return binary.LittleEndian.Uint64(buf[off : off+8]), nil
	}
	if off+4 > uint64(len(buf)) {
		return 0, fmt.Errorf("slideinfo: location %#x out of range", loc)
	}
	return uint64(binary.LittleEndian.Uint32(buf[off : off+4])), nil
}

// writeNext ORs delta, shifted into the chain's next-field position,
// into the pointer word at loc, preserving every other bit C6 already
// wrote there (spec.md §4.8: "the stride via a delta_mask inside the
// pointer's unused high bits"). A delta of 0 marks chain termination.
func writeNext(buf []byte, regionStart, loc uint64, delta uint64, deltaBits uint, is64 bool) error {
	word, err := readWord(buf, regionStart, loc, is64)
	if err != nil {
		return err
	}
	shift := uint(64 - deltaBits)
	if !is64 {
		shift = uint(32 - deltaBits)
	}
	mask := ((uint64(1) << deltaBits) - 1) << shift
	word = (word &^ mask) | ((delta << shift) & mask)

	off := loc - regionStart
	if is64 {
		binary.LittleEndian.PutUint64(buf[off:off+8], word)
	} else {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(word))
	}
	return nil
}

// findPassThroughSlot scans strideUnit-aligned candidates in
// (from, reachLimit] — reachLimit capped at to — for the farthest one
// whose current raw value is exactly zero: safe to requisition as a
// chain link because a zero slot carries no real rebase target to
// disturb. Preferring the farthest reachable candidate minimizes the
// number of hops needed to bridge a large gap, per spec.md §4.8 step
// 2(b)'s "scans intermediate pointer slots looking for one whose
// current value is safe to overwrite".
func findPassThroughSlot(buf []byte, regionStart, from, to, reachLimit uint64, is64 bool) (uint64, bool) {
	limit := reachLimit
	if to < limit {
		limit = to
	}
	for loc := limit; loc > from; loc -= strideUnit {
		word, err := readWord(buf, regionStart, loc, is64)
		if err == nil && word == 0 {
			return loc, true
		}
	}
	return 0, false
}

// buildPageChain walks one page's ascending rebase locations, linking
// consecutive ones directly when their distance fits maxDelta*strideUnit,
// and otherwise requisitioning a chain of intermediate zero slots (or,
// failing that, terminating the chain and recording where the next
// one must begin) per spec.md §4.8 step 2. locs covers only the
// locations this one chain is responsible for; BuildChained calls back
// in for every breakStart it reports to link the remainder as its own
// chain.
func buildPageChain(buf []byte, regionStart uint64, locs []uint64, maxDelta uint64, is64 bool) (chain []chainNode, breakStart uint64, hasBreak bool) {
	if len(locs) == 0 {
		return nil, 0, false
	}
	chain = append(chain, chainNode{loc: locs[0], real: true})
	cur := locs[0]
	maxReach := maxDelta * strideUnit
	for i := 1; i < len(locs); i++ {
		next := locs[i]
		bridged := true
		for next-cur > maxReach || (next-cur)%strideUnit != 0 {
			slot, ok := findPassThroughSlot(buf, regionStart, cur, next, cur+maxReach, is64)
			if !ok {
				bridged = false
				break
			}
			chain = append(chain, chainNode{loc: slot, real: false})
			cur = slot
		}
		if !bridged {
			// No reachable pass-through: terminate this chain here; the
			// caller starts a fresh one at `next`.
			return chain, next, true
		}
		chain = append(chain, chainNode{loc: next, real: true})
		cur = next
	}
	return chain, 0, false
}

// linkChain writes each node's Next delta into buf, terminating with a
// zero delta at the last node.
func linkChain(buf []byte, regionStart uint64, chain []chainNode, deltaBits uint, is64 bool) error {
	for i, node := range chain {
		var delta uint64
		if i+1 < len(chain) {
			delta = (chain[i+1].loc - node.loc) / strideUnit
		}
		if err := writeNext(buf, regionStart, node.loc, delta, deltaBits, is64); err != nil {
			return err
		}
	}
	return nil
}

// BuildChained emits the V2 (generic 64-bit), V3 (arm64e), or V4
// (32-bit) chained format over [regionStart, regionEnd), mutating buf
// in place to install each chain's Next links and returning the
// per-page structure a cache serializer writes as the format's header.
// buf must hold exactly regionEnd-regionStart bytes, the region's
// final (post-C6) content.
func BuildChained(buf []byte, regionStart, regionEnd uint64, tracker *aslr.Tracker, cfg Config) (*Result, error) {
	if cfg.Version != V2 && cfg.Version != V3 && cfg.Version != V4 {
		return nil, fmt.Errorf("slideinfo: BuildChained does not support version %d", cfg.Version)
	}
	if err := validatePageSize(cfg.PageSize); err != nil {
		return nil, err
	}
	is64 := cfg.Version != V4
	deltaBits := cfg.deltaBits()
	maxDelta := cfg.maxDelta()

	res := &Result{Version: cfg.Version, PageSize: cfg.PageSize, ValueAdd: cfg.ValueAdd}

	for pageStart := regionStart; pageStart < regionEnd; pageStart += cfg.PageSize {
		pageEnd := pageStart + cfg.PageSize
		if pageEnd > regionEnd {
			pageEnd = regionEnd
		}
		locs := tracker.LocationsInRange(pageStart, pageEnd)
		pageIndex := len(res.PageStarts)

		if len(locs) == 0 {
			res.PageStarts = append(res.PageStarts, noRebase)
			continue
		}
		res.PagesTouched++

		remaining := locs
		first := true
		for len(remaining) > 0 {
			chain, breakLoc, hasBreak := buildPageChain(buf, regionStart, remaining, maxDelta, is64)
			if first {
				res.PageStarts = append(res.PageStarts, uint32(chain[0].loc-pageStart))
				first = false
			} else {
				res.Extras = append(res.Extras, Extra{PageIndex: pageIndex, StartOffset: uint32(chain[0].loc - pageStart)})
			}
			if err := linkChain(buf, regionStart, chain, deltaBits, is64); err != nil {
				return nil, err
			}
			if !hasBreak {
				break
			}
			// Resume from breakLoc: every remaining location from there
			// on starts the page's next independent chain.
			idx := 0
			for idx < len(remaining) && remaining[idx] < breakLoc {
				idx++
			}
			remaining = remaining[idx:]
		}
	}
	return res, nil
}
