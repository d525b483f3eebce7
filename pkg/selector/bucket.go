package selector

import (
	"sort"

	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/holemap"
)

// bucketFit runs spec.md §4.2's bucket-fit pass: for every selector still
// referenced by a surviving class, intersect the constraints frozen on it
// and claim the smallest not-yet-overfull 128-byte bucket consistent with
// them. Selectors with no available bucket drop every class that
// references them, cascading through flattening hierarchies.
func bucketFit(selectors map[string]*Selector, placements []*ClassPlacement, dropped map[string]bool, d *diag.Diagnostic) (map[uint32]bool, error) {
	bucketUsed := make(map[uint32]uint64)
	reserved := make(map[uint32]bool)

	magic := selectors[MagicSelector]
	magic.bucketIndex = 0
	magic.placed = true
	bucketUsed[0] = uint64(len(MagicSelector) + 1)

	for _, sel := range buildFitOrder(selectors, placements) {
		size := uint64(len(sel.Name) + 1)
		placed := false

		for _, idx := range consistentValues(sel.frozen[:]) {
			ok, overflow, fatal := canPlace(idx, size, bucketUsed)
			if fatal {
				err := diag.New(diag.LayoutExhausted, "", "selector %q: two long (>128 byte) selectors cannot overflow into the same bucket run", sel.Name)
				d.Fail(err)
				return nil, err
			}
			if !ok {
				continue
			}
			sel.bucketIndex = idx
			sel.placed = true
			if overflow {
				bucketUsed[idx] = size
				bucketUsed[idx+1] = BucketBytes
				reserved[idx+1] = true
			} else {
				bucketUsed[idx] += size
			}
			placed = true
			break
		}

		if !placed {
			dropSelectorClasses(sel, placements, dropped, d)
		}
	}

	return reserved, nil
}

// canPlace reports whether a selector of size bytes fits at bucket idx.
// A selector over 128 bytes must start a bucket fresh and overflow
// wholesale into the next one, which must itself be completely
// unclaimed; a clash there (two long selectors wanting the same run) is
// the "reject rather than emit a corrupt layout" edge case of spec.md §9.
func canPlace(idx uint32, size uint64, bucketUsed map[uint32]uint64) (ok, overflow, fatal bool) {
	if size <= BucketBytes {
		return bucketUsed[idx]+size <= BucketBytes, false, false
	}
	if idx+1 >= maxBucketIndex {
		return false, false, false
	}
	if bucketUsed[idx] != 0 {
		return false, false, false
	}
	if bucketUsed[idx+1] != 0 {
		return false, false, true
	}
	return true, true, false
}

// consistentValues enumerates every 17-bit value consistent with a
// selector's frozen bit pattern, ascending, so bucket-fit always tries
// the smallest candidate first.
func consistentValues(frozen []int8) []uint32 {
	var base uint32
	var freeBits []uint
	for i, v := range frozen {
		switch v {
		case 1:
			base |= 1 << uint(i)
		case -1:
			freeBits = append(freeBits, uint(i))
		}
	}
	n := len(freeBits)
	vals := make([]uint32, 0, 1<<uint(n))
	for combo := 0; combo < 1<<uint(n); combo++ {
		v := base
		for b, pos := range freeBits {
			if combo&(1<<uint(b)) != 0 {
				v |= 1 << pos
			}
		}
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals
}

func frozenCount(s *Selector) int {
	c := 0
	for _, v := range s.frozen {
		if v != -1 {
			c++
		}
	}
	return c
}

// buildFitOrder lists the selectors still referenced by a surviving
// class, most-constrained (fewest free bits) first, per spec.md §4.2
// "sorted by descending constraint strength".
func buildFitOrder(selectors map[string]*Selector, placements []*ClassPlacement) []*Selector {
	participating := make(map[string]bool)
	for _, p := range placements {
		if p == nil || p.Dropped {
			continue
		}
		for _, name := range p.Class.Methods {
			participating[name] = true
		}
	}

	var list []*Selector
	for name, sel := range selectors {
		if name == MagicSelector || !participating[name] {
			continue
		}
		list = append(list, sel)
	}
	sort.Slice(list, func(i, j int) bool {
		ci, cj := frozenCount(list[i]), frozenCount(list[j])
		if ci != cj {
			return ci > cj
		}
		return list[i].Name < list[j].Name
	})
	return list
}

// dropSelectorClasses drops every surviving class referencing sel
// (because it found no bucket), cascading through flattening hierarchies.
func dropSelectorClasses(sel *Selector, placements []*ClassPlacement, dropped map[string]bool, d *diag.Diagnostic) {
	var all []*Class
	for _, p := range placements {
		if p != nil {
			all = append(all, p.Class)
		}
	}
	for _, p := range placements {
		if p == nil || p.Dropped {
			continue
		}
		for _, name := range p.Class.Methods {
			if name != sel.Name {
				continue
			}
			p.Dropped = true
			p.DropReason = "no bucket available for selector " + sel.Name
			d.Warn("", "selector placement: dropped class %q (selector %q exhausted the bucket space)", p.Class.Name, sel.Name)
			dropFlatteningHierarchy(p.Class, all, dropped)
			break
		}
	}
}

// packBuckets assigns each placed selector's low 7 bits by packing
// left-to-right within its bucket, then records the leftover space in
// hm as hole-map entries (spec.md §4.2).
func packBuckets(selectors map[string]*Selector, reserved map[uint32]bool, hm *holemap.Map, poolSize *uint64) {
	buckets := make(map[uint32][]*Selector)
	var maxIdx uint32
	for _, sel := range selectors {
		if !sel.placed {
			continue
		}
		buckets[sel.bucketIndex] = append(buckets[sel.bucketIndex], sel)
		if sel.bucketIndex > maxIdx {
			maxIdx = sel.bucketIndex
		}
	}
	for idx := range reserved {
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	for idx, list := range buckets {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Name == MagicSelector {
				return true
			}
			if list[j].Name == MagicSelector {
				return false
			}
			return list[i].Name < list[j].Name
		})

		var offset uint32
		for _, sel := range list {
			sel.lowOffset = offset
			offset += uint32(len(sel.Name) + 1)
		}

		bucketStart := uint64(idx) * BucketBytes
		bucketEnd := bucketStart + BucketBytes
		used := bucketStart + uint64(offset)
		if used < bucketEnd {
			hm.Add(used, bucketEnd)
		}
	}

	*poolSize = (uint64(maxIdx) + 1) * BucketBytes
}
