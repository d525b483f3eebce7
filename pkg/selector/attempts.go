package selector

import "sort"

type attempt struct {
	shift      uint
	neededBits uint
}

// ceilLog2 returns ceil(log2(n)) for n >= 1 (a one-entry table still
// needs 0 bits: every selector maps to the sole slot).
func ceilLog2(n int) uint {
	if n <= 1 {
		return 0
	}
	bits := uint(0)
	v := n - 1
	for v > 0 {
		v >>= 1
		bits++
	}
	return bits
}

// enumerateAttempts builds every (shift, neededBits) candidate for a
// class, sorted tightest-table-first then fewest-new-constraints-first
// then lowest-shift-first (spec.md §4.2 step 2).
func enumerateAttempts(c *Class, selectors map[string]*Selector) []attempt {
	n := len(dedupMethods(c.Methods))
	lo := ceilLog2(n)
	candidates := []uint{lo}
	if lo+1 <= BucketIndexBits {
		candidates = append(candidates, lo+1)
	}

	var attempts []attempt
	for _, nb := range candidates {
		if nb > BucketIndexBits {
			continue
		}
		for shift := uint(0); shift+nb <= BucketIndexBits; shift++ {
			attempts = append(attempts, attempt{shift: shift, neededBits: nb})
		}
	}

	sort.SliceStable(attempts, func(i, j int) bool {
		a, b := attempts[i], attempts[j]
		if a.neededBits != b.neededBits {
			return a.neededBits < b.neededBits
		}
		fa := newConstraintCount(c, a, selectors)
		fb := newConstraintCount(c, b, selectors)
		if fa != fb {
			return fa < fb
		}
		return a.shift < b.shift
	})
	return attempts
}

// newConstraintCount measures how many previously-free bucket-index bits
// this attempt's window would need to pin across the class's selectors,
// the "fixed-bits-to-set" sort key of spec.md §4.2 step 2.
func newConstraintCount(c *Class, a attempt, selectors map[string]*Selector) int {
	total := 0
	for _, name := range c.Methods {
		sel := selectors[name]
		for b := a.shift; b < a.shift+a.neededBits; b++ {
			if sel.frozen[b] == -1 {
				total++
			}
		}
	}
	return total
}

type freezeEntry struct {
	sel    *Selector
	bitPos uint
}

// tryAttempt attempts to assign every selector in c a distinct slot under
// (shift, neededBits), consistent with bits already frozen on it by
// earlier classes. On success it freezes the newly-constrained bits and
// returns the undo log; on failure it leaves all state untouched.
func tryAttempt(c *Class, a attempt, selectors map[string]*Selector) (ok bool, log []freezeEntry) {
	mask := uint32(1)<<a.neededBits - 1
	methods := dedupMethods(c.Methods)
	n := len(methods)

	type slotCons struct {
		sel              *Selector
		knownMask, known uint32
		assigned         int
	}
	cons := make([]slotCons, n)
	for i, name := range methods {
		sel := selectors[name]
		var km, kv uint32
		for b := uint(0); b < a.neededBits; b++ {
			if v := sel.frozen[a.shift+b]; v != -1 {
				km |= 1 << b
				if v == 1 {
					kv |= 1 << b
				}
			}
		}
		cons[i] = slotCons{sel: sel, knownMask: km, known: kv, assigned: -1}
	}

	used := make([]bool, 1<<a.neededBits)

	// Fully-pinned selectors must land exactly on their pinned slot.
	for i := range cons {
		if cons[i].knownMask == mask {
			slot := cons[i].known
			if used[slot] {
				return false, nil
			}
			used[slot] = true
			cons[i].assigned = int(slot)
		}
	}

	order := shuffledSlots(1<<a.neededBits, c.Name, a.shift, a.neededBits)
	for i := range cons {
		if cons[i].assigned != -1 {
			continue
		}
		found := false
		for _, slot := range order {
			s := uint32(slot)
			if used[s] {
				continue
			}
			if s&cons[i].knownMask != cons[i].known {
				continue
			}
			used[s] = true
			cons[i].assigned = int(s)
			found = true
			break
		}
		if !found {
			return false, nil
		}
	}

	for _, sc := range cons {
		slot := uint32(sc.assigned)
		for b := uint(0); b < a.neededBits; b++ {
			bitPos := a.shift + b
			if sc.sel.frozen[bitPos] == -1 {
				val := int8((slot >> b) & 1)
				sc.sel.frozen[bitPos] = val
				log = append(log, freezeEntry{sel: sc.sel, bitPos: bitPos})
			}
		}
	}
	return true, log
}

func dedupMethods(methods []string) []string {
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func undoFreeze(log []freezeEntry) {
	for _, e := range log {
		e.sel.frozen[e.bitPos] = -1
	}
}
