package cacheinput

import (
	"sort"

	"github.com/PureDarwin/dyldcache/pkg/diag"
)

// VerifySelfContained iterates to a fixpoint: any dylib that non-weakly
// depends on an install name outside cacheable is demoted to other, with a
// human-readable reason recorded as a warning (spec.md §4.1). Weak
// dependencies may be missing without triggering a demotion.
//
// Returns the (possibly shrunk) cacheable set and the grown other set.
func VerifySelfContained(cacheable, other []*Dylib, d *diag.Diagnostic) ([]*Dylib, []*Dylib) {
	for {
		byInstall := ByInstallName(cacheable)
		var stillIn []*Dylib
		changed := false

		for _, dy := range cacheable {
			missing := ""
			for _, dep := range dy.Dependencies {
				if dep.Weak {
					continue
				}
				if _, ok := byInstall[dep.InstallName]; !ok {
					missing = dep.InstallName
					break
				}
			}
			if missing != "" {
				d.Warn(dy.InstallName, "demoted: non-weak dependency %q is outside the cacheable set", missing)
				other = append(other, dy)
				changed = true
				continue
			}
			stillIn = append(stillIn, dy)
		}

		cacheable = stillIn
		if !changed {
			break
		}
	}
	return cacheable, other
}

// reverseDeps builds install-name -> list of install names that (non-weakly
// or weakly; eviction only cares about existence of an edge) depend on it.
func reverseDeps(cacheable []*Dylib) map[string][]string {
	rev := make(map[string][]string, len(cacheable))
	for _, dy := range cacheable {
		for _, dep := range dy.Dependencies {
			rev[dep.InstallName] = append(rev[dep.InstallName], dy.InstallName)
		}
	}
	return rev
}

// EvictLeaves computes the reverse dependency graph and repeatedly removes
// the dylib with no remaining dependents that ranks lowest in the
// caller-supplied order file (or is largest, if unordered), until at least
// targetBytes have been freed (spec.md §4.1, §4.4 overflow recovery).
//
// Dylibs marked MustInclude are never evicted; if eviction cannot free
// enough bytes without evicting one, EvictLeaves returns an error.
func EvictLeaves(cacheable []*Dylib, targetBytes uint64, d *diag.Diagnostic) (kept, evicted []*Dylib, err error) {
	byInstall := ByInstallName(cacheable)
	rev := reverseDeps(cacheable)
	remaining := make(map[string]*Dylib, len(cacheable))
	for _, dy := range cacheable {
		remaining[dy.InstallName] = dy
	}

	var freed uint64
	var evictedList []*Dylib

	for freed < targetBytes {
		leaves := leavesWithNoDependents(remaining, rev)
		if len(leaves) == 0 {
			return nil, nil, diag.New(diag.Overflow, "", "no evictable leaf dylibs remain but only %d of %d bytes were freed", freed, targetBytes)
		}

		victim := pickEvictionVictim(leaves, byInstall)
		if victim == nil {
			return nil, nil, diag.New(diag.Overflow, "", "every remaining leaf is required; cannot free %d bytes", targetBytes)
		}

		delete(remaining, victim.InstallName)
		freed += victim.TotalSize()
		evictedList = append(evictedList, victim)
		d.Warn(victim.InstallName, "evicted to recover %d bytes of cache overflow", victim.TotalSize())

		// Removing victim may turn its own dependencies into leaves on the
		// next pass; rebuild the reverse-dependency edges lazily by
		// filtering out the victim wherever it appears as a dependent.
		for install, dependents := range rev {
			filtered := dependents[:0]
			for _, name := range dependents {
				if name != victim.InstallName {
					filtered = append(filtered, name)
				}
			}
			rev[install] = filtered
		}
	}

	for _, dy := range cacheable {
		if _, ok := remaining[dy.InstallName]; ok {
			kept = append(kept, dy)
		}
	}
	return kept, evictedList, nil
}

func leavesWithNoDependents(remaining map[string]*Dylib, rev map[string][]string) []*Dylib {
	var leaves []*Dylib
	for name, dy := range remaining {
		if len(rev[name]) == 0 {
			leaves = append(leaves, dy)
		}
	}
	// Deterministic order regardless of map iteration.
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].InstallName < leaves[j].InstallName })
	return leaves
}

// pickEvictionVictim chooses the lowest-priority leaf (highest order-file
// index; unordered dylibs rank below all ordered ones), breaking ties by
// largest size, per spec.md §4.1.
func pickEvictionVictim(leaves []*Dylib, byInstall map[string]*Dylib) *Dylib {
	var best *Dylib
	for _, dy := range leaves {
		if dy.MustInclude {
			continue
		}
		if best == nil {
			best = dy
			continue
		}
		if lowerPriority(dy, best) {
			best = dy
		}
	}
	return best
}

// lowerPriority reports whether a should be evicted before b: unordered
// (-1 priority) dylibs are lowest priority and are compared by size;
// among ordered dylibs, a higher order-file index means lower priority.
func lowerPriority(a, b *Dylib) bool {
	if a.priority < 0 && b.priority < 0 {
		return a.TotalSize() > b.TotalSize()
	}
	if a.priority < 0 {
		return true
	}
	if b.priority < 0 {
		return false
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.TotalSize() > b.TotalSize()
}

// ApplyOrderFile assigns priorities (0 = highest) from an ordered list of
// install names, one per line, top = highest priority (spec.md §6).
func ApplyOrderFile(dylibs []*Dylib, orderedInstallNames []string) {
	rank := make(map[string]int, len(orderedInstallNames))
	for i, name := range orderedInstallNames {
		rank[name] = i
	}
	for _, dy := range dylibs {
		if r, ok := rank[dy.InstallName]; ok {
			dy.priority = r
		} else {
			dy.priority = -1
		}
	}
}
