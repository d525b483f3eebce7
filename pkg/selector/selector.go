// Package selector implements spec.md §4.2, the selector/IMP-cache placer
// (C2): the algorithmic heart of the builder. It assigns every
// Objective-C method-name string a global address inside the shared
// selector string pool such that, for every participating class, a
// simple (addr >> shift) & mask indexes a collision-free per-class hash
// table, and hands back the leftover pool space as a hole map for C3.
package selector

import (
	"sort"

	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/holemap"
)

// MagicSelector is dyld's well-known sentinel selector, always placed at
// address 0 so a null IMP-cache probe can never collide with a real one.
const MagicSelector = "\xf0\x9f\xa4\xaf"

const (
	// BucketBytes is the size of one selector-pool allocation bucket.
	BucketBytes = 128
	// BucketIndexBits is the width of the partially-constructed bucket
	// index every selector carries during placement (spec.md §3).
	BucketIndexBits = 17
	// maxBucketIndex is one past the largest representable bucket index.
	maxBucketIndex = 1 << BucketIndexBits
)

// Method is one (selector, owner) use site contributing to a class's
// IMP-cache method list (spec.md §3's class-placement record entry).
type Method struct {
	Selector     string
	InstallName  string
	ClassName    string
	CategoryName string
	Inlined      bool
	Flattening   bool
}

// Class is one Objective-C class slated to receive an IMP cache.
type Class struct {
	Name string
	// FlatteningRoot names the flattening hierarchy this class belongs
	// to, or "" if it participates in none. Dropping one member of a
	// hierarchy drops every member sharing the same root (spec.md §4.2,
	// §Glossary "Flattening hierarchy").
	FlatteningRoot string
	// Methods is this class's deduplicated selector-name list.
	Methods []string
	// Importance is the caller-supplied placement order: classes are
	// attempted lowest-Importance-first (spec.md §4.2 step 1).
	Importance int
}

// Selector is a method-name string's placement state: its final address
// once fully placed, plus the 17-bit bucket-index bits classes have
// frozen so far.
type Selector struct {
	Name string

	// frozen[i] is -1 (free), 0, or 1: the value classes have pinned for
	// bit i of the 17-bit bucket index. Bit 0 is the least significant.
	frozen [BucketIndexBits]int8

	bucketIndex uint32 // valid once placed by bucket-fit
	lowOffset   uint32 // valid once packed within its bucket
	placed      bool
}

// Addr returns the selector's final pool-relative byte address. Valid
// only after Place has returned successfully.
func (s *Selector) Addr() uint64 {
	return uint64(s.bucketIndex)*BucketBytes + uint64(s.lowOffset)
}

// ClassPlacement is a placed (or dropped) class's outcome.
type ClassPlacement struct {
	Class      *Class
	Shift      uint
	NeededBits uint
	Dropped    bool
	DropReason string
}

// Mask returns (1<<NeededBits)-1, the per-class hash-table mask.
func (p *ClassPlacement) Mask() uint32 { return uint32(1)<<p.NeededBits - 1 }

// Slot returns (addr >> p.Shift) & p.Mask(), the IMP-cache table index a
// selector's final address resolves to under this class's table.
func (p *ClassPlacement) Slot(addr uint64) uint32 {
	return uint32(addr>>p.Shift) & p.Mask()
}

// Result is the full output of Place.
type Result struct {
	Selectors map[string]*Selector
	Classes   []*ClassPlacement
	HoleMap   *holemap.Map
	// PoolSize is the high-water mark of pool bytes consumed by placed
	// selectors, rounded up to a full bucket.
	PoolSize uint64
}

// seed is the fixed PRNG seed spec.md §6's ordering guarantee requires
// ("a fixed PRNG seed (0)").
const seed = 0

// Place runs the full C2 algorithm: backtracking shift/neededBits
// assignment, bucket-fit, and left-to-right packing. classes need not be
// pre-sorted; Place sorts by Importance itself.
func Place(classes []*Class, d *diag.Diagnostic) (*Result, error) {
	selectors := collectSelectors(classes)

	ordered := make([]*Class, len(classes))
	copy(ordered, classes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Importance < ordered[j].Importance })

	placements, dropped := backtrackPlace(ordered, selectors, d)

	res := &Result{
		Selectors: selectors,
		Classes:   placements,
		HoleMap:   holemap.New(),
	}

	reserved, err := bucketFit(selectors, placements, dropped, d)
	if err != nil {
		return nil, err
	}
	packBuckets(selectors, reserved, res.HoleMap, &res.PoolSize)

	return res, d.Err()
}

// collectSelectors builds the deduplicated selector table (two classes
// referencing the same string share one Selector, per spec.md §4.2
// "two selectors with identical string content get the same address"),
// and pre-reserves the magic selector at bucket 0, bit pattern all-zero.
func collectSelectors(classes []*Class) map[string]*Selector {
	selectors := make(map[string]*Selector)

	magic := &Selector{Name: MagicSelector}
	for i := range magic.frozen {
		magic.frozen[i] = 0
	}
	selectors[MagicSelector] = magic

	for _, c := range classes {
		for _, name := range c.Methods {
			if _, ok := selectors[name]; ok {
				continue
			}
			sel := &Selector{Name: name}
			for i := range sel.frozen {
				sel.frozen[i] = -1
			}
			selectors[name] = sel
		}
	}
	return selectors
}
