// Package textpool implements spec.md §4.3, the coalesced-text pool
// (C3): merging every input dylib's __objc_classname, __objc_methname,
// __objc_methtype, and qualifying __cfstring sections into four shared
// regions, recording a per-(dylib, section) offset remap for the
// segment adjuster (C6) to apply.
package textpool

import (
	"bytes"
	"encoding/binary"

	"github.com/PureDarwin/dyldcache/pkg/holemap"
	"github.com/PureDarwin/dyldcache/pkg/selector"
)

// SectionKind names one of the four mergeable trailing __TEXT sections.
type SectionKind string

const (
	ClassName SectionKind = "__objc_classname"
	MethName  SectionKind = "__objc_methname"
	MethType  SectionKind = "__objc_methtype"
	CFString  SectionKind = "__cfstring"
)

// CFStringAtomSize is the platform constant spec.md §4.3 condition (b)
// requires every candidate __cfstring atom to match.
const CFStringAtomSize = 32

// Remap maps a byte offset within an input dylib's original section to
// its final offset in the merged pool (spec.md §4.3 "a per-section map
// from offset in original section to offset in merged pool").
type Remap map[uint64]uint64

// Lookup translates origOffset, returning ok=false if it was never
// interned (a malformed or unsupported layout upstream).
func (r Remap) Lookup(origOffset uint64) (uint64, bool) {
	v, ok := r[origOffset]
	return v, ok
}

// InternedPool is a simple append-and-dedup NUL-terminated C-string
// pool, used for __objc_classname and __objc_methtype, which (unlike
// __objc_methname) carry no IMP-cache bucket constraints.
type InternedPool struct {
	Kind    SectionKind
	buf     bytes.Buffer
	offsets map[string]uint64
}

// NewInternedPool returns an empty pool for the given section kind.
func NewInternedPool(kind SectionKind) *InternedPool {
	return &InternedPool{Kind: kind, offsets: make(map[string]uint64)}
}

// Intern adds s if not already present and returns its pool offset.
func (p *InternedPool) Intern(s string) uint64 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint64(p.buf.Len())
	p.buf.WriteString(s)
	p.buf.WriteByte(0)
	p.offsets[s] = off
	return off
}

// Bytes returns the merged pool contents.
func (p *InternedPool) Bytes() []byte { return p.buf.Bytes() }

// Size reports the current high-water mark of the pool.
func (p *InternedPool) Size() uint64 { return uint64(p.buf.Len()) }

// InternSection walks a NUL-delimited C-string section's raw bytes,
// interning every string and building the offset -> merged-offset
// remap spec.md §4.3 requires per dylib per section.
func InternSection(p *InternedPool, raw []byte) Remap {
	remap := make(Remap)
	start := 0
	for i, b := range raw {
		if b != 0 {
			continue
		}
		s := string(raw[start:i])
		remap[uint64(start)] = p.Intern(s)
		start = i + 1
	}
	return remap
}

// MethNamePool places non-participating method-name strings into the
// same pool C2 (pkg/selector) already laid out: participating selectors
// resolve straight through selector.Result, everything else is inserted
// via the hole map's best-fit routine, falling back to appending past
// the pool's high-water mark when no hole is large enough (spec.md
// §4.2's closing sentence, §4.3 "C3 inserts non-participating strings by
// calling the hole map's best-fit routine").
type MethNamePool struct {
	sel      *selector.Result
	holes    *holemap.Map
	extra    map[string]uint64 // strings placed past the original pool's high-water mark
	poolSize uint64
}

// NewMethNamePool wraps a completed C2 placement.
func NewMethNamePool(sel *selector.Result) *MethNamePool {
	return &MethNamePool{
		sel:      sel,
		holes:    sel.HoleMap,
		extra:    make(map[string]uint64),
		poolSize: sel.PoolSize,
	}
}

// Intern returns the merged-pool offset for name, inserting it if it
// was not already placed by C2.
func (m *MethNamePool) Intern(name string) uint64 {
	if s, ok := m.sel.Selectors[name]; ok {
		return s.Addr()
	}
	if off, ok := m.extra[name]; ok {
		return off
	}

	need := uint64(len(name) + 1)
	if off, ok := m.holes.BestFit(need); ok {
		m.extra[name] = off
		return off
	}

	off := m.poolSize
	m.poolSize += need
	m.extra[name] = off
	return off
}

// Size reports the merged pool's current high-water mark.
func (m *MethNamePool) Size() uint64 { return m.poolSize }

// cfStringAtom is the on-disk __cfstring layout: isa pointer, flags,
// character-data pointer, length — each a 64-bit field on the only
// architectures spec.md §4.3 condition (a) allows (64-bit, chained
// fixups, split-seg-v2).
type cfStringAtom struct {
	ISA    uint64
	Flags  uint64
	Chars  uint64
	Length uint64
}

// CFStringCandidate is one atom's qualification inputs, gathered by the
// layout/fixup-rewrite stage (C4/C6) before C3 is asked to merge it.
type CFStringCandidate struct {
	Raw [CFStringAtomSize]byte

	// IsaExporterInstallName is the install name the atom's isa bind
	// fixup resolves to.
	IsaExporterInstallName string
	// HasSymbol reports whether any symbol points into this atom
	// (condition (c): disqualifying).
	HasSymbol bool
	// SingleCStringRebase reports whether the atom has exactly one
	// rebase, targeting a C string (condition (e)).
	SingleCStringRebase bool
	// CStringOffset is that rebase's target, in the already-merged
	// __cstring-equivalent text (opaque to this package; only used to
	// build the merged atom's Chars field).
	CStringOffset uint64
}

// CFStringPool merges __cfstring atoms meeting conditions (b) through
// (e) of spec.md §4.3; condition (a), the binary's format, is not
// checked by this type. Disqualified atoms are reported back to the caller
// (left in place, unmerged) rather than silently dropped.
type CFStringPool struct {
	expectedExporter string // the install name that exports ___CFConstantStringClassReference
	buf              bytes.Buffer
	byKey            map[string]uint64 // dedup key (chars offset + length) -> merged offset
}

// NewCFStringPool requires the caller to name the dylib that exports
// ___CFConstantStringClassReference (spec.md §4.3 condition (d)); every
// candidate's isa must resolve to exactly that exporter.
func NewCFStringPool(expectedExporter string) *CFStringPool {
	return &CFStringPool{expectedExporter: expectedExporter, byKey: make(map[string]uint64)}
}

// TryMerge checks c against qualification conditions (b) through (e) and, if it
// qualifies, interns it (deduping atoms with identical chars+length) and
// returns its merged offset. ok is false if any condition fails; the
// caller must then leave the atom in the dylib's own layout.
func (p *CFStringPool) TryMerge(c CFStringCandidate) (offset uint64, ok bool) {
	if len(c.Raw) != CFStringAtomSize {
		return 0, false
	}
	if c.HasSymbol {
		return 0, false
	}
	if c.IsaExporterInstallName != p.expectedExporter {
		return 0, false
	}
	if !c.SingleCStringRebase {
		return 0, false
	}

	var atom cfStringAtom
	if err := binary.Read(bytes.NewReader(c.Raw[:]), binary.LittleEndian, &atom); err != nil {
		return 0, false
	}

	key := dedupKey(c.CStringOffset, atom.Length)
	if off, dup := p.byKey[key]; dup {
		return off, true
	}

	off := uint64(p.buf.Len())
	merged := atom
	merged.Chars = c.CStringOffset
	_ = binary.Write(&p.buf, binary.LittleEndian, &merged)
	p.byKey[key] = off
	return off, true
}

// Bytes returns the merged __cfstring section contents.
func (p *CFStringPool) Bytes() []byte { return p.buf.Bytes() }

// Size reports the merged section's current high-water mark.
func (p *CFStringPool) Size() uint64 { return uint64(p.buf.Len()) }

func dedupKey(charsOffset, length uint64) string {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], charsOffset)
	binary.LittleEndian.PutUint64(b[8:16], length)
	return string(b[:])
}
