// Package linkedit implements spec.md §4.7, the link-edit merger (C7):
// it concatenates every dylib's already-rewritten link-edit content
// (pkg/adjust's per-dylib Result) into the single shared link-edit
// region the whole cache uses, renumbering symbol-table indices and
// deduping the string pool along the way.
package linkedit

import (
	"github.com/PureDarwin/dyldcache/pkg/adjust"
)

// Mach-O's two sentinel INDIRECT_SYMBOL values, which mark a stub/
// pointer slot as referring to a local or absolute symbol rather than
// a real indirect-symbol-table index; these pass through unchanged
// since they were never real indices into Symtab.Syms.
const (
	indirectSymbolLocal uint32 = 0x80000000
	indirectSymbolAbs   uint32 = 0x40000000
)

// FinalSymbol is one fully-resolved symbol-table entry: its name has
// already been interned into Merged.Strings, so Strx is the final
// n_strx value any serializer can write as-is.
type FinalSymbol struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// DylibOffsets locates one dylib's slice of each merged component, for
// C6's deferred LoadPlan.NeedsOffsetPatch entries (LC_DYLD_INFO*,
// LC_SYMTAB, LC_DYSYMTAB) to be rewritten against once this merge
// completes (spec.md §4.7 step 6). Sym* fields are entry counts/
// indices, not byte offsets — the symtab's on-disk entry size (32- or
// 64-bit nlist) is a whole-cache constant the final serializer applies
// uniformly.
type DylibOffsets struct {
	WeakBindOff, WeakBindSize uint32
	BindOff, BindSize         uint32 // zero size for a chained-fixup dylib; its binds are never merged
	LazyBindOff, LazyBindSize uint32
	ExportOff, ExportSize     uint32

	SymIndex, SymCount                 uint32
	IndirectSymIndex, IndirectSymCount uint32
}

// Merged is the whole cache's single link-edit region, laid out per
// spec.md §4.7's component order (the bind/export streams are each
// their own contiguous run here; a final serializer concatenates them
// in the fixed whole-region order and patches every dylib's load
// commands via PerDylib).
type Merged struct {
	WeakBinds []byte
	Binds     []byte
	LazyBinds []byte
	Exports   []byte

	Symtab         []FinalSymbol
	IndirectSymtab []uint32

	// UnmappedLocals holds every dylib's local symbols when StripLocals
	// is requested (spec.md §4.7 step 3): they move to this separate,
	// off-cache region, and the on-cache Symtab instead carries one
	// "<redacted>" placeholder per stripped __text-defined local
	// (preserving the symbol count a backtrace walk expects without the
	// real name).
	UnmappedLocals []FinalSymbol

	// Strings is the deduped string pool, starting with a single 0x00
	// byte by convention (spec.md §4.7 step 5) so a zero n_strx means
	// "no name".
	Strings []byte

	PerDylib []DylibOffsets
}

// Merge concatenates results (one pkg/adjust.Result per dylib, in
// cache layout order) into a single Merged link-edit region.
// stripLocals selects spec.md §4.7 step 3's off-cache locals policy.
func Merge(results []*adjust.Result, stripLocals bool) *Merged {
	m := &Merged{Strings: []byte{0}}
	strs := newStringPool(m)

	m.PerDylib = make([]DylibOffsets, len(results))
	for i, res := range results {
		m.PerDylib[i] = mergeOne(m, strs, res, stripLocals)
	}
	return m
}

type stringPool struct {
	m      *Merged
	offset map[string]uint32
}

func newStringPool(m *Merged) *stringPool {
	return &stringPool{m: m, offset: map[string]uint32{"": 0}}
}

func (p *stringPool) intern(name string) uint32 {
	if off, ok := p.offset[name]; ok {
		return off
	}
	off := uint32(len(p.m.Strings))
	p.m.Strings = append(p.m.Strings, name...)
	p.m.Strings = append(p.m.Strings, 0)
	p.offset[name] = off
	return off
}

func mergeOne(m *Merged, strs *stringPool, res *adjust.Result, stripLocals bool) DylibOffsets {
	var off DylibOffsets

	off.WeakBindOff, off.WeakBindSize = uint32(len(m.WeakBinds)), uint32(len(res.LinkEdit.WeakBinds))
	m.WeakBinds = append(m.WeakBinds, res.LinkEdit.WeakBinds...)

	// spec.md §4.7 step 1: a chained-fixup dylib's bind opcode stream
	// describes chains C6 already walked and rewrote directly, so it is
	// never concatenated (res.LinkEdit.Binds is already empty for such
	// a dylib per pkg/adjust/linkedit.go's buildLinkEdit, but the size
	// is recorded as zero here regardless of what the dylib carried).
	off.BindOff, off.BindSize = uint32(len(m.Binds)), uint32(len(res.LinkEdit.Binds))
	m.Binds = append(m.Binds, res.LinkEdit.Binds...)

	off.LazyBindOff, off.LazyBindSize = uint32(len(m.LazyBinds)), uint32(len(res.LinkEdit.LazyBinds))
	m.LazyBinds = append(m.LazyBinds, res.LinkEdit.LazyBinds...)

	off.ExportOff, off.ExportSize = uint32(len(m.Exports)), uint32(len(res.LinkEdit.Exports))
	m.Exports = append(m.Exports, res.LinkEdit.Exports...)

	off.SymIndex = uint32(len(m.Symtab))
	oldToNew := make(map[int]uint32, len(res.LinkEdit.LocalSyms)+len(res.LinkEdit.ExportedSyms)+len(res.LinkEdit.ImportedSyms))

	appendSym := func(sym adjust.ExportedSymbol, name string) {
		m.Symtab = append(m.Symtab, FinalSymbol{
			Strx:  strs.intern(name),
			Type:  sym.Type,
			Sect:  sym.Sect,
			Desc:  sym.Desc,
			Value: sym.Value,
		})
		oldToNew[sym.OldIndex] = uint32(len(m.Symtab) - 1)
	}

	if stripLocals {
		for _, sym := range res.LinkEdit.LocalSyms {
			m.UnmappedLocals = append(m.UnmappedLocals, FinalSymbol{
				Strx:  strs.intern(sym.Name),
				Type:  sym.Type,
				Sect:  sym.Sect,
				Desc:  sym.Desc,
				Value: sym.Value,
			})
			appendSym(sym, "<redacted>")
		}
	} else {
		for _, sym := range res.LinkEdit.LocalSyms {
			appendSym(sym, sym.Name)
		}
	}
	for _, sym := range res.LinkEdit.ExportedSyms {
		appendSym(sym, sym.Name)
	}
	for _, sym := range res.LinkEdit.ImportedSyms {
		appendSym(sym, sym.Name)
	}
	off.SymCount = uint32(len(m.Symtab)) - off.SymIndex

	off.IndirectSymIndex = uint32(len(m.IndirectSymtab))
	for _, oldIdx := range res.LinkEdit.IndirectSyms {
		if oldIdx == indirectSymbolLocal || oldIdx == indirectSymbolAbs {
			m.IndirectSymtab = append(m.IndirectSymtab, oldIdx)
			continue
		}
		newIdx, ok := oldToNew[int(oldIdx)]
		if !ok {
			// A stub/pointer slot pointing at a symbol this pass didn't
			// see (e.g. an imported symbol resolved via a chained bind
			// rather than Symtab.Syms) carries no renumbering target;
			// mark it local rather than emit a dangling index.
			newIdx = indirectSymbolLocal
		}
		m.IndirectSymtab = append(m.IndirectSymtab, newIdx)
	}
	off.IndirectSymCount = uint32(len(m.IndirectSymtab)) - off.IndirectSymIndex

	return off
}
