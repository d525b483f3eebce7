package adjust

import (
	"strings"

	"github.com/PureDarwin/dyldcache"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/trie"
)

// LinkEditComponents holds one dylib's rebuilt link-edit content, in
// spec.md §4.6's fixed order, ready for C7 (pkg/linkedit) to
// concatenate across every dylib in the cache.
type LinkEditComponents struct {
	WeakBinds     []byte
	Binds         []byte
	LazyBinds     []byte
	Exports       []byte
	FuncStarts    []byte
	DataInCode    []byte
	LocalSyms     []ExportedSymbol
	ExportedSyms  []ExportedSymbol
	ImportedSyms  []ExportedSymbol
	IndirectSyms  []uint32
	ExtRelocs     []byte
}

// ExportedSymbol is one slid, string-deduped symbol-table entry,
// already classified local/exported/imported by buildLinkEdit per
// spec.md §4.7 step 2's ordering.
type ExportedSymbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
	// OldIndex is this symbol's position in the dylib's original
	// Symtab.Syms, which IndirectSyms entries reference; C7 uses it to
	// build the old-index-to-new-global-index map spec.md §4.7 step 2
	// calls for before it can remap the indirect symbol table.
	OldIndex int
}

// exportTrieFiltered reports whether name is one of the entries spec.md §4.6 says get
// stripped from the export trie while it's being merged: linker
// synthesized "$ld$...$" symbol-versioning hints and private
// ".objc_*" selectors, neither meaningful once dylibs share one cache.
func exportTrieFiltered(name string) bool {
	return strings.HasPrefix(name, "$ld$") || strings.HasPrefix(name, ".objc_")
}

// buildLinkEdit rebuilds a dylib's link-edit content per spec.md §4.6's
// closing paragraphs: the export trie is filtered and every surviving
// entry's address slid by its owning segment's slide; defined symbols'
// n_value fields are slid the same way.
func buildLinkEdit(d *cacheinput.Dylib, idx *PlacementIndex, dg *diag.Diagnostic) (LinkEditComponents, error) {
	var out LinkEditComponents

	// spec.md §4.7 step 1: weak-bind/bind/lazy-bind are concatenated
	// verbatim from each dylib's original dyld-info byte streams, except
	// chained-fixup dylibs, whose bind opcodes describe a chain C6 has
	// already walked and rewritten directly; reusing them post-merge
	// would double-apply those binds.
	if !d.HasChainedFixups {
		if off, size, ok := dyldInfoRange(d, dyldInfoWeakBind); ok {
			out.WeakBinds = readRaw(d, off, size)
		}
		if off, size, ok := dyldInfoRange(d, dyldInfoBind); ok {
			out.Binds = readRaw(d, off, size)
		}
		if off, size, ok := dyldInfoRange(d, dyldInfoLazyBind); ok {
			out.LazyBinds = readRaw(d, off, size)
		}
	}

	if dxt, err := d.MachoFile.DyldExports(); err == nil {
		var kept []trie.TrieEntry
		for _, e := range dxt {
			if exportTrieFiltered(e.Name) {
				continue
			}
			if slide, ok := slideForVMAddr(d, idx, e.Address); ok {
				e.Address = uint64(int64(e.Address) + slide)
			}
			kept = append(kept, e)
		}
		encoded, err := trie.EncodeTrie(kept, d.MachoFile.GetBaseAddress())
		if err != nil {
			return out, diag.Wrap(err, diag.FormatUnsupported, d.InstallName, "re-encoding export trie")
		}
		out.Exports = encoded
	}

	if d.MachoFile.Symtab != nil {
		for i, sym := range d.MachoFile.Symtab.Syms {
			value := sym.Value
			if sym.Sect > 0 {
				if slide, ok := slideForSection(d, idx, sym.Sect); ok {
					value = uint64(int64(value) + slide)
				}
			}
			entry := ExportedSymbol{
				Name:     sym.Name,
				Type:     uint8(sym.Type),
				Sect:     sym.Sect,
				Desc:     uint16(sym.Desc),
				Value:    value,
				OldIndex: i,
			}
			switch {
			case sym.Type&0x0e == 0 /* N_UNDF */ :
				out.ImportedSyms = append(out.ImportedSyms, entry)
			case sym.Type.IsPrivateExternal():
				out.LocalSyms = append(out.LocalSyms, entry)
			case sym.Type&0x01 != 0 /* N_EXT */ :
				out.ExportedSyms = append(out.ExportedSyms, entry)
			default:
				out.LocalSyms = append(out.LocalSyms, entry)
			}
		}
	}

	if d.MachoFile.Dysymtab != nil {
		out.IndirectSyms = append([]uint32(nil), d.MachoFile.Dysymtab.IndirectSyms...)
	}

	return out, nil
}

// dyldInfoField selects which (offset, size) pair dyldInfoRange reads
// off a dylib's LC_DYLD_INFO[_ONLY] command.
type dyldInfoField int

const (
	dyldInfoWeakBind dyldInfoField = iota
	dyldInfoBind
	dyldInfoLazyBind
)

// dyldInfoRange finds d's LC_DYLD_INFO or LC_DYLD_INFO_ONLY command and
// returns the requested byte range, whichever variant is present.
func dyldInfoRange(d *cacheinput.Dylib, field dyldInfoField) (off, size uint32, ok bool) {
	for _, l := range d.MachoFile.Loads {
		switch info := l.(type) {
		case *macho.DyldInfo:
			return pickDyldInfoField(field, info.WeakBindOff, info.WeakBindSize, info.BindOff, info.BindSize, info.LazyBindOff, info.LazyBindSize)
		case *macho.DyldInfoOnly:
			return pickDyldInfoField(field, info.WeakBindOff, info.WeakBindSize, info.BindOff, info.BindSize, info.LazyBindOff, info.LazyBindSize)
		}
	}
	return 0, 0, false
}

func pickDyldInfoField(field dyldInfoField, weakOff, weakSize, bindOff, bindSize, lazyOff, lazySize uint32) (uint32, uint32, bool) {
	switch field {
	case dyldInfoWeakBind:
		return weakOff, weakSize, weakSize > 0
	case dyldInfoBind:
		return bindOff, bindSize, bindSize > 0
	case dyldInfoLazyBind:
		return lazyOff, lazySize, lazySize > 0
	}
	return 0, 0, false
}

// readRaw reads size bytes at off from the dylib's original backing
// file, verbatim; the bind/weak-bind/lazy-bind opcode streams need no
// address fixups, only concatenation (spec.md §4.7 step 1).
func readRaw(d *cacheinput.Dylib, off, size uint32) []byte {
	buf := make([]byte, size)
	n, err := d.MachoFile.ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return nil
	}
	return buf[:n]
}

// slideForSection resolves the slide of the segment owning a 1-based
// section index (Symbol.Sect's numbering).
func slideForSection(d *cacheinput.Dylib, idx *PlacementIndex, sectIdx uint8) (int64, bool) {
	seg, _, ok := segmentForSection(d, sectIdx)
	if !ok {
		return 0, false
	}
	return idx.Slide(seg.Name, seg.VMAddr)
}

// slideForVMAddr resolves the slide of whichever segment contains
// vmAddr, for export-trie addresses which carry no section index.
func slideForVMAddr(d *cacheinput.Dylib, idx *PlacementIndex, vmAddr uint64) (int64, bool) {
	for _, seg := range d.Segments {
		if vmAddr >= seg.VMAddr && vmAddr < seg.VMAddr+seg.VMSize {
			return idx.Slide(seg.Name, seg.VMAddr)
		}
	}
	return 0, false
}

// OrderedBytes concatenates every ordered blob component of the
// link-edit (the symbol-table and indirect-symbol entries are left as
// structured slices since C7 must renumber them across dylibs before
// they can be serialized).
func (c LinkEditComponents) OrderedBytes() []byte {
	var out []byte
	for _, b := range [][]byte{c.Binds, c.WeakBinds, c.LazyBinds, c.Exports, c.FuncStarts, c.DataInCode, c.ExtRelocs} {
		out = append(out, b...)
	}
	return out
}
