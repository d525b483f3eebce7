package cachebuild

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/PureDarwin/dyldcache/pkg/adjust"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
	"github.com/PureDarwin/dyldcache/pkg/linkedit"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	macho "github.com/PureDarwin/dyldcache"
	"github.com/PureDarwin/dyldcache/types"
)

// linkEditBlob is the whole cache's single serialized __LINKEDIT
// region: pkg/linkedit.Merged's own doc comments say it stops short of
// "a final serializer [that] concatenates them in the fixed whole-
// region order and patches every dylib's load commands via PerDylib" —
// this is that serializer. It mirrors a real dyld shared cache's
// link-edit layout: one shared symbol table and string pool, with
// every dylib's LC_SYMTAB/LC_DYSYMTAB pointing into its own slice.
type linkEditBlob struct {
	data []byte

	weakBindOff, bindOff, lazyBindOff, exportOff uint64
	symtabOff, strtabOff                         uint64
	indirectOff                                   uint64
}

func buildLinkEditBlob(m *linkedit.Merged, is64 bool, byteOrder binary.ByteOrder) *linkEditBlob {
	var buf bytes.Buffer
	b := &linkEditBlob{}

	b.weakBindOff = 0
	buf.Write(m.WeakBinds)

	b.bindOff = uint64(buf.Len())
	buf.Write(m.Binds)

	b.lazyBindOff = uint64(buf.Len())
	buf.Write(m.LazyBinds)

	b.exportOff = uint64(buf.Len())
	buf.Write(m.Exports)

	b.symtabOff = uint64(buf.Len())
	for _, sym := range m.Symtab {
		writeNlist(&buf, byteOrder, sym, is64)
	}

	b.strtabOff = uint64(buf.Len())
	buf.Write(m.Strings)

	b.indirectOff = uint64(buf.Len())
	for _, idx := range m.IndirectSymtab {
		binary.Write(&buf, byteOrder, idx)
	}

	b.data = buf.Bytes()
	return b
}

// writeNlist encodes one linkedit.FinalSymbol as a real nlist_32 or
// nlist_64 entry. FinalSymbol's Type/Desc fields are plain uint8/
// uint16 (linkedit has no reason to depend on the root package's
// types), so they need an explicit conversion to types.NType/
// types.NDescType here, at the one place that does.
func writeNlist(w io.Writer, order binary.ByteOrder, sym linkedit.FinalSymbol, is64 bool) {
	if is64 {
		binary.Write(w, order, types.Nlist64{
			Name: sym.Strx, Type: types.NType(sym.Type), Sect: sym.Sect,
			Desc: types.NDescType(sym.Desc), Value: sym.Value,
		})
		return
	}
	binary.Write(w, order, types.Nlist32{
		Name: sym.Strx, Type: types.NType(sym.Type), Sect: sym.Sect,
		Desc: types.NDescType(sym.Desc), Value: uint32(sym.Value),
	})
}

func nlistEntrySize(is64 bool) uint64 {
	if is64 {
		return 16
	}
	return 12
}

// assembleImage lays every dylib's rewritten segments and the shared
// link-edit blob into one output buffer sized from plan.End (Build
// copies the header and slide-info regions in afterwards), then patches each dylib's deferred load
// commands (spec.md §4.6/§4.7's "patch every dylib's load commands via
// PerDylib") to point at their final, merged locations.
func assembleImage(opts Options, plan *layout.Plan, results []*adjust.Result, merged *linkedit.Merged, d *diag.Diagnostic) []byte {
	linkeditSpan := findSpan(plan, layout.RegionLinkedit)
	is64 := true // every dylib this driver targets is a 64-bit architecture (spec.md's Non-goals exclude 32-bit caches)
	blob := buildLinkEditBlob(merged, is64, binary.LittleEndian)

	size := plan.End - opts.SharedRegionStart
	linkeditBase := linkeditSpan.Start - opts.SharedRegionStart
	if need := linkeditBase + uint64(len(blob.data)); need > size {
		size = need
	}
	unmappedOff := size
	size += uint64(len(merged.UnmappedLocals)) * nlistEntrySize(is64)

	buf := make([]byte, size)

	byInstall := make(map[string]*adjust.Result, len(results))
	for _, r := range results {
		byInstall[r.Dylib.InstallName] = r
	}

	for _, seg := range plan.Segments {
		if seg.Region == layout.RegionLinkedit {
			continue
		}
		res, ok := byInstall[seg.Dylib.InstallName]
		if !ok {
			continue
		}
		content := res.Rewritten[seg.SegmentName]
		copyInto(buf, seg.DestOffset, content)
	}

	// The shared link-edit region and every dylib's slice of it.
	copyInto(buf, linkeditBase, blob.data)
	if len(merged.UnmappedLocals) > 0 {
		var ubuf bytes.Buffer
		for _, sym := range merged.UnmappedLocals {
			writeNlist(&ubuf, binary.LittleEndian, sym, is64)
		}
		copyInto(buf, unmappedOff, ubuf.Bytes())
	}

	for i, res := range results {
		off := merged.PerDylib[i]
		patchAndWriteHeader(buf, plan, res, off, blob, linkeditBase, linkeditSpan, is64, d)
	}

	return buf
}

func copyInto(buf []byte, offset uint64, content []byte) {
	if offset >= uint64(len(buf)) || len(content) == 0 {
		return
	}
	end := offset + uint64(len(content))
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	copy(buf[offset:end], content[:end-offset])
}

func findSpan(plan *layout.Plan, region layout.Region) layout.RegionSpan {
	for _, s := range plan.Spans {
		if s.Region == region {
			return s
		}
	}
	return layout.RegionSpan{}
}

func findTextPlacement(plan *layout.Plan, dy *cacheinput.Dylib) (layout.SegmentPlacement, bool) {
	for _, seg := range plan.Segments {
		if seg.Dylib == dy && seg.SegmentName == "__TEXT" {
			return seg, true
		}
	}
	return layout.SegmentPlacement{}, false
}

// patchAndWriteHeader rewrites this dylib's deferred load commands
// (LC_SYMTAB, LC_DYSYMTAB, LC_DYLD_INFO[_ONLY], LC_FUNCTION_STARTS,
// LC_DATA_IN_CODE) against the now-known cache-wide link-edit layout,
// then re-encodes the mach_header and full load-command list at the
// start of the dylib's __TEXT placement — the same position the
// header occupies in the dylib's original, unmerged file.
//
// LC_FUNCTION_STARTS and LC_DATA_IN_CODE are zeroed rather than
// rebuilt: spec.md doesn't name either as a component any operation
// downstream depends on, and C6 doesn't carry the byte streams forward
// (open question, recorded in DESIGN.md).
func patchAndWriteHeader(buf []byte, plan *layout.Plan, res *adjust.Result, off linkedit.DylibOffsets, blob *linkEditBlob, linkeditBase uint64, linkeditSpan layout.RegionSpan, is64 bool, d *diag.Diagnostic) {
	textPlacement, ok := findTextPlacement(plan, res.Dylib)
	if !ok {
		d.Warn(res.Dylib.InstallName, "no __TEXT placement found, skipping header patch")
		return
	}

	entrySize := nlistEntrySize(is64)
	nlocal := uint32(len(res.LinkEdit.LocalSyms))
	nexported := uint32(len(res.LinkEdit.ExportedSyms))
	nimported := uint32(len(res.LinkEdit.ImportedSyms))

	placements := make(map[string]layout.SegmentPlacement)
	for _, seg := range plan.Segments {
		if seg.Dylib == res.Dylib {
			placements[seg.SegmentName] = seg
		}
	}

	var loads []macho.Load
	loads = append(loads, res.Loads.Kept...)
	for _, l := range res.Loads.NeedsOffsetPatch {
		switch c := l.(type) {
		case *macho.Symtab:
			c.Symoff = uint32(linkeditBase + blob.symtabOff + uint64(off.SymIndex)*entrySize)
			c.Nsyms = off.SymCount
			c.Stroff = uint32(linkeditBase + blob.strtabOff)
			c.Strsize = uint32(blob.indirectOff - blob.strtabOff)
		case *macho.Dysymtab:
			c.Ilocalsym = off.SymIndex
			c.Nlocalsym = nlocal
			c.Iextdefsym = off.SymIndex + nlocal
			c.Nextdefsym = nexported
			c.Iundefsym = off.SymIndex + nlocal + nexported
			c.Nundefsym = nimported
			c.Indirectsymoff = uint32(linkeditIndirectOffset(linkeditBase, blob))
			c.Nindirectsyms = off.IndirectSymCount
			c.Tocoffset, c.Ntoc = 0, 0
			c.Modtaboff, c.Nmodtab = 0, 0
			c.Extrefsymoff, c.Nextrefsyms = 0, 0
			c.Extreloff, c.Nextrel = 0, 0
			c.Locreloff, c.Nlocrel = 0, 0
		case *macho.DyldInfo:
			c.WeakBindOff, c.WeakBindSize = uint32(linkeditBase+blob.weakBindOff+uint64(off.WeakBindOff)), off.WeakBindSize
			c.BindOff, c.BindSize = uint32(linkeditBase+blob.bindOff+uint64(off.BindOff)), off.BindSize
			c.LazyBindOff, c.LazyBindSize = uint32(linkeditBase+blob.lazyBindOff+uint64(off.LazyBindOff)), off.LazyBindSize
			c.ExportOff, c.ExportSize = uint32(linkeditBase+blob.exportOff+uint64(off.ExportOff)), off.ExportSize
			c.RebaseOff, c.RebaseSize = 0, 0
		case *macho.DyldInfoOnly:
			c.WeakBindOff, c.WeakBindSize = uint32(linkeditBase+blob.weakBindOff+uint64(off.WeakBindOff)), off.WeakBindSize
			c.BindOff, c.BindSize = uint32(linkeditBase+blob.bindOff+uint64(off.BindOff)), off.BindSize
			c.LazyBindOff, c.LazyBindSize = uint32(linkeditBase+blob.lazyBindOff+uint64(off.LazyBindOff)), off.LazyBindSize
			c.ExportOff, c.ExportSize = uint32(linkeditBase+blob.exportOff+uint64(off.ExportOff)), off.ExportSize
			c.RebaseOff, c.RebaseSize = 0, 0
		case *macho.FunctionStarts:
			c.Offset, c.Size = 0, 0
		case *macho.DataInCode:
			c.Offset, c.Size = 0, 0
		case *macho.Segment:
			if c.Name == "__LINKEDIT" {
				// Every dylib shares one mapped link-edit region, rather
				// than each carving out its own range (spec.md §4.7: the
				// whole cache's bind/export/symbol streams are merged
				// into a single region, not kept per-dylib).
				c.Addr = linkeditSpan.Start
				c.Offset = linkeditBase
				c.Memsz = linkeditSpan.Size()
				c.Filesz = linkeditSpan.Size()
			} else if p, ok := placements[c.Name]; ok {
				c.Offset = p.DestOffset
				c.Filesz = p.CopySize
				c.Memsz = p.DestSize
			}
			loads = append(loads, c)
			continue
		default:
			loads = append(loads, l)
			continue
		}
		loads = append(loads, l)
	}

	writeHeader(buf, textPlacement.DestOffset, res.Dylib.MachoFile, loads)
}

// linkeditIndirectOffset reports where the cache-wide indirect symbol
// table starts within the shared link-edit blob (this driver's own
// fixed component order: weak binds, binds, lazy binds, exports,
// symtab, strings, then the indirect symbol table).
func linkeditIndirectOffset(linkeditBase uint64, blob *linkEditBlob) uint64 {
	return linkeditBase + blob.indirectOff
}

func writeHeader(buf []byte, destOffset uint64, f *macho.File, loads []macho.Load) {
	var cmdBuf bytes.Buffer
	for _, l := range loads {
		if err := l.Write(&cmdBuf, f.ByteOrder); err != nil {
			continue
		}
	}

	hdr := f.FileHeader
	hdr.NCommands = uint32(len(loads))
	hdr.SizeCommands = uint32(cmdBuf.Len())

	headerSize := 32
	if hdr.Magic == types.Magic32 {
		headerSize = 28
	}
	hdrBytes := make([]byte, headerSize)
	hdr.Put(hdrBytes, f.ByteOrder)

	copyInto(buf, destOffset, hdrBytes)
	copyInto(buf, destOffset+uint64(headerSize), cmdBuf.Bytes())
}
