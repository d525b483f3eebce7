package cachebuild

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
	"github.com/PureDarwin/dyldcache/pkg/trie"
	"github.com/PureDarwin/dyldcache/types"
)

// VM protection bits, matching mach's vm_prot_t (spec.md §6's
// MappingInfo.MaxProt/InitProt).
const (
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4
)

// On-disk sizes of the fixed-width table rows CacheHeader's offset
// fields index into. All four types are plain fixed-size value structs
// (no pointers, no interfaces), so binary.Write handles them directly.
const (
	mappingInfoSize          = 3*8 + 2*4
	mappingWithSlideInfoSize = mappingInfoSize + 2*8 + 8
	imageInfoSize            = 3*8 + 2*4
	imageTextInfoSize        = 16 + 8 + 2*4
)

// patchInfoSize is the on-disk size of types.PatchInfo.
const patchInfoSize = 8 * 8

// buildCacheHeader assembles spec.md §6's on-disk cache container —
// CacheHeader plus its mapping, image, image-text, dylibs-trie, and
// patch-info tables — into a buffer exactly opts.HeaderReserve bytes
// long, ready to be copied into the start of the assembled image
// (cachebuild.go reserves that span via pkg/layout.Config.HeaderReserve
// and never places any segment inside it).
//
// Every *Addr header field is an absolute cache virtual address;
// every *Offset field is a file offset from the start of the cache,
// matching the convention CacheHeader's own field docs describe.
func buildCacheHeader(opts Options, plan *layout.Plan, dylibs []*cacheinput.Dylib) ([]byte, error) {
	sorted := make([]*cacheinput.Dylib, len(dylibs))
	copy(sorted, dylibs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstallName < sorted[j].InstallName })

	mappings, withSlide := buildMappings(plan, opts)
	images, texts, pathPool := buildImageTables(plan, sorted)
	dylibsTrie, err := buildDylibsTrie(sorted)
	if err != nil {
		return nil, fmt.Errorf("encoding dylibs trie: %w", err)
	}

	off := uint64(types.CacheHeaderSize)
	mappingOff := off
	off += uint64(len(mappings)) * mappingInfoSize
	withSlideOff := off
	off += uint64(len(withSlide)) * mappingWithSlideInfoSize
	imagesOff := off
	off += uint64(len(images)) * imageInfoSize
	textOff := off
	off += uint64(len(texts)) * imageTextInfoSize
	trieAddr := opts.SharedRegionStart + off
	off += uint64(len(dylibsTrie))
	patchAddr := opts.SharedRegionStart + off
	off += patchInfoSize
	pathBase := off
	off += uint64(len(pathPool))

	for i := range images {
		images[i].PathFileOffset += uint32(pathBase)
	}
	for i := range texts {
		texts[i].PathOffset += uint32(pathBase)
	}

	if off > opts.HeaderReserve {
		return nil, fmt.Errorf("cache header content (%d bytes) exceeds reserved header region (%d bytes)", off, opts.HeaderReserve)
	}

	used := plan.End - opts.SharedRegionStart
	maxSlide := uint64(0)
	if opts.PermittedWindow > used {
		maxSlide = opts.PermittedWindow - used
	}

	chainedFixups := uint8(0)
	for _, dy := range sorted {
		if dy.HasChainedFixups {
			chainedFixups = 1
			break
		}
	}

	hdr := types.CacheHeader{
		Magic:                  types.CacheMagic(opts.cacheArch()),
		MappingOffset:          uint32(mappingOff),
		MappingCount:           uint32(len(mappings)),
		MappingWithSlideOffset: uint32(withSlideOff),
		MappingWithSlideCount:  uint32(len(withSlide)),
		ImagesOffset:           uint32(imagesOff),
		ImagesCount:            uint32(len(images)),
		DyldBaseAddress:        opts.SharedRegionStart,
		DylibsTrieAddr:         trieAddr,
		DylibsTrieSize:         uint64(len(dylibsTrie)),
		ImagesTextOffset:       uint32(textOff),
		ImagesTextCount:        uint32(len(texts)),
		PatchInfoAddr:          patchAddr,
		PatchInfoSize:          patchInfoSize,
		SharedRegionStart:      opts.SharedRegionStart,
		SharedRegionSize:       used,
		MaxSlide:               maxSlide,
		Platform:               opts.Platform,
		FormatVersion:          1,
		DylibsExpectedOnDisk:   boolToByte(opts.DylibsExpectedOnDisk),
		Simulator:              boolToByte(opts.Simulator),
		// LocallyBuiltCache has no separate manifest field in this
		// driver; a cache built against an on-disk-dylib expectation
		// is, by this driver's own definition, not "locally built"
		// (Open Question decision, DESIGN.md).
		LocallyBuiltCache:      boolToByte(!opts.DylibsExpectedOnDisk),
		BuiltFromChainedFixups: chainedFixups,
	}

	var buf bytes.Buffer
	if err := hdr.Write(&buf, binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if err := binary.Write(&buf, binary.LittleEndian, m); err != nil {
			return nil, err
		}
	}
	for _, m := range withSlide {
		if err := binary.Write(&buf, binary.LittleEndian, m); err != nil {
			return nil, err
		}
	}
	for _, im := range images {
		if err := binary.Write(&buf, binary.LittleEndian, im); err != nil {
			return nil, err
		}
	}
	for _, t := range texts {
		if err := binary.Write(&buf, binary.LittleEndian, t); err != nil {
			return nil, err
		}
	}
	buf.Write(dylibsTrie)
	// Zeroed patch-info: this driver doesn't track patchable exports
	// (no consumer of selector.Place's class data needs them), so the
	// table is present, at a real address, with every count at zero
	// (Open Question decision, DESIGN.md).
	binary.Write(&buf, binary.LittleEndian, types.PatchInfo{})
	buf.Write(pathPool)

	out := make([]byte, opts.HeaderReserve)
	copy(out, buf.Bytes())
	return out, nil
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// buildMappings groups the layout's many fine-grained regions into the
// three coarse, uniformly-protected mappings a real dyld cache maps
// (TEXT r-x, DATA rw-, LINKEDIT r--): spec.md §6's MappingInfo is a
// per-protection-class record, not a per-layout-region one, so
// RegionObjCRO/RegionBranch fold into TEXT and
// RegionData/RegionDataConst/RegionAuth/RegionAuthConst/RegionReadOnly/
// RegionSlideInfo fold into DATA (Open Question decision, DESIGN.md:
// this driver doesn't split DATA_CONST/AUTH into their own mappings
// the way a real arm64e cache does).
func buildMappings(plan *layout.Plan, opts Options) ([]types.MappingInfo, []types.MappingWithSlideInfo) {
	bounds := func(regions ...layout.Region) (lo, hi uint64, ok bool) {
		for _, s := range plan.Spans {
			for _, r := range regions {
				if s.Region != r {
					continue
				}
				if !ok || s.Start < lo {
					lo = s.Start
				}
				if s.End > hi {
					hi = s.End
				}
				ok = true
			}
		}
		return
	}

	type group struct {
		lo, hi            uint64
		maxProt, initProt uint32
		slideEligible     bool
	}
	var groups []group
	if lo, hi, ok := bounds(layout.RegionText, layout.RegionObjCRO, layout.RegionBranch); ok {
		groups = append(groups, group{lo, hi, vmProtRead | vmProtExecute, vmProtRead | vmProtExecute, false})
	}
	if lo, hi, ok := bounds(layout.RegionData, layout.RegionDataConst, layout.RegionAuth, layout.RegionAuthConst, layout.RegionReadOnly, layout.RegionSlideInfo); ok {
		groups = append(groups, group{lo, hi, vmProtRead | vmProtWrite, vmProtRead | vmProtWrite, true})
	}
	if lo, hi, ok := bounds(layout.RegionLinkedit); ok {
		groups = append(groups, group{lo, hi, vmProtRead, vmProtRead, false})
	}

	slideSpan := findSpan(plan, layout.RegionSlideInfo)

	mappings := make([]types.MappingInfo, 0, len(groups))
	withSlide := make([]types.MappingWithSlideInfo, 0, len(groups))
	for _, g := range groups {
		mi := types.MappingInfo{
			Address:    g.lo,
			Size:       g.hi - g.lo,
			FileOffset: g.lo - opts.SharedRegionStart,
			MaxProt:    g.maxProt,
			InitProt:   g.initProt,
		}
		mappings = append(mappings, mi)

		ws := types.MappingWithSlideInfo{MappingInfo: mi}
		if g.slideEligible && slideSpan.End > slideSpan.Start {
			ws.SlideInfoFileOffset = slideSpan.Start - opts.SharedRegionStart
			ws.SlideInfoFileSize = slideSpan.Size()
		}
		withSlide = append(withSlide, ws)
	}
	return mappings, withSlide
}

// buildImageTables builds one ImageInfo/ImageTextInfo row per dylib
// (already sorted by install name by the caller) plus the NUL-
// terminated install-name string pool both tables' path offsets index
// into. PathFileOffset/PathOffset are returned relative to the start
// of the pool; buildCacheHeader rebases them once the pool's final
// position within the header region is known.
func buildImageTables(plan *layout.Plan, sorted []*cacheinput.Dylib) ([]types.ImageInfo, []types.ImageTextInfo, []byte) {
	images := make([]types.ImageInfo, 0, len(sorted))
	texts := make([]types.ImageTextInfo, 0, len(sorted))
	var pool bytes.Buffer

	for _, dy := range sorted {
		pathOff := uint32(pool.Len())
		pool.WriteString(dy.InstallName)
		pool.WriteByte(0)

		var textAddr uint64
		var textSize uint32
		if p, ok := findTextPlacement(plan, dy); ok {
			textAddr = p.DestAddr
			textSize = uint32(p.DestSize)
		}

		images = append(images, types.ImageInfo{
			Address:        textAddr,
			ModTime:        dy.ModTime,
			Inode:          dy.Inode,
			PathFileOffset: pathOff,
		})
		texts = append(texts, types.ImageTextInfo{
			UUID:            dylibUUID(dy),
			LoadAddress:     textAddr,
			TextSegmentSize: textSize,
			PathOffset:      pathOff,
		})
	}
	return images, texts, pool.Bytes()
}

// dylibUUID reads the dylib's own LC_UUID, or the zero UUID if it
// carries none.
func dylibUUID(dy *cacheinput.Dylib) [16]byte {
	if u := dy.MachoFile.UUID(); u != nil {
		return [16]byte(u.UUIDCmd.UUID)
	}
	return [16]byte{}
}

// buildDylibsTrie encodes spec.md §6's dylibsTrieAddr table: a plain
// export-trie-shaped lookup from install name to the surviving dylib's
// index into the ImageInfo table built alongside it, reusing
// pkg/trie.EncodeTrie (previously only exercised per-dylib for export
// tries in pkg/adjust/linkedit.go) with loadAddress 0 so each entry's
// stored value is the index itself rather than an address.
func buildDylibsTrie(sorted []*cacheinput.Dylib) ([]byte, error) {
	entries := make([]trie.TrieEntry, len(sorted))
	for i, dy := range sorted {
		entries[i] = trie.TrieEntry{Name: dy.InstallName, Address: uint64(i)}
	}
	return trie.EncodeTrie(entries, 0)
}
