package cachebuild

import (
	"bytes"
	"encoding/binary"

	"github.com/PureDarwin/dyldcache/pkg/slideinfo"
)

// encodeSlideInfo lays out one region's slideinfo.Result as the fixed
// byte stream C8's own doc comment says is left to "a cache
// serializer": pkg/slideinfo never claims to match Apple's exact
// dyld_cache_slide_info* struct packing (its own package doc says its
// wire layouts are "this implementation's own, built from spec.md
// §4.8's description"), so this encoder completes that contract with
// a single self-consistent header per family (V1's TOC/entries split,
// and a shared header for the three chained families), all little-
// endian per the root package's (*FileHeader) convention for LC64
// caches.
func encodeSlideInfo(res *slideinfo.Result) []byte {
	if res.Version == slideinfo.V1 {
		return encodeSlideInfoV1(res)
	}
	return encodeSlideInfoChained(res)
}

type slideInfoV1Header struct {
	Version       uint32
	TOCOffset     uint32
	TOCCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntrySize     uint32
}

func encodeSlideInfoV1(res *slideinfo.Result) []byte {
	const headerSize = 24
	tocOffset := uint32(headerSize)
	tocBytes := len(res.TOC) * 2
	entriesOffset := alignUp32(tocOffset+uint32(tocBytes), 4)

	hdr := slideInfoV1Header{
		Version:       1,
		TOCOffset:     tocOffset,
		TOCCount:      uint32(len(res.TOC)),
		EntriesOffset: entriesOffset,
		EntriesCount:  uint32(len(res.Entries)),
		EntrySize:     128,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	for _, e := range res.TOC {
		binary.Write(&buf, binary.LittleEndian, e)
	}
	for buf.Len() < int(entriesOffset) {
		buf.WriteByte(0)
	}
	for _, entry := range res.Entries {
		buf.Write(entry)
	}
	return buf.Bytes()
}

type slideInfoChainedHeader struct {
	Version          uint32
	PageSize         uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	ValueAdd         uint64
}

// extraSentinel marks a page_starts entry as "see page_extras instead"
// (this encoding's own convention); its low 15 bits then give the index
// of that page's first page_extras entry.
const extraSentinel = 0x8000

func encodeSlideInfoChained(res *slideinfo.Result) []byte {
	const headerSize = 32 // 6 uint32 fields + one uint64 ValueAdd field
	pageStartsOffset := uint32(headerSize)
	pageStartsBytes := len(res.PageStarts) * 2
	pageExtrasOffset := alignUp32(pageStartsOffset+uint32(pageStartsBytes), 4)

	pageStarts := make([]uint16, len(res.PageStarts))
	extrasByPage := make(map[int][]slideinfo.Extra)
	for _, ex := range res.Extras {
		extrasByPage[ex.PageIndex] = append(extrasByPage[ex.PageIndex], ex)
	}
	var extras []slideinfo.Extra
	for i, start := range res.PageStarts {
		if more, ok := extrasByPage[i]; ok {
			pageStarts[i] = uint16(extraSentinel | (len(extras) & 0x7fff))
			extras = append(extras, more...)
			continue
		}
		pageStarts[i] = uint16(start)
	}

	hdr := slideInfoChainedHeader{
		Version:          uint32(res.Version),
		PageSize:         uint32(res.PageSize),
		PageStartsOffset: pageStartsOffset,
		PageStartsCount:  uint32(len(pageStarts)),
		PageExtrasOffset: pageExtrasOffset,
		PageExtrasCount:  uint32(len(extras)),
		ValueAdd:         res.ValueAdd,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	for _, p := range pageStarts {
		binary.Write(&buf, binary.LittleEndian, p)
	}
	for buf.Len() < int(pageExtrasOffset) {
		buf.WriteByte(0)
	}
	for _, ex := range extras {
		binary.Write(&buf, binary.LittleEndian, uint32(ex.PageIndex))
		binary.Write(&buf, binary.LittleEndian, ex.StartOffset)
	}
	return buf.Bytes()
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}
