package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CacheMagicSize is the fixed width of the header's magic field: "dyld_v1"
// plus a space-padded architecture name, NUL terminated.
const CacheMagicSize = 16

// CacheMagic builds the fixed-width magic field for an architecture name
// such as "arm64e" or "x86_64".
func CacheMagic(arch string) [CacheMagicSize]byte {
	var m [CacheMagicSize]byte
	copy(m[:], "dyld_v1")
	for i := len("dyld_v1"); i < CacheMagicSize-1-len(arch); i++ {
		m[i] = ' '
	}
	copy(m[CacheMagicSize-1-len(arch):], arch)
	return m
}

// CachePlatform mirrors the dyld_platform_t values recorded in the header.
type CachePlatform uint8

const (
	PlatformUnknown  CachePlatform = 0
	PlatformMacOS    CachePlatform = 1
	PlatformIOS      CachePlatform = 2
	PlatformTVOS     CachePlatform = 3
	PlatformWatchOS  CachePlatform = 4
	PlatformBridgeOS CachePlatform = 5
)

// CacheDisposition selects which audience a produced cache file targets.
type CacheDisposition uint8

const (
	DispositionCustomer CacheDisposition = iota
	DispositionInternalDevelopment
	DispositionInternalMinDevelopment
)

// CacheHeader is the fixed leading structure of a shared-cache file
// (spec.md §6, abridged upstream layout). All integers are little-endian.
type CacheHeader struct {
	Magic                      [CacheMagicSize]byte
	MappingOffset              uint32
	MappingCount               uint32
	MappingWithSlideOffset     uint32
	MappingWithSlideCount      uint32
	ImagesOffset               uint32
	ImagesCount                uint32
	DyldBaseAddress            uint64
	CodeSignatureOffset        uint64
	CodeSignatureSize          uint64
	SlideInfoOffsetUnused      uint64
	SlideInfoSizeUnused        uint64
	LocalSymbolsOffset         uint64
	LocalSymbolsSize           uint64
	UUID                       [16]byte
	CacheType                  uint64
	BranchPoolsOffset          uint32
	BranchPoolsCount           uint32
	DylibsImageArrayAddr       uint64
	DylibsImageArraySize       uint64
	DylibsTrieAddr             uint64
	DylibsTrieSize             uint64
	OtherImageArrayAddr        uint64
	OtherImageArraySize        uint64
	OtherTrieAddr              uint64
	OtherTrieSize              uint64
	ImagesTextOffset           uint32
	ImagesTextCount            uint32
	PatchInfoAddr              uint64
	PatchInfoSize              uint64
	SharedRegionStart          uint64
	SharedRegionSize           uint64
	MaxSlide                   uint64
	Platform                   CachePlatform
	FormatVersion              uint8
	DylibsExpectedOnDisk       uint8
	Simulator                  uint8
	LocallyBuiltCache          uint8
	BuiltFromChainedFixups     uint8
	Padding                    [2]byte
}

// CacheHeaderSize is the on-disk size of CacheHeader.
const CacheHeaderSize = 16 + 4*6 + 8*7 + 16 + 8 + 4*2 + 8*8 + 4*2 + 8*2 + 8*3 + 1*6 + 2

// CacheHeaderUUIDOffset is UUID's byte offset within CacheHeader,
// spelled out field by field since a signer needs to patch that span
// in place without depending on a struct layout it can't introspect.
const CacheHeaderUUIDOffset = 16 + 4*6 + 8*3 + 8*2 + 8*2

func (h *CacheHeader) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	if err := binary.Write(buf, o, h); err != nil {
		return fmt.Errorf("failed to write cache header to buffer: %v", err)
	}
	return nil
}

// MappingInfo describes one contiguous, uniformly-protected file-backed
// region of the cache.
type MappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// MappingWithSlideInfo is MappingInfo plus the location of that region's
// slide-info sub-buffer (spec.md §4.4 "Read-only region").
type MappingWithSlideInfo struct {
	MappingInfo
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64
	Flags               uint64
}

// ImageInfo is one row of the cache's flat per-dylib table.
type ImageInfo struct {
	Address       uint64
	ModTime       uint64
	Inode         uint64
	PathFileOffset uint32
	Pad           uint32
}

// ImageTextInfo is one row of the text-region "image text" table used to
// resolve a load address back to a UUID + install-name without walking
// load commands.
type ImageTextInfo struct {
	UUID            [16]byte
	LoadAddress     uint64
	TextSegmentSize uint32
	PathOffset      uint32
}

// PatchInfo locates the four patch-table arrays (spec.md §4 SPEC_FULL
// supplement: patch info / patch table).
type PatchInfo struct {
	PatchTableArrayAddr   uint64
	PatchTableArrayCount  uint64
	PatchExportArrayAddr  uint64
	PatchExportArrayCount uint64
	PatchLocationArrayAddr uint64
	PatchLocationArrayCount uint64
	PatchExportNamesAddr  uint64
	PatchExportNamesSize  uint64
}

// PatchLocation is one call site that referenced a patchable export.
type PatchLocation struct {
	CacheOffset          uint32
	High7                uint32 // bits 0:7
	Addend               uint32 // bits 7:5
	Authenticated        uint32 // bit 12
	UsesAddressDiversity uint32 // bit 13
	Key                  uint32 // bits 14:2
	Discriminator        uint32 // bits 16:16
}

// Pack encodes the bitfield layout documented in spec.md §6.
func (p PatchLocation) Pack() uint32 {
	v := p.High7 & 0x7f
	v |= (p.Addend & 0x1f) << 7
	v |= (p.Authenticated & 0x1) << 12
	v |= (p.UsesAddressDiversity & 0x1) << 13
	v |= (p.Key & 0x3) << 14
	v |= (p.Discriminator & 0xffff) << 16
	return v
}

// UnpackPatchLocation decodes the bitfield layout documented in spec.md §6.
func UnpackPatchLocation(cacheOffset, packed uint32) PatchLocation {
	return PatchLocation{
		CacheOffset:          cacheOffset,
		High7:                packed & 0x7f,
		Addend:               (packed >> 7) & 0x1f,
		Authenticated:        (packed >> 12) & 0x1,
		UsesAddressDiversity: (packed >> 13) & 0x1,
		Key:                  (packed >> 14) & 0x3,
		Discriminator:        (packed >> 16) & 0xffff,
	}
}

// SlideInfoVersion selects one of the four rebase-chain encodings spec.md
// §4.8 describes.
type SlideInfoVersion uint32

const (
	SlideInfoV1 SlideInfoVersion = 1 // legacy 32-bit bitmap
	SlideInfoV2 SlideInfoVersion = 2 // generic 64-bit chained
	SlideInfoV3 SlideInfoVersion = 3 // arm64e chained
	SlideInfoV4 SlideInfoVersion = 4 // armv7k / arm64_32 chained
)

// SlideInfoV3Header is the fixed leading structure for SlideInfoV3 pages
// (spec.md §6, bit-exact).
type SlideInfoV3Header struct {
	Version        uint32
	PageSize       uint32
	PageStartsCount uint32
	Pad            uint32
	AuthValueAdd   uint64
}

const SlideInfoV3NoRebase = 0xFFFF

// SlideInfoV2Header is the fixed leading structure for SlideInfoV2 pages.
type SlideInfoV2Header struct {
	Version       uint32
	PageSize      uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask     uint64
	ValueAdd      uint64
}

const (
	SlideInfoV2PageNoRebase uint16 = 0xFFFF
	SlideInfoV2PageUseExtra uint16 = 0x8000
	SlideInfoV2ExtraEnd     uint16 = 0x8000
)

// SlideInfoV1Header describes the legacy 32-bit bitmap format.
type SlideInfoV1Header struct {
	Version       uint32
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32
}

// SlideInfoV4Header is structurally identical to V2 but paired with 32-bit
// pointers and a different delta-mask packing (spec.md §4.8).
type SlideInfoV4Header struct {
	Version          uint32
	PageSize         uint32
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint32
	ValueAdd         uint32
}

const (
	SlideInfoV4PageNoRebase uint16 = 0xFFFF
	SlideInfoV4PageUseExtra uint16 = 0x8000
	SlideInfoV4ExtraEnd     uint16 = 0x8000
)
