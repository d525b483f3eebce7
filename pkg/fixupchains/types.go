package fixupchains

import (
	"bytes"
	"encoding/binary"

	"github.com/PureDarwin/dyldcache/types"
)

// Wire-format types reused verbatim from the types package: their layout
// and constant values come straight off dyld's chained-fixups header, so
// there's nothing package-local to add beyond a name in this package.
type (
	DCPtrKind                  = types.DCPtrKind
	DCPtrStart                 = types.DCPtrStart
	DCImportsFormat            = types.DCImportsFormat
	DCSymbolsFormat            = types.DCSymbolsFormat
	DyldChainedFixupsHeader    = types.DyldChainedFixupsHeader
	DyldChainedStartsInSegment = types.DyldChainedStartsInSegment
)

const (
	DYLD_CHAINED_PTR_ARM64E              = types.DYLD_CHAINED_PTR_ARM64E
	DYLD_CHAINED_PTR_64                  = types.DYLD_CHAINED_PTR_64
	DYLD_CHAINED_PTR_32                  = types.DYLD_CHAINED_PTR_32
	DYLD_CHAINED_PTR_32_CACHE            = types.DYLD_CHAINED_PTR_32_CACHE
	DYLD_CHAINED_PTR_32_FIRMWARE         = types.DYLD_CHAINED_PTR_32_FIRMWARE
	DYLD_CHAINED_PTR_64_OFFSET           = types.DYLD_CHAINED_PTR_64_OFFSET
	DYLD_CHAINED_PTR_ARM64E_OFFSET       = types.DYLD_CHAINED_PTR_ARM64E_OFFSET
	DYLD_CHAINED_PTR_ARM64E_KERNEL       = types.DYLD_CHAINED_PTR_ARM64E_KERNEL
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     = types.DYLD_CHAINED_PTR_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND     = types.DYLD_CHAINED_PTR_ARM64E_USERLAND
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     = types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE = types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   = types.DYLD_CHAINED_PTR_ARM64E_USERLAND24

	DYLD_CHAINED_PTR_START_NONE  = types.DYLD_CHAINED_PTR_START_NONE
	DYLD_CHAINED_PTR_START_MULTI = types.DYLD_CHAINED_PTR_START_MULTI
	DYLD_CHAINED_PTR_START_LAST  = types.DYLD_CHAINED_PTR_START_LAST

	DC_IMPORT          = types.DC_IMPORT
	DC_IMPORT_ADDEND   = types.DC_IMPORT_ADDEND
	DC_IMPORT_ADDEND64 = types.DC_IMPORT_ADDEND64

	DC_SFORMAT_UNCOMPRESSED    = types.DC_SFORMAT_UNCOMPRESSED
	DC_SFORMAT_ZLIB_COMPRESSED = types.DC_SFORMAT_ZLIB_COMPRESSED
)

// Newer pointer-format values absent from the types package's dyld_chained_fixups.go
// constant set; assigned past the highest value (12) the real
// dyld_chained_fixups.h carried as of that file's last sync.
const (
	DYLD_CHAINED_PTR_ARM64E_SHARED_CACHE DCPtrKind = 13 // stride 8, like USERLAND24 but for shared-cache images
	DYLD_CHAINED_PTR_ARM64E_SEGMENTED    DCPtrKind = 14 // stride 4, like ARM64E_KERNEL but with a per-segment base
)

// Bit-test and chain-advance helpers forward straight to the types
// package's bitfield extraction; fixupchains needs them as bare
// package-level names since it predates the pointer-format structs below.
func DcpArm64eIsBind(ptr uint64) bool  { return types.DcpArm64eIsBind(ptr) }
func DcpArm64eIsAuth(ptr uint64) bool  { return types.DcpArm64eIsAuth(ptr) }
func DcpArm64eIsRebase(ptr uint64) bool { return !types.DcpArm64eIsBind(ptr) }
func DcpArm64eNext(ptr uint64) uint64  { return types.DcpArm64eNext(ptr) }

func Generic64Next(ptr uint64) uint64   { return types.Generic64Next(ptr) }
func Generic64IsBind(ptr uint64) bool   { return types.Generic64IsBind(ptr) }
func Generic32Next(ptr uint32) uint64   { return types.Generic32Next(ptr) }
func Generic32IsBind(ptr uint32) bool   { return types.Generic32IsBind(ptr) }

// pointerSize is the on-disk width of one chain entry; stride is the
// chain's advance granularity in bytes (some kernel-cache formats keep
// reading 8-byte slots but advance the chain every 4 bytes).
func pointerSize(format DCPtrKind) int {
	switch format {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return 4
	default:
		return 8
	}
}

// PointerSize exports pointerSize for callers outside the package (test
// harnesses synthesizing chain payloads need it to size each entry).
func PointerSize(format DCPtrKind) int { return pointerSize(format) }

func stride(format DCPtrKind) uint64 {
	switch format {
	case DYLD_CHAINED_PTR_ARM64E_KERNEL, DYLD_CHAINED_PTR_ARM64E_FIRMWARE, DYLD_CHAINED_PTR_ARM64E_SEGMENTED:
		return 4
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return 4
	case DYLD_CHAINED_PTR_64, DYLD_CHAINED_PTR_64_OFFSET, DYLD_CHAINED_PTR_64_KERNEL_CACHE:
		return 4
	default: // arm64e normal/userland/userland24/shared-cache
		return 8
	}
}

// Fixup is anything walkDcFixupChain can append to a segment's chain: a
// rebase or a bind, always addressable by the file offset it was read
// from.
type Fixup interface {
	Offset() uint64
}

// Rebase is a Fixup that resolves to a target address rather than an
// imported symbol.
type Rebase interface {
	Fixup
	Target() uint64
}

// Bind is a Fixup resolved through the imports table by ordinal.
type Bind interface {
	Fixup
	Ordinal() uint64
}

// Auth is a Fixup carrying pointer-authentication metadata, whether it's
// an auth-rebase or an auth-bind.
type Auth interface {
	Fixup
	Diversity() uint64
	AddrDiv() uint64
	Key() uint64
}

// Import is one parsed LC_DYLD_CHAINED_FIXUPS imports-table entry, in
// any of its three on-disk shapes.
type Import interface {
	NameOffset() uint64
}

// DcfImport pairs a raw imports-table entry with the symbol name
// resolved from the trailing strings pool.
type DcfImport struct {
	Name   string
	Import Import
}

// DyldChainedImport is the DYLD_CHAINED_IMPORT (format 1) shape: a
// 32-bit bitfield of lib ordinal, weak-import flag, and name offset.
type DyldChainedImport uint32

func (d DyldChainedImport) LibOrdinal() uint8 {
	return uint8(types.ExtractBits(uint64(d), 0, 8))
}
func (d DyldChainedImport) WeakImport() bool {
	return types.ExtractBits(uint64(d), 8, 1) == 1
}
func (d DyldChainedImport) NameOffset() uint64 {
	return types.ExtractBits(uint64(d), 9, 23)
}

// DyldChainedImport64 is the 64-bit import entry used by the kernel
// collection import formats.
type DyldChainedImport64 uint64

func (d DyldChainedImport64) LibOrdinal() uint64 {
	return types.ExtractBits(uint64(d), 0, 16)
}
func (d DyldChainedImport64) WeakImport() bool {
	return types.ExtractBits(uint64(d), 16, 1) == 1
}
func (d DyldChainedImport64) NameOffset() uint64 {
	return types.ExtractBits(uint64(d), 32, 32)
}

// DyldChainedImportAddend is the DYLD_CHAINED_IMPORT_ADDEND (format 2)
// shape: an import entry plus a signed addend applied at bind time.
type DyldChainedImportAddend struct {
	Import DyldChainedImport
	Addend int32
}

func (d DyldChainedImportAddend) NameOffset() uint64 { return d.Import.NameOffset() }

// DyldChainedImportAddend64 is the DYLD_CHAINED_IMPORT_ADDEND64 (format
// 3) shape used by large images whose addend can exceed 32 bits.
type DyldChainedImportAddend64 struct {
	Import DyldChainedImport64
	Addend uint64
}

func (d DyldChainedImportAddend64) NameOffset() uint64 { return d.Import.NameOffset() }

// --- arm64e pointer formats (DYLD_CHAINED_PTR_ARM64E and variants) ---

type DyldChainedPtrArm64eRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eRebase) Target() uint64       { return types.ExtractBits(d.Pointer, 0, 43) }
func (d DyldChainedPtrArm64eRebase) UnpackTarget() uint64 { return d.Target() }
func (d DyldChainedPtrArm64eRebase) High8() uint64        { return types.ExtractBits(d.Pointer, 43, 8) }
func (d DyldChainedPtrArm64eRebase) Offset() uint64       { return d.Fixup }

type DyldChainedPtrArm64eBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind) Ordinal() uint64 { return types.ExtractBits(d.Pointer, 0, 16) }
func (d DyldChainedPtrArm64eBind) Addend() uint64  { return types.ExtractBits(d.Pointer, 32, 19) }
func (d DyldChainedPtrArm64eBind) SignExtendedAddend() int64 {
	addend19 := types.ExtractBits(d.Pointer, 32, 19)
	if addend19&0x40000 != 0 {
		return int64(addend19 | 0xFFFFFFFFFFFC0000)
	}
	return int64(addend19)
}
func (d DyldChainedPtrArm64eBind) Offset() uint64 { return d.Fixup }

type DyldChainedPtrArm64eAuthRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eAuthRebase) Target() uint64    { return types.ExtractBits(d.Pointer, 0, 32) }
func (d DyldChainedPtrArm64eAuthRebase) Diversity() uint64 { return types.ExtractBits(d.Pointer, 32, 16) }
func (d DyldChainedPtrArm64eAuthRebase) AddrDiv() uint64   { return types.ExtractBits(d.Pointer, 48, 1) }
func (d DyldChainedPtrArm64eAuthRebase) Key() uint64       { return types.ExtractBits(d.Pointer, 49, 2) }
func (d DyldChainedPtrArm64eAuthRebase) Offset() uint64    { return d.Fixup }

type DyldChainedPtrArm64eAuthBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind) Ordinal() uint64   { return types.ExtractBits(d.Pointer, 0, 16) }
func (d DyldChainedPtrArm64eAuthBind) Diversity() uint64 { return types.ExtractBits(d.Pointer, 32, 16) }
func (d DyldChainedPtrArm64eAuthBind) AddrDiv() uint64    { return types.ExtractBits(d.Pointer, 48, 1) }
func (d DyldChainedPtrArm64eAuthBind) Key() uint64        { return types.ExtractBits(d.Pointer, 49, 2) }
func (d DyldChainedPtrArm64eAuthBind) Offset() uint64     { return d.Fixup }

type DyldChainedPtrArm64eBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind24) Ordinal() uint64 { return types.ExtractBits(d.Pointer, 0, 24) }
func (d DyldChainedPtrArm64eBind24) Addend() uint64  { return types.ExtractBits(d.Pointer, 32, 19) }
func (d DyldChainedPtrArm64eBind24) SignExtendedAddend() int64 {
	addend19 := types.ExtractBits(d.Pointer, 32, 19)
	if addend19&0x40000 != 0 {
		return int64(addend19 | 0xFFFFFFFFFFFC0000)
	}
	return int64(addend19)
}
func (d DyldChainedPtrArm64eBind24) Offset() uint64 { return d.Fixup }

type DyldChainedPtrArm64eAuthBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind24) Ordinal() uint64   { return types.ExtractBits(d.Pointer, 0, 24) }
func (d DyldChainedPtrArm64eAuthBind24) Diversity() uint64 { return types.ExtractBits(d.Pointer, 32, 16) }
func (d DyldChainedPtrArm64eAuthBind24) AddrDiv() uint64    { return types.ExtractBits(d.Pointer, 48, 1) }
func (d DyldChainedPtrArm64eAuthBind24) Key() uint64        { return types.ExtractBits(d.Pointer, 49, 2) }
func (d DyldChainedPtrArm64eAuthBind24) Offset() uint64     { return d.Fixup }

// --- generic 64-bit pointer formats ---

type DyldChainedPtr64Rebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64Rebase) Target() uint64         { return types.ExtractBits(d.Pointer, 0, 36) }
func (d DyldChainedPtr64Rebase) UnpackedTarget() uint64 { return d.Target() }
func (d DyldChainedPtr64Rebase) High8() uint64          { return types.ExtractBits(d.Pointer, 36, 8) }
func (d DyldChainedPtr64Rebase) Offset() uint64         { return d.Fixup }

type DyldChainedPtr64RebaseOffset struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64RebaseOffset) Target() uint64         { return types.ExtractBits(d.Pointer, 0, 36) }
func (d DyldChainedPtr64RebaseOffset) UnpackedTarget() uint64 { return d.Target() }
func (d DyldChainedPtr64RebaseOffset) High8() uint64          { return types.ExtractBits(d.Pointer, 36, 8) }
func (d DyldChainedPtr64RebaseOffset) Offset() uint64         { return d.Fixup }

type DyldChainedPtr64Bind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr64Bind) Ordinal() uint64 { return types.ExtractBits(d.Pointer, 0, 24) }
func (d DyldChainedPtr64Bind) Addend() uint64  { return types.ExtractBits(d.Pointer, 24, 8) }
func (d DyldChainedPtr64Bind) Offset() uint64  { return d.Fixup }

type DyldChainedPtr64KernelCacheRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64KernelCacheRebase) Target() uint64 { return types.ExtractBits(d.Pointer, 0, 30) }
func (d DyldChainedPtr64KernelCacheRebase) CacheLevel() uint64 {
	return types.ExtractBits(d.Pointer, 30, 2)
}
func (d DyldChainedPtr64KernelCacheRebase) Diversity() uint64 { return types.ExtractBits(d.Pointer, 32, 16) }
func (d DyldChainedPtr64KernelCacheRebase) AddrDiv() uint64   { return types.ExtractBits(d.Pointer, 48, 1) }
func (d DyldChainedPtr64KernelCacheRebase) Key() uint64       { return types.ExtractBits(d.Pointer, 49, 2) }
func (d DyldChainedPtr64KernelCacheRebase) Offset() uint64    { return d.Fixup }

// --- generic 32-bit pointer formats ---

type DyldChainedPtr32Rebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32Rebase) Target() uint64 { return types.ExtractBits(uint64(d.Pointer), 0, 26) }
func (d DyldChainedPtr32Rebase) Offset() uint64 { return d.Fixup }

type DyldChainedPtr32Bind struct {
	Pointer uint32
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr32Bind) Ordinal() uint64 { return types.ExtractBits(uint64(d.Pointer), 0, 20) }
func (d DyldChainedPtr32Bind) Addend() uint64   { return types.ExtractBits(uint64(d.Pointer), 20, 6) }
func (d DyldChainedPtr32Bind) Offset() uint64   { return d.Fixup }

type DyldChainedPtr32CacheRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32CacheRebase) Target() uint64 { return types.ExtractBits(uint64(d.Pointer), 0, 30) }
func (d DyldChainedPtr32CacheRebase) Offset() uint64 { return d.Fixup }

type DyldChainedPtr32FirmwareRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32FirmwareRebase) Target() uint64 {
	return types.ExtractBits(uint64(d.Pointer), 0, 26)
}
func (d DyldChainedPtr32FirmwareRebase) Offset() uint64 { return d.Fixup }

// segmentRange indexes one DyldChainedStarts's covered file-offset span
// for findSegmentForOffset's binary search.
type segmentRange struct {
	start, end uint64
	index      int
}

// DyldChainedStarts is one segment's entry in the DyldChainedStartsInImage
// table: the wire header plus the page-starts array and, once Parse has
// walked it, every fixup found in the segment.
type DyldChainedStarts struct {
	DyldChainedStartsInSegment
	Fixups     []Fixup
	PageStarts []DCPtrStart
}

// DyldChainedFixups is a parsed LC_DYLD_CHAINED_FIXUPS payload: the
// imports table, one DyldChainedStarts per segment, and (after Parse)
// every fixup the chains contain, indexed both by file offset
// (Starts[i].Fixups) and by rebase target (fixups).
type DyldChainedFixups struct {
	DyldChainedFixupsHeader
	PointerFormat DCPtrKind
	Starts        []DyldChainedStarts
	Imports       []DcfImport

	r  *bytes.Reader
	sr types.MachoReader
	bo binary.ByteOrder

	fixups map[uint64]Fixup

	segmentIndex []segmentRange

	metadataParsed bool
	importsParsed  bool
	chainsParsed   bool
}

// Lookup returns the fixup whose rebase target equals offset, if the
// chains have already been walked (by Parse, or test setup) and it was
// recorded there.
func (dcf *DyldChainedFixups) Lookup(offset uint64) (Fixup, bool) {
	if dcf.fixups == nil {
		return nil, false
	}
	f, ok := dcf.fixups[offset]
	return f, ok
}
