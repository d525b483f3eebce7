// Package slideinfo implements spec.md §4.8, the slide-info emitter
// (C8): for each writable region, it turns the ASLR tracker's (pkg/aslr)
// page-granular rebase bitmap into one of four page-indexed on-disk
// formats the loader walks at cache-load time to re-rebase the image
// to wherever it actually landed in memory.
//
// No repository in the reference corpus emits or parses dyld's slide
// info; this package's wire layouts are this implementation's own,
// built from spec.md §4.8's description of the four formats rather
// than ported from existing code. Each format's bit layout is
// internally documented where chosen. The package has no decoder; the
// tests check each encoder's output directly (bitmap bits, chain
// deltas, page starts and extras).
package slideinfo

import "fmt"

// Version selects one of the four slide-info formats spec.md §4.8
// names, chosen per architecture rather than at runtime.
type Version int

const (
	// V1 is the legacy 32-bit format: a 128-byte rebase bitmap per 4 KiB
	// page, deduplicated through a table-of-contents/entries split.
	V1 Version = 1
	// V2 is the generic 64-bit chained format (also used by i386 caches
	// that carry a non-zero ValueAdd): one chain per page, linked
	// through the pointer slots themselves.
	V2 Version = 2
	// V3 is the arm64e chained format: like V2, but each chain node
	// additionally carries pointer-authentication metadata.
	V3 Version = 3
	// V4 is the armv7k/arm64_32 format: like V2, but pointers (and
	// therefore chain targets) are 32-bit.
	V4 Version = 4
)

// noRebase marks a page with nothing to rebase; its PageStarts entry
// carries this sentinel instead of a byte offset.
const noRebase = 0xFFFF

// strideUnit is the byte granularity of a chain's "next" delta field,
// matching pkg/aslr's DefaultMinimumFixupAlignment — every rebase
// location is already a multiple of this.
const strideUnit = 4

// Config parameterizes one region's emission.
type Config struct {
	Version  Version
	PageSize uint64 // 4096 or 16384
	// DeltaBits is how many bits of a chain node's Next field are
	// available; it bounds the farthest a single link can jump before
	// an intermediate slot must be requisitioned. 0 selects a
	// version-appropriate default.
	DeltaBits uint
	// ValueAdd is subtracted from a raw pointer value before it is
	// treated as a target and re-added by the loader at rebase time;
	// nonzero only for V2 caches built for an image whose intended load
	// address isn't the shared region base (spec.md §4.8 V2).
	ValueAdd uint64
}

func (c Config) deltaBits() uint {
	if c.DeltaBits != 0 {
		return c.DeltaBits
	}
	if c.Version == V4 {
		return 8
	}
	return 12
}

func (c Config) maxDelta() uint64 {
	return (uint64(1) << c.deltaBits()) - 1
}

// Extra records a page whose rebase locations couldn't all be reached
// by a single requisitioned chain (spec.md §4.8 step 2's "open an
// extras entry"): PageIndex names the page, StartOffset the
// byte offset within it where a second, independent chain begins.
type Extra struct {
	PageIndex   int
	StartOffset uint32
}

// Result is one region's complete slide-info payload, still in
// structured form; a cache serializer lays this out as the four
// formats' differing on-disk headers dictate.
type Result struct {
	Version     Version
	PageSize    uint64
	PageStarts  []uint32 // per page: byte offset of its chain head, or noRebase
	Extras      []Extra
	// TOC/Entries are V1-only: TOC maps page index to a deduplicated
	// bitmap entry index.
	TOC     []uint16
	Entries [][]byte // each 128 bytes

	// ValueAdd carries Config.ValueAdd through to the serializer (V2
	// caches built for an image whose intended load address isn't the
	// shared region base).
	ValueAdd uint64

	// PagesTouched counts pages with at least one rebase location, for
	// the caller's diagnostics.
	PagesTouched int
}

func validatePageSize(pageSize uint64) error {
	if pageSize != 4096 && pageSize != 16384 {
		return fmt.Errorf("slideinfo: unsupported page size %d", pageSize)
	}
	return nil
}
