// Package layout implements spec.md §4.4, the layout planner (C4): a
// single ordered pass that assigns every surviving dylib's segments a
// destination address and file offset across the text, Objective-C
// read-only, data, and read-only/link-edit regions, reserving branch
// islands where ARM64_BR26's range can't otherwise reach across the
// text region.
package layout

import (
	"sort"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/selector"
	"github.com/PureDarwin/dyldcache/types"
)

// Region names one destination area of the output buffer.
type Region string

const (
	RegionText       Region = "TEXT"
	RegionObjCRO     Region = "OBJC_RO"
	RegionBranch     Region = "BRANCH_ISLAND"
	RegionData       Region = "DATA"
	RegionDataConst  Region = "DATA_CONST"
	RegionAuth       Region = "AUTH"
	RegionAuthConst  Region = "AUTH_CONST"
	RegionReadOnly   Region = "READ_ONLY"
	RegionLinkedit   Region = "LINKEDIT"
	RegionSlideInfo  Region = "SLIDE_INFO"
)

const (
	// DefaultPageAlign is the minimum segment alignment spec.md §4.4 step
	// 1 requires ("max(16 KiB, segment.p2align)").
	DefaultPageAlign = 16 * 1024

	impCacheHeaderSize = 16
	impCacheBucketSize = 8

	slideInfoHeaderSize     = 0x38
	slideInfoBytesPerPage   = 2 // one uint16 page-entry per mapped page, the v1-v3 common case
)

// sizeForImpCacheWithCount returns the byte size of one class's IMP
// cache given its table size (spec.md §4.4 step 2).
func sizeForImpCacheWithCount(n uint64) uint64 {
	return impCacheHeaderSize + n*impCacheBucketSize
}

// SegmentPlacement is spec.md §3's "Segment placement record".
type SegmentPlacement struct {
	Dylib          *cacheinput.Dylib
	SegmentName    string
	Region         Region
	SrcOffset      uint64
	DestOffset     uint64 // file offset in the output buffer
	DestAddr       uint64 // destination unslid virtual address
	CopySize       uint64 // bytes actually copied (may be less than DestSize)
	DestSize       uint64 // destination segment size
}

// Island is one reserved branch-island segment (SPEC_FULL.md addition):
// a small always-executable stub region letting an out-of-range
// ARM64_BR26 branch hop across the text region instead of failing.
type Island struct {
	Addr uint64
	Size uint64
}

// RegionSpan records one region's [start, end) virtual-address range.
type RegionSpan struct {
	Region Region
	Start  uint64
	End    uint64
}

func (s RegionSpan) Size() uint64 { return s.End - s.Start }

// Plan is the complete output of one layout pass.
type Plan struct {
	Segments     []SegmentPlacement
	Spans        []RegionSpan
	BranchIslands []Island
	// End is the final address one past the last byte placed. The
	// caller compares this against the architecture's permitted window.
	End uint64
}

// OverflowError reports that a layout pass exceeded its architecture's
// permitted address window, naming how many bytes must be freed before
// a retry can succeed (spec.md §4.4 "If any region overflows").
type OverflowError struct {
	Region         Region
	OverflowBytes  uint64
}

func (e *OverflowError) Error() string {
	return "layout overflow in region " + string(e.Region)
}

// Config parameterizes one layout pass. Callbacks let C6's fixup/auth
// analysis (not yet run at layout time for the first pass) inform
// segment classification without pkg/layout importing pkg/adjust.
type Config struct {
	SharedRegionStart uint64
	PermittedWindow   uint64
	PageAlign         uint64 // defaults to DefaultPageAlign if zero
	HeaderReserve     uint64

	// SupportsAuth selects the four-region DATA/DATA_CONST/AUTH/AUTH_CONST
	// split; otherwise a single combined DATA region is used (spec.md
	// §4.4 step 3).
	SupportsAuth bool

	// DirtyDataOrder lists install names in dirty-data placement order
	// (spec.md §4.4 step 3's "ordered by dirty-data order file").
	DirtyDataOrder []string

	// HasAuthFixups reports whether any chained fixup in (dylib,
	// segment) carries an auth bit.
	HasAuthFixups func(dylib *cacheinput.Dylib, segment string) bool
	// ConstEligible reports whether (dylib, segment) may receive
	// _CONST treatment (false for e.g. dylibs with pointer-based method
	// lists, per spec.md §4.4 step 3).
	ConstEligible func(dylib *cacheinput.Dylib, segment string) bool
	// IsDirty reports whether (dylib, segment) holds dirty data.
	IsDirty func(dylib *cacheinput.Dylib, segment string) bool

	// TrimBytes returns how many trailing bytes of (dylib, segment)
	// were coalesced away into C3's pools and should not be copied.
	TrimBytes func(dylib *cacheinput.Dylib, segment string) uint64

	// ObjCPoolSize is the combined size of C3's merged string and
	// cfstring sections plus the Objective-C optimizer output.
	ObjCPoolSize uint64

	// MaxBranchRange is the farthest an ARM64_BR26 branch can reach
	// (±128 MiB on arm64); 0 disables branch-island reservation (the
	// architecture doesn't need it).
	MaxBranchRange uint64
	BranchIslandSize uint64
}

func (c Config) pageAlign() uint64 {
	if c.PageAlign == 0 {
		return DefaultPageAlign
	}
	return c.PageAlign
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Plan runs one full layout pass over dylibs (prioritized by the caller
// via cacheinput.ApplyOrderFile; Plan sorts them by that priority
// itself) and the surviving
// selector-placed classes, per spec.md §4.4's four-step ordering.
func Plan(dylibs []*cacheinput.Dylib, classes []*selector.ClassPlacement, cfg Config, d *diag.Diagnostic) (*Plan, error) {
	plan := &Plan{}
	addr := cfg.SharedRegionStart + alignUp(cfg.HeaderReserve, cfg.pageAlign())

	ordered := sortedByPriority(dylibs)

	textStart := addr
	for _, dy := range ordered {
		for _, seg := range dy.Segments {
			if !isTextSegment(seg.InitProt) {
				continue
			}
			align := cfg.pageAlign()
			if segAlign := uint64(1) << seg.Align; segAlign > align {
				align = segAlign
			}
			addr = alignUp(addr, align)

			trim := uint64(0)
			if cfg.TrimBytes != nil {
				trim = cfg.TrimBytes(dy, seg.Name)
			}
			copySize := seg.FileSize
			if trim <= copySize {
				copySize -= trim
			}

			plan.Segments = append(plan.Segments, SegmentPlacement{
				Dylib: dy, SegmentName: seg.Name, Region: RegionText,
				SrcOffset: seg.FileOffset, DestOffset: addr - cfg.SharedRegionStart,
				DestAddr: addr, CopySize: copySize, DestSize: seg.VMSize,
			})
			addr += seg.VMSize
		}
	}
	addr = alignUp(addr, cfg.pageAlign())

	if cfg.MaxBranchRange > 0 && addr-textStart > cfg.MaxBranchRange {
		islandSize := cfg.BranchIslandSize
		if islandSize == 0 {
			islandSize = cfg.pageAlign()
		}
		count := (addr - textStart) / cfg.MaxBranchRange
		for i := uint64(0); i < count; i++ {
			plan.BranchIslands = append(plan.BranchIslands, Island{Addr: addr, Size: islandSize})
			addr += islandSize
		}
	}
	plan.Spans = append(plan.Spans, RegionSpan{Region: RegionText, Start: textStart, End: addr})

	objcStart := addr
	impCacheTotal := uint64(0)
	for _, c := range classes {
		if c.Dropped {
			continue
		}
		impCacheTotal += sizeForImpCacheWithCount(uint64(1) << c.NeededBits)
	}
	addr += cfg.ObjCPoolSize + impCacheTotal
	addr = alignUp(addr, cfg.pageAlign())
	plan.Spans = append(plan.Spans, RegionSpan{Region: RegionObjCRO, Start: objcStart, End: addr})

	if cfg.SupportsAuth {
		regions := []Region{RegionData, RegionDataConst, RegionAuth, RegionAuthConst}
		for _, r := range regions {
			addr = planDataRegion(plan, ordered, cfg, r, addr)
		}
	} else {
		addr = planDataRegion(plan, ordered, cfg, RegionData, addr)
	}

	roStart := addr
	for _, span := range dataSpans(plan.Spans) {
		pages := (span.Size() + cfg.pageAlign() - 1) / cfg.pageAlign()
		addr += slideInfoHeaderSize + pages*slideInfoBytesPerPage
	}
	addr = alignUp(addr, cfg.pageAlign())
	plan.Spans = append(plan.Spans, RegionSpan{Region: RegionSlideInfo, Start: roStart, End: addr})

	roSegStart := addr
	for _, dy := range ordered {
		for _, seg := range dy.Segments {
			if isTextSegment(seg.InitProt) || isWritable(seg.InitProt) || isLinkedit(seg.Name) {
				continue
			}
			addr = alignUp(addr, cfg.pageAlign())
			plan.Segments = append(plan.Segments, SegmentPlacement{
				Dylib: dy, SegmentName: seg.Name, Region: RegionReadOnly,
				SrcOffset: seg.FileOffset, DestOffset: addr - cfg.SharedRegionStart,
				DestAddr: addr, CopySize: seg.FileSize, DestSize: seg.VMSize,
			})
			addr += seg.VMSize
		}
	}
	plan.Spans = append(plan.Spans, RegionSpan{Region: RegionReadOnly, Start: roSegStart, End: addr})

	linkeditStart := alignUp(addr, cfg.pageAlign())
	addr = linkeditStart
	for _, dy := range ordered {
		for _, seg := range dy.Segments {
			if !isLinkedit(seg.Name) {
				continue
			}
			addr = alignUp(addr, cfg.pageAlign())
			plan.Segments = append(plan.Segments, SegmentPlacement{
				Dylib: dy, SegmentName: seg.Name, Region: RegionLinkedit,
				SrcOffset: seg.FileOffset, DestOffset: addr - cfg.SharedRegionStart,
				DestAddr: addr, CopySize: seg.FileSize, DestSize: seg.VMSize,
			})
			addr += seg.VMSize
		}
	}
	plan.Spans = append(plan.Spans, RegionSpan{Region: RegionLinkedit, Start: linkeditStart, End: addr})

	plan.End = addr

	if cfg.PermittedWindow != 0 {
		used := plan.End - cfg.SharedRegionStart
		if used > cfg.PermittedWindow {
			overflow := used - cfg.PermittedWindow
			err := &OverflowError{Region: RegionReadOnly, OverflowBytes: overflow}
			d.Fail(diag.New(diag.Overflow, "", "layout exceeds permitted window by %d bytes", overflow))
			return plan, err
		}
	}

	return plan, nil
}

func isTextSegment(prot types.VmProtection) bool { return prot.Read() && prot.Execute() }

func isWritable(prot types.VmProtection) bool { return prot.Write() }

func dataSpans(spans []RegionSpan) []RegionSpan {
	var out []RegionSpan
	for _, s := range spans {
		switch s.Region {
		case RegionData, RegionDataConst, RegionAuth, RegionAuthConst:
			out = append(out, s)
		}
	}
	return out
}

func isLinkedit(name string) bool { return name == "__LINKEDIT" }

// planDataRegion places one data region's segments across all dylibs,
// ordered dirty -> writable-non-dirty -> const (spec.md §4.4 step 3).
func planDataRegion(plan *Plan, ordered []*cacheinput.Dylib, cfg Config, region Region, addr uint64) uint64 {
	start := addr
	type seg struct {
		dy *cacheinput.Dylib
		s  cacheinput.SegmentInfo
	}
	var dirty, writable, constSegs []seg

	for _, dy := range ordered {
		for _, s := range dy.Segments {
			if !isDataSegmentFor(s, dy, cfg, region) {
				continue
			}
			switch {
			case cfg.IsDirty != nil && cfg.IsDirty(dy, s.Name):
				dirty = append(dirty, seg{dy, s})
			case cfg.ConstEligible != nil && cfg.ConstEligible(dy, s.Name) && isConstRegion(region):
				constSegs = append(constSegs, seg{dy, s})
			default:
				if isConstRegion(region) {
					continue
				}
				writable = append(writable, seg{dy, s})
			}
		}
	}

	sort.SliceStable(dirty, func(i, j int) bool { return dirty[i].dy.Priority() < dirty[j].dy.Priority() })

	place := func(list []seg) {
		for _, e := range list {
			align := cfg.pageAlign()
			if segAlign := uint64(1) << e.s.Align; segAlign > align {
				align = segAlign
			}
			addr = alignUp(addr, align)
			plan.Segments = append(plan.Segments, SegmentPlacement{
				Dylib: e.dy, SegmentName: e.s.Name, Region: region,
				SrcOffset: e.s.FileOffset, DestOffset: addr - cfg.SharedRegionStart,
				DestAddr: addr, CopySize: e.s.FileSize, DestSize: e.s.VMSize,
			})
			addr += e.s.VMSize
		}
	}
	place(dirty)
	place(writable)
	place(constSegs)

	addr = alignUp(addr, cfg.pageAlign())
	plan.Spans = append(plan.Spans, RegionSpan{Region: region, Start: start, End: addr})
	return addr
}

func isConstRegion(r Region) bool { return r == RegionDataConst || r == RegionAuthConst }

// isDataSegmentFor reports whether segment s belongs to this region
// pass: writable, not __LINKEDIT, not a text (R+X) segment, and, under
// the four-region auth-split policy, matching region's auth bit
// (spec.md §4.4 step 3's "classification ... uses ... authentication
// scan").
func isDataSegmentFor(s cacheinput.SegmentInfo, dy *cacheinput.Dylib, cfg Config, region Region) bool {
	if isLinkedit(s.Name) || !isWritable(s.InitProt) || isTextSegment(s.InitProt) {
		return false
	}
	if !cfg.SupportsAuth {
		return region == RegionData
	}
	auth := cfg.HasAuthFixups != nil && cfg.HasAuthFixups(dy, s.Name)
	if region == RegionAuth || region == RegionAuthConst {
		return auth
	}
	return !auth
}

// sortedByPriority orders dylibs the way spec.md §4.4 step 1 requires
// ("sorted order"): order-file priority first (lower wins), unordered
// dylibs last, install name breaking ties.
func sortedByPriority(dylibs []*cacheinput.Dylib) []*cacheinput.Dylib {
	out := make([]*cacheinput.Dylib, len(dylibs))
	copy(out, dylibs)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority(), out[j].Priority()
		if pi < 0 && pj < 0 {
			return out[i].InstallName < out[j].InstallName
		}
		if pi < 0 {
			return false
		}
		if pj < 0 {
			return true
		}
		if pi != pj {
			return pi < pj
		}
		return out[i].InstallName < out[j].InstallName
	})
	return out
}
