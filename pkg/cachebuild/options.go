// Package cachebuild is the driver: spec.md's "Flow" section names the
// fixed pipeline C1 -> C2 -> C3 -> C4 -> (on overflow, loop back to C4)
// -> C6 -> C7 -> C8 -> C9, and this package is the one piece of the
// repository that actually runs every component in that order against
// real input, owning the cross-component glue (the ObjC class
// extraction selector.Place needs, the Slider adjust.Dylib needs, the
// final link-edit and slide-info byte serialization both pkg/linkedit
// and pkg/slideinfo explicitly defer to "a final serializer") and
// assembling their output into one cache image.
//
// Grounded on the teacher's own top-level orchestration style (the
// root package's file.go Open/NewFile sequencing many independently
// testable parsing stages into one *File), generalized here from
// "parse one Mach-O" to "build one shared cache": load, place, lay
// out, adjust, link, slide, sign.
package cachebuild

import (
	"github.com/PureDarwin/dyldcache/pkg/layout"
	"github.com/PureDarwin/dyldcache/pkg/sign"
	"github.com/PureDarwin/dyldcache/pkg/slideinfo"
	"github.com/PureDarwin/dyldcache/types"
)

// Options is the JSON-manifest-shaped configuration SPEC_FULL.md's
// AMBIENT STACK section describes: a flat DTO decoded with
// encoding/json (no viper/cobra layering belongs at this level; those
// live in cmd/dyldcache-builder, which decides how Options gets built).
type Options struct {
	// Paths lists every candidate dylib/executable path FS can resolve.
	Paths []string `json:"paths"`
	// Symlinks maps from -> to, additional to whatever FS itself
	// already knows how to resolve.
	Symlinks map[string]string `json:"symlinks,omitempty"`
	// MustInclude names paths or install names C1 must not silently
	// drop (spec.md §4.1's MustInclude contract).
	MustInclude []string `json:"mustInclude,omitempty"`
	// Denylist excludes install names by the platform allow-list
	// policy C1 already implements.
	Denylist []string `json:"denylist,omitempty"`
	// OrderFile lists install names in the priority order C1's
	// ApplyOrderFile and C4's eviction policy both consult.
	OrderFile []string `json:"orderFile,omitempty"`
	// DirtyDataOrder lists install names in dirty-data placement order
	// (spec.md §4.4 step 3).
	DirtyDataOrder []string `json:"dirtyDataOrder,omitempty"`

	// EvictOnOverflow enables C4's overflow-retry loop (spec.md §4.4:
	// "on overflow, loop back to C4" via cacheinput.EvictLeaves). When
	// false, a single OverflowError fails the build outright.
	EvictOnOverflow bool `json:"evictOnOverflow"`

	// StripLocals requests C7's local-symbol eviction to the unmapped
	// region (spec.md §4.7 step 3).
	StripLocals bool `json:"stripLocals"`

	// Layout carries C4's architecture-shaped placement parameters.
	SharedRegionStart uint64 `json:"sharedRegionStart"`
	PermittedWindow   uint64 `json:"permittedWindow"`
	PageAlign         uint64 `json:"pageAlign,omitempty"`
	HeaderReserve     uint64 `json:"headerReserve"`
	SupportsAuth      bool   `json:"supportsAuth"`
	MaxBranchRange    uint64 `json:"maxBranchRange,omitempty"`
	BranchIslandSize  uint64 `json:"branchIslandSize,omitempty"`

	// Arch names the architecture suffix types.CacheMagic bakes into
	// the emitted CacheHeader.Magic (e.g. "arm64e", "x86_64").
	Arch string `json:"arch"`
	// Platform selects the dyld_platform_t CacheHeader.Platform records.
	Platform types.CachePlatform `json:"platform,omitempty"`

	// MinimumFixupAlignment feeds pkg/aslr.NewTracker.
	MinimumFixupAlignment uint64 `json:"minimumFixupAlignment"`

	// SlideVersion selects one of pkg/slideinfo's four on-disk formats.
	SlideVersion slideinfo.Version `json:"slideVersion"`
	CachePageSize uint64           `json:"cachePageSize"`

	// Digest/Identifier parameterize C9 (pkg/sign); the UUID offset it
	// patches is always types.CacheHeaderUUIDOffset.
	Digest     sign.Digest `json:"digest"`
	Identifier string      `json:"identifier"`

	// DylibsExpectedOnDisk and Simulator are plain header flags
	// SPEC_FULL.md's supplemented-features section calls for;
	// buildCacheHeader copies them verbatim into the emitted
	// types.CacheHeader.DylibsExpectedOnDisk/.Simulator fields.
	DylibsExpectedOnDisk bool `json:"dylibsExpectedOnDisk"`
	Simulator            bool `json:"simulator"`

	// MapFile requests the plain-text + JSON map file SPEC_FULL.md's
	// supplemented-features section calls for (CacheBuilder.cpp's
	// writeMapFile).
	MapFile bool `json:"mapFile"`
}

func (o Options) pageAlign() uint64 {
	if o.PageAlign != 0 {
		return o.PageAlign
	}
	return layout.DefaultPageAlign
}

// cacheArch defaults to "arm64e" (this driver's reference
// architecture, matching pkg/layout.Config.MaxBranchRange's ARM64_BR26
// framing) when the manifest doesn't name one.
func (o Options) cacheArch() string {
	if o.Arch != "" {
		return o.Arch
	}
	return "arm64e"
}

// Result is everything one successful Build call produces.
type Result struct {
	// Image is the assembled, signed cache file content.
	Image []byte

	UUID   [16]byte
	CDHash [20]byte

	// Evicted lists install names C4's overflow-retry loop dropped.
	Evicted []string
	// Warnings carries every diag.Warning raised across the whole
	// pipeline, formatted by diag.Warning.String (prefixed with the
	// dylib it concerns, when it names one).
	Warnings []string

	// MapFileText and MapFileJSON are populated when Options.MapFile
	// is set (spec.md's supplemented map-file feature).
	MapFileText string
	MapFileJSON []byte
}
