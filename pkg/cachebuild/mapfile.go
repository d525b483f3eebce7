package cachebuild

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PureDarwin/dyldcache/pkg/adjust"
	"github.com/PureDarwin/dyldcache/pkg/layout"
)

// mapEntry is one map-file row: a dylib, its final segment placement.
// Grounded on dyld's own CacheBuilder.cpp writeMapFile (per
// original_source/'s description in SPEC_FULL.md's supplemented-
// features section): a plain-text listing of every dylib's segments
// at their final cache address, plus the same data as JSON for
// tooling to consume.
type mapEntry struct {
	InstallName string `json:"installName"`
	Segment     string `json:"segment"`
	Address     uint64 `json:"address"`
	Size        uint64 `json:"size"`
}

func buildMapFile(plan *layout.Plan, results []*adjust.Result) (string, []byte) {
	var entries []mapEntry
	for _, seg := range plan.Segments {
		entries = append(entries, mapEntry{
			InstallName: seg.Dylib.InstallName,
			Segment:     seg.SegmentName,
			Address:     seg.DestAddr,
			Size:        seg.DestSize,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Address != entries[j].Address {
			return entries[i].Address < entries[j].Address
		}
		return entries[i].Segment < entries[j].Segment
	})

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "0x%016X - 0x%016X %s %s\n", e.Address, e.Address+e.Size, e.Segment, e.InstallName)
	}

	jsonBytes, _ := json.MarshalIndent(entries, "", "  ")
	return sb.String(), jsonBytes
}
