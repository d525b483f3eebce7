package cachebuild

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
)

func TestBuildMapFileOrdersByAddress(t *testing.T) {
	libA := &cacheinput.Dylib{InstallName: "/usr/lib/libA.dylib"}
	libB := &cacheinput.Dylib{InstallName: "/usr/lib/libB.dylib"}

	plan := &layout.Plan{
		Segments: []layout.SegmentPlacement{
			{Dylib: libB, SegmentName: "__TEXT", DestAddr: 0x2000, DestSize: 0x1000},
			{Dylib: libA, SegmentName: "__TEXT", DestAddr: 0x1000, DestSize: 0x1000},
			{Dylib: libA, SegmentName: "__DATA", DestAddr: 0x3000, DestSize: 0x500},
		},
	}

	text, jsonBytes := buildMapFile(plan, nil)

	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), text)
	}
	if !strings.Contains(lines[0], "libA.dylib") || !strings.Contains(lines[0], "__TEXT") {
		t.Fatalf("expected libA __TEXT first (lowest address), got %q", lines[0])
	}
	if !strings.Contains(lines[1], "libB.dylib") {
		t.Fatalf("expected libB second (address 0x2000), got %q", lines[1])
	}

	var entries []mapEntry
	if err := json.Unmarshal(jsonBytes, &entries); err != nil {
		t.Fatalf("map file JSON must parse: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 JSON entries, got %d", len(entries))
	}
	if entries[0].Address != 0x1000 || entries[1].Address != 0x2000 || entries[2].Address != 0x3000 {
		t.Fatalf("JSON entries must be sorted by address, got %+v", entries)
	}
}

func TestBuildMapFileEmptyPlan(t *testing.T) {
	text, jsonBytes := buildMapFile(&layout.Plan{}, nil)
	if text != "" {
		t.Fatalf("expected empty text for an empty plan, got %q", text)
	}
	if string(jsonBytes) != "null" {
		t.Fatalf("expected a null JSON array for no entries, got %q", jsonBytes)
	}
}
