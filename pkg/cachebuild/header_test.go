package cachebuild

import (
	"bytes"
	"encoding/binary"
	"testing"

	macho "github.com/PureDarwin/dyldcache"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/layout"
	"github.com/PureDarwin/dyldcache/pkg/trie"
	"github.com/PureDarwin/dyldcache/types"
)

func TestBuildCacheHeaderRoundTrip(t *testing.T) {
	const sharedStart = 0x1_8000_0000

	dylibs := []*cacheinput.Dylib{
		{InstallName: "/usr/lib/libb.dylib", ModTime: 2, Inode: 20, MachoFile: &macho.File{}},
		{InstallName: "/usr/lib/liba.dylib", ModTime: 1, Inode: 10, MachoFile: &macho.File{}},
	}

	plan := &layout.Plan{
		Segments: []layout.SegmentPlacement{
			{Dylib: dylibs[0], SegmentName: "__TEXT", DestAddr: sharedStart + 0x4000, DestSize: 0x1000},
			{Dylib: dylibs[1], SegmentName: "__TEXT", DestAddr: sharedStart + 0x5000, DestSize: 0x1000},
		},
		Spans: []layout.RegionSpan{
			{Region: layout.RegionText, Start: sharedStart + 0x4000, End: sharedStart + 0x6000},
			{Region: layout.RegionData, Start: sharedStart + 0x6000, End: sharedStart + 0x8000},
			{Region: layout.RegionLinkedit, Start: sharedStart + 0x8000, End: sharedStart + 0x9000},
		},
		End: sharedStart + 0x9000,
	}

	opts := Options{
		SharedRegionStart: sharedStart,
		HeaderReserve:     0x4000,
		Arch:              "arm64e",
	}

	data, err := buildCacheHeader(opts, plan, dylibs)
	if err != nil {
		t.Fatalf("buildCacheHeader: %v", err)
	}
	if uint64(len(data)) != opts.HeaderReserve {
		t.Fatalf("header region = %d bytes, want %d", len(data), opts.HeaderReserve)
	}

	var hdr types.CacheHeader
	if err := binary.Read(bytes.NewReader(data[:types.CacheHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if hdr.MappingCount != 3 {
		t.Fatalf("MappingCount = %d, want 3", hdr.MappingCount)
	}
	if hdr.ImagesCount != 2 {
		t.Fatalf("ImagesCount = %d, want 2", hdr.ImagesCount)
	}
	if wantMagic := types.CacheMagic("arm64e"); hdr.Magic != wantMagic {
		t.Fatalf("Magic = %q, want %q", hdr.Magic, wantMagic)
	}

	trieBytes := data[hdr.DylibsTrieAddr-sharedStart : hdr.DylibsTrieAddr-sharedStart+hdr.DylibsTrieSize]
	entries, err := trie.ParseTrie(trieBytes, 0)
	if err != nil {
		t.Fatalf("parsing dylibs trie: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("trie entries = %d, want 2", len(entries))
	}
	byName := make(map[string]uint64, len(entries))
	for _, e := range entries {
		byName[e.Name] = e.Address
	}
	if byName["/usr/lib/liba.dylib"] != 0 || byName["/usr/lib/libb.dylib"] != 1 {
		t.Fatalf("unexpected trie indices (alphabetical by install name): %+v", byName)
	}
}

func TestBuildCacheHeaderFailsWhenReserveTooSmall(t *testing.T) {
	dylibs := []*cacheinput.Dylib{
		{InstallName: "/usr/lib/libfoo.dylib", MachoFile: &macho.File{}},
	}
	plan := &layout.Plan{End: 0x1000}
	opts := Options{HeaderReserve: 8}

	if _, err := buildCacheHeader(opts, plan, dylibs); err == nil {
		t.Fatal("expected an error when the header content overflows HeaderReserve")
	}
}
