package linkedit

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/adjust"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
)

func dylibResult(installName string, locals, exported, imported []adjust.ExportedSymbol, indirect []uint32) *adjust.Result {
	return &adjust.Result{
		Dylib: &cacheinput.Dylib{InstallName: installName},
		LinkEdit: adjust.LinkEditComponents{
			LocalSyms:    locals,
			ExportedSyms: exported,
			ImportedSyms: imported,
			IndirectSyms: indirect,
		},
	}
}

func TestMergeRenumbersIndirectSymbols(t *testing.T) {
	a := dylibResult("/usr/lib/libA.dylib",
		[]adjust.ExportedSymbol{{Name: "_local_a", OldIndex: 0}},
		[]adjust.ExportedSymbol{{Name: "_exported_a", OldIndex: 1}},
		nil,
		[]uint32{1, 0},
	)
	b := dylibResult("/usr/lib/libB.dylib",
		nil,
		[]adjust.ExportedSymbol{{Name: "_exported_b", OldIndex: 0}},
		nil,
		[]uint32{0},
	)

	merged := Merge([]*adjust.Result{a, b}, false)

	if len(merged.Symtab) != 3 {
		t.Fatalf("got %d symtab entries, want 3", len(merged.Symtab))
	}
	// libA: local then exported -> global indices 0, 1; its indirect
	// table [1, 0] (exported, then local) should become [1, 0] in the
	// merged space too since libA's entries occupy indices 0 and 1.
	if merged.IndirectSymtab[0] != 1 || merged.IndirectSymtab[1] != 0 {
		t.Fatalf("libA indirect syms not remapped correctly: %v", merged.IndirectSymtab[:2])
	}
	// libB's one exported symbol lands at global index 2; its indirect
	// entry (old index 0, local to libB) must be remapped to 2, not 0
	// (which would alias libA's first symbol).
	if merged.IndirectSymtab[2] != 2 {
		t.Fatalf("libB indirect sym not remapped to its own global index: got %d, want 2", merged.IndirectSymtab[2])
	}

	if merged.PerDylib[0].SymIndex != 0 || merged.PerDylib[0].SymCount != 2 {
		t.Fatalf("libA symtab range wrong: %+v", merged.PerDylib[0])
	}
	if merged.PerDylib[1].SymIndex != 2 || merged.PerDylib[1].SymCount != 1 {
		t.Fatalf("libB symtab range wrong: %+v", merged.PerDylib[1])
	}
}

func TestMergeDedupesStringPool(t *testing.T) {
	a := dylibResult("/usr/lib/libA.dylib", nil,
		[]adjust.ExportedSymbol{{Name: "_shared", OldIndex: 0}}, nil, nil)
	b := dylibResult("/usr/lib/libB.dylib", nil,
		[]adjust.ExportedSymbol{{Name: "_shared", OldIndex: 0}}, nil, nil)

	merged := Merge([]*adjust.Result{a, b}, false)

	if merged.Symtab[0].Strx != merged.Symtab[1].Strx {
		t.Fatalf("duplicate name should share one string-pool entry: %+v", merged.Symtab)
	}
	if merged.Strings[0] != 0 {
		t.Fatal("string pool must start with a NUL byte")
	}
}

func TestMergeStripLocalsRedactsOnCacheNameOnly(t *testing.T) {
	a := dylibResult("/usr/lib/libA.dylib",
		[]adjust.ExportedSymbol{{Name: "_secret_local", OldIndex: 0}},
		nil, nil, nil)

	merged := Merge([]*adjust.Result{a}, true)

	if len(merged.UnmappedLocals) != 1 {
		t.Fatalf("got %d unmapped locals, want 1", len(merged.UnmappedLocals))
	}
	if len(merged.Symtab) != 1 {
		t.Fatalf("on-cache symtab should still carry one redacted placeholder, got %d entries", len(merged.Symtab))
	}
	onCacheName := stringAt(merged.Strings, merged.Symtab[0].Strx)
	if onCacheName != "<redacted>" {
		t.Fatalf("on-cache local name = %q, want redacted placeholder", onCacheName)
	}
	offCacheName := stringAt(merged.Strings, merged.UnmappedLocals[0].Strx)
	if offCacheName != "_secret_local" {
		t.Fatalf("off-cache local name = %q, want original identity preserved", offCacheName)
	}
}

func stringAt(pool []byte, off uint32) string {
	end := off
	for end < uint32(len(pool)) && pool[end] != 0 {
		end++
	}
	return string(pool[off:end])
}
