package cacheinput

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/diag"
)

func dy(install string, size uint64, deps ...Dependency) *Dylib {
	return &Dylib{
		InstallName:  install,
		priority:     -1,
		Segments:     []SegmentInfo{{Name: "__TEXT", FileSize: size}},
		Dependencies: deps,
	}
}

func TestVerifySelfContainedDemotesTransitively(t *testing.T) {
	a := dy("/a.dylib", 0x1000, Dependency{InstallName: "/b.dylib"})
	b := dy("/b.dylib", 0x1000, Dependency{InstallName: "/missing.dylib"})
	c := dy("/c.dylib", 0x1000)

	var d diag.Diagnostic
	cacheable, other := VerifySelfContained([]*Dylib{a, b, c}, nil, &d)

	if len(cacheable) != 1 || cacheable[0] != c {
		t.Fatalf("expected only /c.dylib to remain cacheable, got %v", names(cacheable))
	}
	if len(other) != 2 {
		t.Fatalf("expected a and b demoted, got %v", names(other))
	}
	if len(d.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(d.Warnings))
	}
}

func TestVerifySelfContainedAllowsMissingWeakDep(t *testing.T) {
	a := dy("/a.dylib", 0x1000, Dependency{InstallName: "/missing.dylib", Weak: true})

	var d diag.Diagnostic
	cacheable, other := VerifySelfContained([]*Dylib{a}, nil, &d)

	if len(cacheable) != 1 || len(other) != 0 {
		t.Fatalf("weak missing dependency must not demote: cacheable=%v other=%v", names(cacheable), names(other))
	}
}

func TestEvictLeavesPicksLowestPriorityLeaf(t *testing.T) {
	// b -> a (b is a leaf: nothing depends on it); c is an independent,
	// higher-priority leaf.
	a := dy("/a.dylib", 0x1000)
	b := dy("/b.dylib", 0x2000, Dependency{InstallName: "/a.dylib"})
	c := dy("/c.dylib", 0x2000)
	all := []*Dylib{a, b, c}
	ApplyOrderFile(all, []string{"/a.dylib", "/c.dylib"}) // b is unordered => lowest priority

	var d diag.Diagnostic
	kept, evicted, err := EvictLeaves(all, 0x1500, &d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evicted) != 1 || evicted[0].InstallName != "/b.dylib" {
		t.Fatalf("expected /b.dylib evicted first (unordered leaf), got %v", names(evicted))
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 dylibs kept, got %v", names(kept))
	}
}

func TestEvictLeavesCascadesAfterParentBecomesLeaf(t *testing.T) {
	a := dy("/a.dylib", 0x1000, Dependency{InstallName: "/b.dylib"})
	b := dy("/b.dylib", 0x1000)
	all := []*Dylib{a, b}

	var d diag.Diagnostic
	_, evicted, err := EvictLeaves(all, 0x1800, &d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evicted) != 2 {
		t.Fatalf("expected both dylibs evicted to free 0x1800 bytes, got %v", names(evicted))
	}
}

func TestEvictLeavesRefusesToDropRequired(t *testing.T) {
	a := dy("/a.dylib", 0x1000)
	a.MustInclude = true
	all := []*Dylib{a}

	var d diag.Diagnostic
	_, _, err := EvictLeaves(all, 0x1000, &d)
	if err == nil {
		t.Fatal("expected an error when the only evictable dylib is required")
	}
}

func names(dylibs []*Dylib) []string {
	var out []string
	for _, d := range dylibs {
		out = append(out, d.InstallName)
	}
	return out
}
