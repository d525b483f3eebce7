package textpool

import (
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/selector"
)

func TestInternedPoolDedupsAndRemaps(t *testing.T) {
	p := NewInternedPool(ClassName)
	raw := append([]byte("NSObject"), 0)
	raw = append(raw, append([]byte("NSString"), 0)...)
	raw = append(raw, append([]byte("NSObject"), 0)...) // duplicate

	remap := InternSection(p, raw)

	first, ok := remap.Lookup(0)
	if !ok {
		t.Fatal("expected offset 0 to be remapped")
	}
	third, ok := remap.Lookup(uint64(len("NSObject")+1 + len("NSString") + 1))
	if !ok {
		t.Fatal("expected the duplicate NSObject to be remapped")
	}
	if first != third {
		t.Fatalf("duplicate string got different merged offsets: %d vs %d", first, third)
	}
}

func TestMethNamePoolDefersToSelectorPlacement(t *testing.T) {
	classes := []*selector.Class{
		{Name: "A", Methods: []string{"init", "dealloc"}},
	}
	var d diag.Diagnostic
	res, err := selector.Place(classes, &d)
	if err != nil {
		t.Fatalf("selector.Place: %v", err)
	}

	mp := NewMethNamePool(res)
	if got, want := mp.Intern("init"), res.Selectors["init"].Addr(); got != want {
		t.Fatalf("participating selector offset = %d, want %d", got, want)
	}

	extra := mp.Intern("notUsedByAnyClass:")
	again := mp.Intern("notUsedByAnyClass:")
	if extra != again {
		t.Fatalf("non-participating string interned twice at different offsets: %d vs %d", extra, again)
	}
}

func TestCFStringPoolRejectsWrongExporter(t *testing.T) {
	pool := NewCFStringPool("/usr/lib/libCoreFoundation.dylib")
	var raw [CFStringAtomSize]byte
	_, ok := pool.TryMerge(CFStringCandidate{
		Raw:                    raw,
		IsaExporterInstallName: "/usr/lib/libSomethingElse.dylib",
		SingleCStringRebase:    true,
	})
	if ok {
		t.Fatal("expected merge to reject a mismatched isa exporter")
	}
}

func TestCFStringPoolDedupsIdenticalAtoms(t *testing.T) {
	pool := NewCFStringPool("/usr/lib/libCoreFoundation.dylib")
	var raw [CFStringAtomSize]byte
	c := CFStringCandidate{
		Raw:                    raw,
		IsaExporterInstallName: "/usr/lib/libCoreFoundation.dylib",
		SingleCStringRebase:    true,
		CStringOffset:          0x100,
	}
	off1, ok1 := pool.TryMerge(c)
	off2, ok2 := pool.TryMerge(c)
	if !ok1 || !ok2 {
		t.Fatal("expected both merges to succeed")
	}
	if off1 != off2 {
		t.Fatalf("identical atoms got different offsets: %d vs %d", off1, off2)
	}
}
