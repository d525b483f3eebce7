package adjust

import (
	"encoding/binary"
	"testing"

	"github.com/PureDarwin/dyldcache/pkg/aslr"
)

func TestRewriteDelta32(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 100)
	if err := rewriteDelta32(buf, 0, 50); err != nil {
		t.Fatalf("rewriteDelta32: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(buf)); got != 150 {
		t.Fatalf("got %d, want 150", got)
	}
}

func TestRewriteDelta32Overflow(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(0x7ffffff0)))
	if err := rewriteDelta32(buf, 0, 0x1000); err == nil {
		t.Fatal("expected overflow error pushing a delta32 past int32 range")
	}
}

func TestRewritePointer64InlineTarget(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0x1000)
	tr := aslr.NewTracker(4)
	tr.SetDataRegion(0, 0x10000)

	if err := rewritePointer64(buf, 0, 0x2000, 0x100, 0x100, tr); err != nil {
		t.Fatalf("rewritePointer64: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0x3000 {
		t.Fatalf("got %#x, want 0x3000", got)
	}
	if !tr.Has(0x200) {
		t.Fatal("expected the rebase location to be tracked")
	}
}

func TestRewritePointer64MovesOutOfRangeTargetToSideTable(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0)
	tr := aslr.NewTracker(4)
	tr.SetDataRegion(0, 0x10000)

	huge := int64(maxInlineRebaseTarget64 + 0x1000)
	if err := rewritePointer64(buf, 0, huge, 0x100, 0, tr); err != nil {
		t.Fatalf("rewritePointer64: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0 {
		t.Fatalf("expected the in-place field cleared, got %#x", got)
	}
	target, ok := tr.RebaseTarget64(0x100)
	if !ok {
		t.Fatal("expected an overflowed target in the 64-bit side table")
	}
	if target != uint64(huge) {
		t.Fatalf("got %#x, want %#x", target, huge)
	}
}

func TestRewritePointer64PreservesHigh8Tag(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(0x2b)<<56|0x1000)
	tr := aslr.NewTracker(4)
	tr.SetDataRegion(0, 0x10000)

	if err := rewritePointer64(buf, 0, 0x100, 0x100, 0, tr); err != nil {
		t.Fatalf("rewritePointer64: %v", err)
	}
	tag, ok := tr.High8(0x100)
	if !ok || tag != 0x2b {
		t.Fatalf("expected high8 tag 0x2b preserved, got %#x ok=%v", tag, ok)
	}
}

func TestRewriteImageOff32(t *testing.T) {
	buf := make([]byte, 4)
	if err := rewriteImageOff32(buf, 0, 0x4000); err != nil {
		t.Fatalf("rewriteImageOff32: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x4000 {
		t.Fatalf("got %#x, want 0x4000", got)
	}
}

func TestRewriteImageOff32RejectsTooLarge(t *testing.T) {
	buf := make([]byte, 4)
	if err := rewriteImageOff32(buf, 0, 1<<33); err == nil {
		t.Fatal("expected an error for an image offset exceeding 32 bits")
	}
}
