package adjust

import "testing"

func TestDecodeEdgesSingleRecord(t *testing.T) {
	// kind=EdgeDelta32(1), from_section delta=+2 (zigzag 4),
	// from_offset delta=+0x10 (zigzag 0x20), to_section delta=0
	// (zigzag 0), to_offset delta=+0x20 (zigzag 0x40), then the
	// terminator byte.
	blob := []byte{byte(EdgeDelta32), 4, 0x20, 0, 0x40, 0}

	edges, err := decodeEdges(blob)
	if err != nil {
		t.Fatalf("decodeEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(edges))
	}
	e := edges[0]
	if e.Kind != EdgeDelta32 {
		t.Errorf("kind = %d, want %d", e.Kind, EdgeDelta32)
	}
	if e.FromSection != 2 || e.FromOffset != 0x10 || e.ToSection != 0 || e.ToOffset != 0x20 {
		t.Errorf("unexpected edge: %+v", e)
	}
}

func TestDecodeEdgesAccumulatesDeltas(t *testing.T) {
	// Two EdgeDelta64 records, each section/offset field advancing by
	// the same positive delta from the previous record's value.
	blob := []byte{
		byte(EdgeDelta64), 2, 2, 2, 2,
		byte(EdgeDelta64), 2, 2, 2, 2,
		0,
	}

	edges, err := decodeEdges(blob)
	if err != nil {
		t.Fatalf("decodeEdges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("got %d edges, want 2", len(edges))
	}
	if edges[0].FromOffset != 1 || edges[1].FromOffset != 2 {
		t.Errorf("deltas did not accumulate: %+v", edges)
	}
}

func TestDecodeEdgesEmptyBlobIsNoEdges(t *testing.T) {
	edges, err := decodeEdges(nil)
	if err != nil {
		t.Fatalf("decodeEdges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("got %d edges, want 0", len(edges))
	}
}
