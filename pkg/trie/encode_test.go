package trie

import (
	"testing"

	"github.com/PureDarwin/dyldcache/types"
)

func TestEncodeTrieRoundTrip(t *testing.T) {
	const loadAddress = 0x100000000
	entries := []TrieEntry{
		{Name: "_foo", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: loadAddress + 0x1000},
		{Name: "_foobar", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR, Address: loadAddress + 0x2000},
		{Name: "_bar", Flags: types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR | types.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION, Address: loadAddress + 0x3000},
	}

	encoded, err := EncodeTrie(entries, loadAddress)
	if err != nil {
		t.Fatalf("EncodeTrie: %v", err)
	}

	decoded, err := ParseTrie(encoded, loadAddress)
	if err != nil {
		t.Fatalf("ParseTrie: %v", err)
	}

	if len(decoded) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(decoded), len(entries))
	}

	byName := make(map[string]TrieEntry, len(decoded))
	for _, e := range decoded {
		byName[e.Name] = e
	}
	for _, want := range entries {
		got, ok := byName[want.Name]
		if !ok {
			t.Fatalf("missing entry %q after round trip", want.Name)
		}
		if got.Address != want.Address {
			t.Errorf("%s: address = %#x, want %#x", want.Name, got.Address, want.Address)
		}
		if got.Flags != want.Flags {
			t.Errorf("%s: flags = %#x, want %#x", want.Name, got.Flags, want.Flags)
		}
	}
}

func TestEncodeTrieSharedPrefixSplit(t *testing.T) {
	const loadAddress = 0x0
	entries := []TrieEntry{
		{Name: "_objc_msgSend", Address: 0x1000},
		{Name: "_objc_retain", Address: 0x2000},
		{Name: "_objc", Address: 0x3000},
	}

	encoded, err := EncodeTrie(entries, loadAddress)
	if err != nil {
		t.Fatalf("EncodeTrie: %v", err)
	}
	decoded, err := ParseTrie(encoded, loadAddress)
	if err != nil {
		t.Fatalf("ParseTrie: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("got %d entries, want 3", len(decoded))
	}
}
