package trie

import (
	"bytes"
	"sort"
)

// The retrieved pack decodes dyld export tries (ParseTrie) but never
// encodes one, yet spec.md §4.6 requires the segment adjuster to
// rewrite and re-slide each dylib's export trie after merging it into
// the cache. EncodeTrie is this implementation's own addition,
// built as ParseTrie's exact inverse: same terminal payload
// (ULEB128 flags, optional re-export/stub "other" value, then a
// load-address-relative value), same child-edge format (NUL-terminated
// label, ULEB128 child offset), so a round trip through
// EncodeTrie->ParseTrie reproduces the original entries.
type edge struct {
	label string
	child *node
}

type node struct {
	terminal bool
	entry    *TrieEntry
	offset   uint64
	children []edge
}

// EncodeTrie serializes entries into the compressed trie byte format
// LC_DYLD_EXPORTS_TRIE (and LC_DYLD_INFO's export info) use. Address
// fields are stored relative to loadAddress, the same base ParseTrie
// adds back on decode.
func EncodeTrie(entries []TrieEntry, loadAddress uint64) ([]byte, error) {
	sorted := append([]TrieEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	root := &node{}
	for i := range sorted {
		insert(root, sorted[i].Name, &sorted[i])
	}

	// Node byte sizes depend on children's ULEB128-encoded offsets,
	// which in turn depend on earlier nodes' sizes, so offsets are
	// fixed by iterating to a stable point (mirrors dyld's own
	// trie-offset-assignment loop).
	for {
		changed := assignOffsets(root, 0, loadAddress)
		if !changed {
			break
		}
	}

	var buf bytes.Buffer
	written := make(map[*node]bool)
	var write func(n *node) error
	write = func(n *node) error {
		if written[n] {
			return nil
		}
		written[n] = true
		if err := writeTerminal(&buf, n, loadAddress); err != nil {
			return err
		}
		buf.WriteByte(byte(len(n.children)))
		for _, e := range n.children {
			buf.WriteString(e.label)
			buf.WriteByte(0)
			writeUleb128(&buf, e.child.offset)
		}
		for _, e := range n.children {
			if err := write(e.child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(root); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func insert(n *node, remaining string, e *TrieEntry) {
	if remaining == "" {
		n.terminal = true
		n.entry = e
		return
	}
	for i := range n.children {
		cur := &n.children[i]
		cp := commonPrefixLen(cur.label, remaining)
		if cp == 0 {
			continue
		}
		if cp == len(cur.label) {
			insert(cur.child, remaining[cp:], e)
			return
		}
		// Split cur's edge at the common prefix: insert an
		// intermediate node carrying the shared label, re-parenting
		// cur's old child under it with the remaining suffix of its
		// label, then continue the insert from the new intermediate.
		mid := &node{children: []edge{{label: cur.label[cp:], child: cur.child}}}
		cur.label = cur.label[:cp]
		cur.child = mid
		insert(mid, remaining[cp:], e)
		return
	}
	n.children = append(n.children, edge{label: remaining, child: &node{terminal: true, entry: e}})
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeTerminal(buf *bytes.Buffer, n *node, loadAddress uint64) error {
	if !n.terminal {
		buf.WriteByte(0) // terminalSize == 0: no terminal payload
		return nil
	}
	var payload bytes.Buffer
	e := n.entry
	writeUleb128(&payload, uint64(e.Flags))
	if e.Flags.ReExport() {
		writeUleb128(&payload, e.Other)
		payload.WriteString(e.ReExport)
		payload.WriteByte(0)
	} else if e.Flags.StubAndResolver() {
		writeUleb128(&payload, e.Other-loadAddress)
	}
	value := e.Address
	if (e.Flags.Regular() || e.Flags.ThreadLocal()) && !e.Flags.ReExport() {
		value -= loadAddress
	}
	writeUleb128(&payload, value)

	writeUleb128(buf, uint64(payload.Len()))
	buf.Write(payload.Bytes())
	return nil
}

func writeUleb128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// assignOffsets computes each node's byte offset under the current
// size estimates, returning true if any offset changed from its
// previous value (signaling another iteration is needed).
func assignOffsets(n *node, offset, loadAddress uint64) bool {
	changed := n.offset != offset
	n.offset = offset

	size := terminalEncodedSize(n, loadAddress)
	size++ // child count byte
	for _, e := range n.children {
		size += uint64(len(e.label)) + 1 + ulebSize(e.child.offset)
	}

	next := offset + size
	for _, e := range n.children {
		if assignOffsets(e.child, next, loadAddress) {
			changed = true
		}
		next += encodedSubtreeSize(e.child, loadAddress)
	}
	return changed
}

func terminalEncodedSize(n *node, loadAddress uint64) uint64 {
	if !n.terminal {
		return 1
	}
	var payload bytes.Buffer
	_ = writeTerminal(&payload, n, loadAddress)
	// writeTerminal already wrote the uleb128 length prefix; strip it
	// back off since callers want only the terminalSize-field size.
	r := bytes.NewReader(payload.Bytes())
	sz, _ := ReadUleb128(r)
	prefixLen := payload.Len() - r.Len()
	return uint64(prefixLen) + sz
}

func ulebSize(v uint64) uint64 {
	n := uint64(1)
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// encodedSubtreeSize is the total byte size of n and everything
// reachable from it, used to lay out children depth-first in the same
// order EncodeTrie's write() walks them.
func encodedSubtreeSize(n *node, loadAddress uint64) uint64 {
	size := terminalEncodedSize(n, loadAddress) + 1
	for _, e := range n.children {
		size += uint64(len(e.label)) + 1 + ulebSize(e.child.offset)
	}
	for _, e := range n.children {
		size += encodedSubtreeSize(e.child, loadAddress)
	}
	return size
}
