package monsoon

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// kv is a single ordered-map entry held by a leaf node.
type kv struct {
	key []byte
	val []byte
}

// leafNode is the in-memory form of a leaf block: a stable id, the
// branching factor fixed at tree creation, and an ordered run of pairs.
// Nodes are immutable once written (invariant 4); every mutation produces
// a new leafNode value that gets encoded into a fresh block.
type leafNode struct {
	id       uint64
	capacity int
	pairs    []kv
}

func (n *leafNode) underflowed() bool { return len(n.pairs) < n.capacity/2 }
func (n *leafNode) overflowed() bool  { return len(n.pairs) >= n.capacity }

// find returns the index of key and whether it is present, using the same
// ordered binary search idiom as the teacher's btree_disk.go.
func (n *leafNode) find(key []byte) (int, bool) {
	lo, hi := 0, len(n.pairs)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.pairs[mid].key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// interiorNode holds n separator keys and n+1 child pointers. For child
// index i, every key reachable from child i is < separators[i], and every
// key reachable from child i+1 is >= separators[i].
type interiorNode struct {
	capacity   int
	separators [][]byte
	children   []blockPointer
}

func (n *interiorNode) underflowed() bool { return len(n.separators) < n.capacity/2 }
func (n *interiorNode) overflowed() bool  { return len(n.separators) >= n.capacity }

// childIndex locates the child that owns key: child i if key < separators[i],
// else the last child.
func (n *interiorNode) childIndex(key []byte) int {
	lo, hi := 0, len(n.separators)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(key, n.separators[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Payload encoding below is the self-describing term serialisation
// spec.md §4.2 requires: the only contract is that encode/decode round
// trip. Leaf payloads and interior payloads each get their own tag so
// decodeNodePayload can tell which shape it is reading without
// consulting the caller.
const (
	nodeShapeLeaf     byte = 1
	nodeShapeInterior byte = 2
)

func encodeLeafPayload(n *leafNode) []byte {
	var buf bytes.Buffer
	buf.WriteByte(nodeShapeLeaf)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(n.capacity))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(n.pairs)))
	buf.Write(hdr[:])
	for _, p := range n.pairs {
		writeLenPrefixed(&buf, p.key)
		writeLenPrefixed(&buf, p.val)
	}
	return buf.Bytes()
}

func encodeInteriorPayload(n *interiorNode) []byte {
	var buf bytes.Buffer
	buf.WriteByte(nodeShapeInterior)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(n.capacity))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(n.separators)))
	buf.Write(hdr[:])
	for _, s := range n.separators {
		writeLenPrefixed(&buf, s)
	}
	for _, c := range n.children {
		var pb [8]byte
		putPointer(pb[:], c)
		buf.Write(pb[:])
	}
	return buf.Bytes()
}

// decodeNodePayload dispatches on the shape tag and returns whichever of
// the two node kinds the payload describes; exactly one return is non-nil.
func decodeNodePayload(leafID uint64, payload []byte) (*leafNode, *interiorNode, error) {
	if len(payload) < 1 {
		return nil, nil, fmt.Errorf("monsoon: empty node payload: %w", ErrDecode)
	}
	shape := payload[0]
	body := payload[1:]
	if len(body) < 8 {
		return nil, nil, fmt.Errorf("monsoon: node payload header truncated: %w", ErrDecode)
	}
	capacity := int(binary.BigEndian.Uint32(body[0:4]))
	count := int(binary.BigEndian.Uint32(body[4:8]))
	body = body[8:]
	switch shape {
	case nodeShapeLeaf:
		n := &leafNode{id: leafID, capacity: capacity, pairs: make([]kv, 0, count)}
		for i := 0; i < count; i++ {
			key, rest, err := readLenPrefixed(body)
			if err != nil {
				return nil, nil, err
			}
			val, rest2, err := readLenPrefixed(rest)
			if err != nil {
				return nil, nil, err
			}
			n.pairs = append(n.pairs, kv{key: key, val: val})
			body = rest2
		}
		return n, nil, nil
	case nodeShapeInterior:
		n := &interiorNode{capacity: capacity, separators: make([][]byte, 0, count), children: make([]blockPointer, 0, count+1)}
		for i := 0; i < count; i++ {
			sep, rest, err := readLenPrefixed(body)
			if err != nil {
				return nil, nil, err
			}
			n.separators = append(n.separators, sep)
			body = rest
		}
		for len(body) >= 8 {
			n.children = append(n.children, getPointer(body[:8]))
			body = body[8:]
		}
		return nil, n, nil
	default:
		return nil, nil, fmt.Errorf("monsoon: unknown node shape %d: %w", shape, ErrDecode)
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readLenPrefixed(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("monsoon: truncated length prefix: %w", ErrDecode)
	}
	n := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("monsoon: truncated value: %w", ErrDecode)
	}
	return b[:n], b[n:], nil
}
