package monsoon

import (
	"encoding/binary"
	"fmt"
)

// unit is the fixed block granularity of the log. Every block occupies a
// whole number of units; padding is zero-filled.
const unit = 1024

// Block kind magics, written as the first 16 bits of every block.
const (
	magicCommit    uint16 = 0xFAFA
	magicNode      uint16 = 0xFBFB
	magicLeafLinks uint16 = 0xFCFC
	magicMetadata  uint16 = 0xFDFD
)

// blockPointer locates a byte span in the log.
type blockPointer struct {
	Offset uint32
	Length uint32
}

func (p blockPointer) isZero() bool {
	return p.Offset == 0 && p.Length == 0
}

// treeHeader is the complete description of a snapshot: three pointers.
type treeHeader struct {
	Root      blockPointer
	LeafLinks blockPointer
	Metadata  blockPointer
}

// commitHeaderSize is the fixed size of a commit block's header; the block
// itself is zero-padded to one unit.
const commitHeaderSize = 32

func encodeCommitBlock(h treeHeader) []byte {
	buf := make([]byte, unit)
	binary.BigEndian.PutUint16(buf[0:2], magicCommit)
	putPointer(buf[2:10], h.Root)
	putPointer(buf[10:18], h.LeafLinks)
	putPointer(buf[18:26], h.Metadata)
	return buf
}

func decodeCommitBlock(buf []byte) (treeHeader, error) {
	if len(buf) < commitHeaderSize {
		return treeHeader{}, fmt.Errorf("monsoon: commit block too short: %w", ErrDecode)
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != magicCommit {
		return treeHeader{}, fmt.Errorf("monsoon: commit block magic mismatch (%#x): %w", magic, ErrDecode)
	}
	return treeHeader{
		Root:      getPointer(buf[2:10]),
		LeafLinks: getPointer(buf[10:18]),
		Metadata:  getPointer(buf[18:26]),
	}, nil
}

func putPointer(b []byte, p blockPointer) {
	binary.BigEndian.PutUint32(b[0:4], p.Offset)
	binary.BigEndian.PutUint32(b[4:8], p.Length)
}

func getPointer(b []byte) blockPointer {
	return blockPointer{
		Offset: binary.BigEndian.Uint32(b[0:4]),
		Length: binary.BigEndian.Uint32(b[4:8]),
	}
}

// nodeHeaderSize is magic(2) + leafID(8) + payload length(4).
const nodeHeaderSize = 14

// encodeNodeBlock frames a node payload: magic, leaf id (0 for interior
// nodes), payload length, payload, zero padding to a unit multiple.
func encodeNodeBlock(leafID uint64, payload []byte) []byte {
	total := padUp(nodeHeaderSize + len(payload))
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], magicNode)
	binary.BigEndian.PutUint64(buf[2:10], leafID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(payload)))
	copy(buf[nodeHeaderSize:], payload)
	return buf
}

// decodeNodeBlock returns the leaf id (0 for interior) and payload.
func decodeNodeBlock(buf []byte) (leafID uint64, payload []byte, err error) {
	if len(buf) < nodeHeaderSize {
		return 0, nil, fmt.Errorf("monsoon: node block too short: %w", ErrDecode)
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != magicNode {
		return 0, nil, fmt.Errorf("monsoon: node block magic mismatch (%#x): %w", magic, ErrDecode)
	}
	leafID = binary.BigEndian.Uint64(buf[2:10])
	n := binary.BigEndian.Uint32(buf[10:14])
	if nodeHeaderSize+int(n) > len(buf) {
		return 0, nil, fmt.Errorf("monsoon: node payload length overflow: %w", ErrDecode)
	}
	payload = buf[nodeHeaderSize : nodeHeaderSize+int(n)]
	return leafID, payload, nil
}

// payloadHeaderSize is magic(2) + payload length(4), used by leaf-links and
// metadata blocks, which carry no leaf id.
const payloadHeaderSize = 6

func encodeTaggedBlock(magic uint16, payload []byte) []byte {
	total := padUp(payloadHeaderSize + len(payload))
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], magic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[payloadHeaderSize:], payload)
	return buf
}

func decodeTaggedBlock(wantMagic uint16, buf []byte) (payload []byte, err error) {
	if len(buf) < payloadHeaderSize {
		return nil, fmt.Errorf("monsoon: block too short: %w", ErrDecode)
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != wantMagic {
		return nil, fmt.Errorf("monsoon: block magic mismatch, want %#x got %#x: %w", wantMagic, magic, ErrDecode)
	}
	n := binary.BigEndian.Uint32(buf[2:6])
	if payloadHeaderSize+int(n) > len(buf) {
		return nil, fmt.Errorf("monsoon: payload length overflow: %w", ErrDecode)
	}
	return buf[payloadHeaderSize : payloadHeaderSize+int(n)], nil
}

func encodeLeafLinksBlock(payload []byte) []byte { return encodeTaggedBlock(magicLeafLinks, payload) }
func decodeLeafLinksBlock(buf []byte) ([]byte, error) {
	return decodeTaggedBlock(magicLeafLinks, buf)
}

func encodeMetadataBlock(payload []byte) []byte { return encodeTaggedBlock(magicMetadata, payload) }
func decodeMetadataBlock(buf []byte) ([]byte, error) {
	return decodeTaggedBlock(magicMetadata, buf)
}

// blockMagic peeks at the leading magic of a raw unit-aligned block without
// fully decoding it. Used by the backward commit scan.
func blockMagic(buf []byte) (uint16, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[0:2]), true
}

// peekNodeBlockLen reads a node block's declared payload length straight
// out of its header, without slicing or validating the payload. A caller
// holding only the first unit of what may be a multi-unit block (payloads
// are padded up to a whole number of units, spec.md §4.1) uses this to
// compute how many bytes to re-read before decoding.
func peekNodeBlockLen(buf []byte) (int, bool) {
	if len(buf) < nodeHeaderSize {
		return 0, false
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != magicNode {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[10:14])), true
}

func padUp(n int) int {
	if n%unit == 0 {
		return n
	}
	return (n/unit + 1) * unit
}
