package monsoon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitBlockRoundTrip(t *testing.T) {
	h := treeHeader{
		Root:      blockPointer{Offset: 1024, Length: 256},
		LeafLinks: blockPointer{Offset: 2048, Length: 64},
		Metadata:  blockPointer{Offset: 4096, Length: 32},
	}
	buf := encodeCommitBlock(h)
	require.Len(t, buf, unit)
	got, err := decodeCommitBlock(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestNodeBlockRoundTrip(t *testing.T) {
	payload := []byte("a leaf payload")
	buf := encodeNodeBlock(42, payload)
	require.Zero(t, len(buf)%unit)
	leafID, got, err := decodeNodeBlock(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(42), leafID)
	require.Equal(t, payload, got)
}

func TestLeafAndInteriorPayloadRoundTrip(t *testing.T) {
	leaf := &leafNode{id: 7, capacity: 4, pairs: []kv{{key: []byte("a"), val: []byte("1")}, {key: []byte("b"), val: []byte("2")}}}
	decodedLeaf, decodedInterior, err := decodeNodePayload(leaf.id, encodeLeafPayload(leaf))
	require.NoError(t, err)
	require.Nil(t, decodedInterior)
	require.Equal(t, leaf.pairs, decodedLeaf.pairs)
	require.Equal(t, leaf.capacity, decodedLeaf.capacity)

	interior := &interiorNode{capacity: 4, separators: [][]byte{[]byte("m")}, children: []blockPointer{{Offset: 1, Length: 2}, {Offset: 3, Length: 4}}}
	decodedLeaf2, decodedInterior2, err := decodeNodePayload(0, encodeInteriorPayload(interior))
	require.NoError(t, err)
	require.Nil(t, decodedLeaf2)
	require.Equal(t, interior.separators, decodedInterior2.separators)
	require.Equal(t, interior.children, decodedInterior2.children)
}

func TestLeafLinksPayloadRoundTrip(t *testing.T) {
	l := newLeafLinks()
	l.insertSingleton(1)
	require.NoError(t, l.replaceSingle(1, []uint64{2, 3, 4}))

	decoded, err := decodeLeafLinksPayload(encodeLeafLinksPayload(l))
	require.NoError(t, err)
	require.Equal(t, l.entries, decoded.entries)

	head, ok := decoded.head()
	require.True(t, ok)
	require.Equal(t, uint64(2), head)
}

func TestMetadataPayloadRoundTrip(t *testing.T) {
	pairs := []MetaPair{{Name: "version", Value: []byte("1")}, {Name: "note", Value: []byte("hello")}}
	decoded, err := decodeMetadataPayload(encodeMetadataPayload(pairs))
	require.NoError(t, err)
	require.Equal(t, pairs, decoded)
}
