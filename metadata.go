package monsoon

import "encoding/binary"

// MetaPair is one (name, value) entry in the opaque metadata list
// (spec.md §3 "Metadata"). Order is preserved but otherwise unconstrained.
type MetaPair struct {
	Name  string
	Value []byte
}

func encodeMetadataPayload(pairs []MetaPair) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(pairs)))
	for _, p := range pairs {
		writeLenPrefixedString(&buf, p.Name)
		writeLenPrefixedBytes(&buf, p.Value)
	}
	return buf
}

func writeLenPrefixedString(buf *[]byte, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	*buf = append(*buf, l[:]...)
	*buf = append(*buf, s...)
}

func writeLenPrefixedBytes(buf *[]byte, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	*buf = append(*buf, l[:]...)
	*buf = append(*buf, b...)
}

func decodeMetadataPayload(buf []byte) ([]MetaPair, error) {
	if len(buf) < 4 {
		return nil, ErrDecode
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	pairs := make([]MetaPair, 0, n)
	for i := uint32(0); i < n; i++ {
		nameBytes, rest, err := readLenPrefixed(buf)
		if err != nil {
			return nil, err
		}
		value, rest2, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, MetaPair{Name: string(nameBytes), Value: value})
		buf = rest2
	}
	return pairs, nil
}
