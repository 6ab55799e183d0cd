package monsoon

import (
	"encoding/binary"
	"encoding/json"
)

var (
	_ Codec[[]byte] = BytesCodec{}
	_ Codec[uint64] = Uint64Codec{}
	_ Codec[string] = StringCodec{}
	_ Codec[string] = JsonTypeCodec[string]{}
)

// Codec converts a typed value to and from the order-preserving byte
// representation the B+tree engine stores and compares. Keys must encode
// such that bytes.Compare over the encoded form agrees with the type's
// natural ordering (spec.md §3: "arbitrary serialisable terms" under a
// total order).
type Codec[T any] interface {
	Marshal(v *T) ([]byte, error)
	Unmarshal(data []byte, v *T) error
}

// BytesCodec is the identity codec: raw byte strings compare
// lexicographically, which is already the order Monsoon needs.
type BytesCodec struct{}

func (BytesCodec) Marshal(v *[]byte) ([]byte, error) { return *v, nil }
func (BytesCodec) Unmarshal(data []byte, v *[]byte) error {
	*v = append([]byte(nil), data...)
	return nil
}

// Uint64Codec encodes unsigned integers big-endian, which keeps their
// byte-string order equal to their numeric order.
type Uint64Codec struct{}

func (Uint64Codec) Marshal(v *uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, *v), nil
}

func (Uint64Codec) Unmarshal(data []byte, v *uint64) error {
	if len(data) != 8 {
		return ErrDecode
	}
	*v = binary.BigEndian.Uint64(data)
	return nil
}

// StringCodec is the identity codec for strings: Go string byte order is
// already the order a caller should expect.
type StringCodec struct{}

func (StringCodec) Marshal(v *string) ([]byte, error) { return []byte(*v), nil }
func (StringCodec) Unmarshal(data []byte, v *string) error {
	*v = string(data)
	return nil
}

// JsonTypeCodec marshals arbitrary values through encoding/json. It does
// not produce an order-preserving encoding for composite types; it is
// intended for use as a value codec (Monsoon never orders by value),
// matching the teacher's use of it only on the V type parameter.
type JsonTypeCodec[T any] struct{}

func (JsonTypeCodec[T]) Marshal(v *T) ([]byte, error)      { return json.Marshal(v) }
func (JsonTypeCodec[T]) Unmarshal(data []byte, v *T) error { return json.Unmarshal(data, v) }
