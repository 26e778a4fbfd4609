package blinktree

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	_ Codec[[]byte] = new(BytesCodec)
	_ Codec[uint64] = new(Uint64Codec)
	_ Codec[string] = new(StringCodec)
	_ Codec[string] = new(JsonTypeCodec[string])
)

// Codec converts values to and from the bytes of a record.
type Codec[T any] interface {
	Unmarshal(data []byte, v *T) error
	Marshal(v *T) ([]byte, error)
}

type BytesCodec struct{}

func (b BytesCodec) Unmarshal(data []byte, v *[]byte) error {
	*v = data
	return nil
}

func (b BytesCodec) Marshal(v *[]byte) ([]byte, error) {
	return *v, nil
}

type StringCodec struct{}

func (s StringCodec) Unmarshal(data []byte, v *string) error {
	*v = string(data)
	return nil
}

func (s StringCodec) Marshal(v *string) ([]byte, error) {
	return []byte(*v), nil
}

type Uint64Codec struct{}

func (u Uint64Codec) Unmarshal(data []byte, v *uint64) error {
	if len(data) != 8 {
		return errors.Errorf("uint64 codec: %d bytes", len(data))
	}
	*v = binary.BigEndian.Uint64(data)
	return nil
}

func (u Uint64Codec) Marshal(v *uint64) (b []byte, err error) {
	b = binary.BigEndian.AppendUint64(b, *v)
	return
}

type JsonTypeCodec[T any] struct{}

func (j JsonTypeCodec[T]) Unmarshal(data []byte, v *T) error {
	return json.Unmarshal(data, v)
}

func (j JsonTypeCodec[T]) Marshal(v *T) ([]byte, error) {
	return json.Marshal(v)
}
