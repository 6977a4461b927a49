package resume

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Type tags stored in the key and value metadata fields of a log record.
const (
	TagString int32 = 1
	TagInt64  int32 = 2
	TagBytes  int32 = 3
)

// StringOffset is a string key or value, encoded as google.protobuf.StringValue.
type StringOffset string

func (s StringOffset) Serialize() ([]byte, error) {
	return proto.Marshal(wrapperspb.String(string(s)))
}
func (s StringOffset) TypeTag() int32 { return TagString }
func (s StringOffset) String() string { return string(s) }

// Int64Offset is a numeric offset, encoded as google.protobuf.Int64Value.
type Int64Offset int64

func (i Int64Offset) Serialize() ([]byte, error) {
	return proto.Marshal(wrapperspb.Int64(int64(i)))
}
func (i Int64Offset) TypeTag() int32 { return TagInt64 }
func (i Int64Offset) String() string { return strconv.FormatInt(int64(i), 10) }

// BytesOffset is an opaque offset, encoded as google.protobuf.BytesValue.
type BytesOffset []byte

func (b BytesOffset) Serialize() ([]byte, error) {
	return proto.Marshal(wrapperspb.Bytes(b))
}
func (b BytesOffset) TypeTag() int32 { return TagBytes }
func (b BytesOffset) String() string { return fmt.Sprintf("%x", []byte(b)) }

// Decode rebuilds a Serializable from its tag and encoded bytes.
func Decode(tag int32, data []byte) (Serializable, error) {
	switch tag {
	case TagString:
		var v wrapperspb.StringValue
		if err := proto.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode string offset: %w", err)
		}
		return StringOffset(v.GetValue()), nil
	case TagInt64:
		var v wrapperspb.Int64Value
		if err := proto.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode int64 offset: %w", err)
		}
		return Int64Offset(v.GetValue()), nil
	case TagBytes:
		var v wrapperspb.BytesValue
		if err := proto.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode bytes offset: %w", err)
		}
		return BytesOffset(v.GetValue()), nil
	default:
		return nil, fmt.Errorf("unknown offset type tag %d", tag)
	}
}

// DecodePair decodes a logged key and value.
func DecodePair(keyMeta int32, key []byte, valueMeta int32, value []byte) (Serializable, Serializable, error) {
	k, err := Decode(keyMeta, key)
	if err != nil {
		return nil, nil, fmt.Errorf("key: %w", err)
	}
	v, err := Decode(valueMeta, value)
	if err != nil {
		return nil, nil, fmt.Errorf("value: %w", err)
	}
	return k, v, nil
}

// Text renders a Serializable for logs and listings.
func Text(s Serializable) string {
	if st, ok := s.(fmt.Stringer); ok {
		return st.String()
	}
	b, err := s.Serialize()
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}
	return fmt.Sprintf("%x", b)
}
