// Package tlv scans and builds protobuf wire fields (tag, wire type, value).
package tlv

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

// Wire types re-exported for callers that only import tlv.
const (
	TypeVarint  = protowire.VarintType
	TypeFixed32 = protowire.Fixed32Type
	TypeFixed64 = protowire.Fixed64Type
	TypeBytes   = protowire.BytesType
)

// Field is one decoded wire field. Varint, Fixed32 and Fixed64 values are held in
// Scalar; length-delimited values in Value.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Scalar uint64
	Value  []byte
}

func Varint(num protowire.Number, v uint64) Field {
	return Field{Num: num, Type: TypeVarint, Scalar: v}
}

func Bool(num protowire.Number, v bool) Field {
	return Varint(num, protowire.EncodeBool(v))
}

func Fixed32(num protowire.Number, v uint32) Field {
	return Field{Num: num, Type: TypeFixed32, Scalar: uint64(v)}
}

func Float(num protowire.Number, v float32) Field {
	return Fixed32(num, math.Float32bits(v))
}

func Bytes(num protowire.Number, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{Num: num, Type: TypeBytes, Value: buf}
}

func String(num protowire.Number, v string) Field {
	return Field{Num: num, Type: TypeBytes, Value: []byte(v)}
}

// Int32 encodes a protobuf int32 (sign-extended varint).
func Int32(num protowire.Number, v int32) Field {
	return Varint(num, uint64(int64(v)))
}

func AppendField(b []byte, f Field) []byte {
	b = protowire.AppendTag(b, f.Num, f.Type)
	switch f.Type {
	case TypeVarint:
		b = protowire.AppendVarint(b, f.Scalar)
	case TypeFixed32:
		b = protowire.AppendFixed32(b, uint32(f.Scalar))
	case TypeFixed64:
		b = protowire.AppendFixed64(b, f.Scalar)
	default:
		b = protowire.AppendBytes(b, f.Value)
	}
	return b
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, 16*len(fields))
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields scans every field in payload in wire order. Group wire types are
// rejected. Unknown field numbers are kept.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	for i := 0; i < len(payload); {
		num, typ, n := protowire.ConsumeTag(payload[i:])
		if n < 0 {
			return nil, fmt.Errorf("%w: offset=%d: %v", ErrShortFieldHeader, i, protowire.ParseError(n))
		}
		i += n
		f := Field{Num: num, Type: typ}
		switch typ {
		case TypeVarint:
			v, m := protowire.ConsumeVarint(payload[i:])
			if m < 0 {
				return nil, fmt.Errorf("%w: field=%d: %v", ErrShortFieldValue, num, protowire.ParseError(m))
			}
			f.Scalar = v
			n = m
		case TypeFixed32:
			v, m := protowire.ConsumeFixed32(payload[i:])
			if m < 0 {
				return nil, fmt.Errorf("%w: field=%d: %v", ErrShortFieldValue, num, protowire.ParseError(m))
			}
			f.Scalar = uint64(v)
			n = m
		case TypeFixed64:
			v, m := protowire.ConsumeFixed64(payload[i:])
			if m < 0 {
				return nil, fmt.Errorf("%w: field=%d: %v", ErrShortFieldValue, num, protowire.ParseError(m))
			}
			f.Scalar = v
			n = m
		case TypeBytes:
			v, m := protowire.ConsumeBytes(payload[i:])
			if m < 0 {
				return nil, fmt.Errorf("%w: field=%d: %v", ErrShortFieldValue, num, protowire.ParseError(m))
			}
			f.Value = append([]byte(nil), v...)
			n = m
		default:
			return nil, fmt.Errorf("%w: field=%d unsupported wire type %d", ErrShortFieldValue, num, typ)
		}
		i += n
		fields = append(fields, f)
	}
	return fields, nil
}

// GetField returns the last occurrence of num, matching protobuf's last-one-wins rule.
func GetField(fields []Field, num protowire.Number) (Field, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		if fields[i].Num == num {
			return fields[i], true
		}
	}
	return Field{}, false
}

// All returns every occurrence of num in wire order.
func All(fields []Field, num protowire.Number) []Field {
	var out []Field
	for _, f := range fields {
		if f.Num == num {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected protowire.Type) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.Num, f.Type, expected)
	}
	return nil
}

func (f Field) Uint32() uint32 { return uint32(f.Scalar) }

func (f Field) Int32() int32 { return int32(f.Scalar) }

func (f Field) Bool() bool { return f.Scalar != 0 }

func (f Field) Float32() float32 { return math.Float32frombits(uint32(f.Scalar)) }

func (f Field) Str() string { return string(f.Value) }

// PackedFixed32 expands a packed repeated fixed32 field. Unpacked occurrences are
// accepted too.
func PackedFixed32(fields []Field, num protowire.Number) ([]uint32, error) {
	var out []uint32
	for _, f := range All(fields, num) {
		switch f.Type {
		case TypeFixed32:
			out = append(out, uint32(f.Scalar))
		case TypeBytes:
			b := f.Value
			for len(b) > 0 {
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return nil, fmt.Errorf("%w: packed field=%d", ErrShortFieldValue, num)
				}
				out = append(out, v)
				b = b[n:]
			}
		default:
			return nil, fmt.Errorf("%w: packed field=%d type=%d", ErrTypeMismatch, num, f.Type)
		}
	}
	return out, nil
}

// PackedInt32 expands a packed repeated int32 field.
func PackedInt32(fields []Field, num protowire.Number) ([]int32, error) {
	var out []int32
	for _, f := range All(fields, num) {
		switch f.Type {
		case TypeVarint:
			out = append(out, int32(f.Scalar))
		case TypeBytes:
			b := f.Value
			for len(b) > 0 {
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return nil, fmt.Errorf("%w: packed field=%d", ErrShortFieldValue, num)
				}
				out = append(out, int32(v))
				b = b[n:]
			}
		default:
			return nil, fmt.Errorf("%w: packed field=%d type=%d", ErrTypeMismatch, num, f.Type)
		}
	}
	return out, nil
}

func PackFixed32(num protowire.Number, vs []uint32) Field {
	var b []byte
	for _, v := range vs {
		b = protowire.AppendFixed32(b, v)
	}
	return Field{Num: num, Type: TypeBytes, Value: b}
}

func PackInt32(num protowire.Number, vs []int32) Field {
	var b []byte
	for _, v := range vs {
		b = protowire.AppendVarint(b, uint64(int64(v)))
	}
	return Field{Num: num, Type: TypeBytes, Value: b}
}
