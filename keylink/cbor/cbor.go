// Package cbor implements the small subset of CBOR (RFC 8949) found in
// authenticator attestation structures: unsigned and negative integers,
// byte strings, text strings and maps. Anything else is rejected.
package cbor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	ErrUnexpectedEnd = errors.New("cbor: unexpected end of input")
	ErrUnsupported   = errors.New("cbor: unsupported item")
	ErrTrailingData  = errors.New("cbor: trailing data")
	ErrTooDeep       = errors.New("cbor: nesting too deep")
	ErrNotFound      = errors.New("cbor: key not found")
	ErrType          = errors.New("cbor: unexpected item type")
)

const maxDepth = 16

const (
	majorUint  = 0
	majorNeg   = 1
	majorBytes = 2
	majorText  = 3
	majorMap   = 5
)

// Kind tags a decoded Value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindBytes
	KindText
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is one decoded item. Only the field matching Kind is set.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	Text  string
	Map   []Pair
}

// Pair is a map entry. Order is preserved from the input.
type Pair struct {
	Key   Value
	Value Value
}

func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func Text(s string) Value { return Value{Kind: KindText, Text: s} }
func Map(p ...Pair) Value { return Value{Kind: KindMap, Map: p} }
func Entry(k, v Value) Pair { return Pair{Key: k, Value: v} }

func (v Value) equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindText:
		return v.Text == o.Text
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	default:
		return false
	}
}

// Get returns the value stored under key in a map item.
func (v Value) Get(key Value) (Value, error) {
	if v.Kind != KindMap {
		return Value{}, fmt.Errorf("%w: %s is not a map", ErrType, v.Kind)
	}
	for _, p := range v.Map {
		if p.Key.equal(key) {
			return p.Value, nil
		}
	}
	return Value{}, ErrNotFound
}

// GetBytes looks up a byte string under key.
func (v Value) GetBytes(key Value) ([]byte, error) {
	item, err := v.Get(key)
	if err != nil {
		return nil, err
	}
	if item.Kind != KindBytes {
		return nil, fmt.Errorf("%w: want bytes, got %s", ErrType, item.Kind)
	}
	return item.Bytes, nil
}

// GetInt looks up an integer under key.
func (v Value) GetInt(key Value) (int64, error) {
	item, err := v.Get(key)
	if err != nil {
		return 0, err
	}
	if item.Kind != KindInt {
		return 0, fmt.Errorf("%w: want int, got %s", ErrType, item.Kind)
	}
	return item.Int, nil
}

// GetText looks up a text string under key.
func (v Value) GetText(key Value) (string, error) {
	item, err := v.Get(key)
	if err != nil {
		return "", err
	}
	if item.Kind != KindText {
		return "", fmt.Errorf("%w: want text, got %s", ErrType, item.Kind)
	}
	return item.Text, nil
}

// Decode parses b as exactly one item.
func Decode(b []byte) (Value, error) {
	v, n, err := DecodePrefix(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, ErrTrailingData
	}
	return v, nil
}

// DecodePrefix parses the first item in b and reports how many bytes it used.
func DecodePrefix(b []byte) (Value, int, error) {
	d := decoder{buf: b}
	v, err := d.item(0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.off, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) head() (major byte, arg uint64, err error) {
	if d.remaining() < 1 {
		return 0, 0, ErrUnexpectedEnd
	}
	ib := d.buf[d.off]
	d.off++
	major = ib >> 5
	info := ib & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		if d.remaining() < 1 {
			return 0, 0, ErrUnexpectedEnd
		}
		arg = uint64(d.buf[d.off])
		d.off++
	case info == 25:
		if d.remaining() < 2 {
			return 0, 0, ErrUnexpectedEnd
		}
		arg = uint64(binary.BigEndian.Uint16(d.buf[d.off:]))
		d.off += 2
	case info == 26:
		if d.remaining() < 4 {
			return 0, 0, ErrUnexpectedEnd
		}
		arg = uint64(binary.BigEndian.Uint32(d.buf[d.off:]))
		d.off += 4
	case info == 27:
		if d.remaining() < 8 {
			return 0, 0, ErrUnexpectedEnd
		}
		arg = binary.BigEndian.Uint64(d.buf[d.off:])
		d.off += 8
	default:
		return 0, 0, fmt.Errorf("%w: additional info %d", ErrUnsupported, info)
	}
	return major, arg, nil
}

func (d *decoder) take(n uint64) ([]byte, error) {
	if n > uint64(d.remaining()) {
		return nil, ErrUnexpectedEnd
	}
	out := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return out, nil
}

func (d *decoder) item(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, ErrTooDeep
	}
	major, arg, err := d.head()
	if err != nil {
		return Value{}, err
	}
	switch major {
	case majorUint:
		if arg > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: integer overflow", ErrUnsupported)
		}
		return Int(int64(arg)), nil
	case majorNeg:
		if arg > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: integer overflow", ErrUnsupported)
		}
		return Int(-1 - int64(arg)), nil
	case majorBytes:
		b, err := d.take(arg)
		if err != nil {
			return Value{}, err
		}
		return Bytes(append([]byte(nil), b...)), nil
	case majorText:
		b, err := d.take(arg)
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(b) {
			return Value{}, fmt.Errorf("%w: invalid utf-8 text", ErrUnsupported)
		}
		return Text(string(b)), nil
	case majorMap:
		// Each entry needs at least two bytes.
		if arg > uint64(d.remaining())/2 {
			return Value{}, ErrUnexpectedEnd
		}
		pairs := make([]Pair, 0, int(arg))
		for i := uint64(0); i < arg; i++ {
			k, err := d.item(depth + 1)
			if err != nil {
				return Value{}, err
			}
			if k.Kind == KindMap {
				return Value{}, fmt.Errorf("%w: map key", ErrUnsupported)
			}
			for _, p := range pairs {
				if p.Key.equal(k) {
					return Value{}, fmt.Errorf("%w: duplicate map key", ErrUnsupported)
				}
			}
			v, err := d.item(depth + 1)
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Pair{Key: k, Value: v})
		}
		return Map(pairs...), nil
	default:
		return Value{}, fmt.Errorf("%w: major type %d", ErrUnsupported, major)
	}
}
