package cbor

import "encoding/binary"

// Marshal encodes v using the shortest argument form.
func Marshal(v Value) []byte {
	return appendValue(nil, v)
}

func appendHead(b []byte, major byte, arg uint64) []byte {
	m := major << 5
	switch {
	case arg < 24:
		return append(b, m|byte(arg))
	case arg <= 0xff:
		return append(b, m|24, byte(arg))
	case arg <= 0xffff:
		return binary.BigEndian.AppendUint16(append(b, m|25), uint16(arg))
	case arg <= 0xffffffff:
		return binary.BigEndian.AppendUint32(append(b, m|26), uint32(arg))
	default:
		return binary.BigEndian.AppendUint64(append(b, m|27), arg)
	}
}

func appendValue(b []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		if v.Int >= 0 {
			return appendHead(b, majorUint, uint64(v.Int))
		}
		return appendHead(b, majorNeg, uint64(-1-v.Int))
	case KindBytes:
		b = appendHead(b, majorBytes, uint64(len(v.Bytes)))
		return append(b, v.Bytes...)
	case KindText:
		b = appendHead(b, majorText, uint64(len(v.Text)))
		return append(b, v.Text...)
	case KindMap:
		b = appendHead(b, majorMap, uint64(len(v.Map)))
		for _, p := range v.Map {
			b = appendValue(b, p.Key)
			b = appendValue(b, p.Value)
		}
		return b
	default:
		return b
	}
}
