package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NumberEncoding selects how numeric fields are rendered on the wire.
// The choice is derived per field from the negotiated capability set:
// IEEE754 peers get the compact base64 form, everyone else gets text.
type NumberEncoding int

const (
	// EncodingDecimal renders numbers as plain decimal text.
	EncodingDecimal NumberEncoding = iota
	// EncodingHex renders integers as 0x-prefixed hexadecimal.
	EncodingHex
	// EncodingBase64 renders the value's binary form in base64.
	EncodingBase64
)

// IntegerEncoding returns the integer field encoding for a capability set.
func IntegerEncoding(caps Capabilities) NumberEncoding {
	if caps.Has(CapIEEE754) {
		return EncodingBase64
	}
	return EncodingHex
}

// FloatEncoding returns the floating-point field encoding for a
// capability set.
func FloatEncoding(caps Capabilities) NumberEncoding {
	if caps.Has(CapIEEE754) {
		return EncodingBase64
	}
	return EncodingDecimal
}

// base64 integers are the value's minimal big-endian bytes; floats are
// the full 8 bytes of their IEEE754 bit pattern. RawStdEncoding keeps
// the fields free of '=' padding.
var b64 = base64.RawStdEncoding

// b64AppendEncode is base64.Encoding.AppendEncode, which needs Go 1.22.
func b64AppendEncode(dst, src []byte) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, b64.EncodedLen(len(src)))...)
	b64.Encode(dst[off:], src)
	return dst
}

func appendBase64Uint(dst []byte, v uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	i := 0
	for i < 7 && raw[i] == 0 {
		i++
	}
	return b64AppendEncode(dst, raw[i:])
}

// AppendUint64 appends v rendered with the given encoding.
func AppendUint64(dst []byte, enc NumberEncoding, v uint64) []byte {
	switch enc {
	case EncodingHex:
		dst = append(dst, '0', 'x')
		return strconv.AppendUint(dst, v, 16)
	case EncodingBase64:
		return appendBase64Uint(dst, v)
	default:
		return strconv.AppendUint(dst, v, 10)
	}
}

// AppendInt64 appends v rendered with the given encoding. Negative
// values carry a leading '-' in every encoding.
func AppendInt64(dst []byte, enc NumberEncoding, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		return AppendUint64(dst, enc, uint64(-v))
	}
	return AppendUint64(dst, enc, uint64(v))
}

// AppendFloat appends v rendered with the given encoding. The decimal
// form uses the shortest representation that round-trips.
func AppendFloat(dst []byte, enc NumberEncoding, v float64) []byte {
	if enc == EncodingBase64 {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(v))
		return b64AppendEncode(dst, raw[:])
	}
	return strconv.AppendFloat(dst, v, 'g', -1, 64)
}

// ParseUint64 decodes a field produced by AppendUint64 with the same
// encoding.
func ParseUint64(enc NumberEncoding, s string) (uint64, error) {
	switch enc {
	case EncodingHex:
		hex, ok := strings.CutPrefix(s, "0x")
		if !ok {
			return 0, fmt.Errorf("hex field %q has no 0x prefix", s)
		}
		return strconv.ParseUint(hex, 16, 64)
	case EncodingBase64:
		raw, err := b64.DecodeString(s)
		if err != nil {
			return 0, fmt.Errorf("base64 field %q: %w", s, err)
		}
		if len(raw) > 8 {
			return 0, fmt.Errorf("base64 field %q is %d bytes, want at most 8", s, len(raw))
		}
		var v uint64
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
		return v, nil
	default:
		return strconv.ParseUint(s, 10, 64)
	}
}

// ParseInt64 decodes a field produced by AppendInt64.
func ParseInt64(enc NumberEncoding, s string) (int64, error) {
	if neg, ok := strings.CutPrefix(s, "-"); ok {
		v, err := ParseUint64(enc, neg)
		if err != nil {
			return 0, err
		}
		return -int64(v), nil
	}
	v, err := ParseUint64(enc, s)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// ParseFloat decodes a field produced by AppendFloat.
func ParseFloat(enc NumberEncoding, s string) (float64, error) {
	if enc == EncodingBase64 {
		raw, err := b64.DecodeString(s)
		if err != nil {
			return 0, fmt.Errorf("base64 field %q: %w", s, err)
		}
		if len(raw) != 8 {
			return 0, fmt.Errorf("base64 float field %q is %d bytes, want 8", s, len(raw))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	}
	return strconv.ParseFloat(s, 64)
}
