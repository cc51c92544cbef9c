package ir

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrNullValue is returned when a value that feeds an identity hash contains null.
var ErrNullValue = errors.New("null is not allowed in canonical JSON")

// Canonical serializes v as RFC 8785 canonical JSON.
//
// Object keys are ordered by UTF-16 code units, strings are NFC normalized,
// there is no insignificant whitespace, and HTML characters are not escaped.
// Null is rejected. This is the only encoding used for identity hashes.
func Canonical(v Value) ([]byte, error) {
	return appendValue(nil, v, false)
}

func appendValue(buf []byte, v Value, allowNull bool) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		if !allowNull {
			return nil, ErrNullValue
		}
		return append(buf, "null"...), nil
	case String:
		return appendString(buf, string(val)), nil
	case Int:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case Bool:
		return strconv.AppendBool(buf, bool(val)), nil
	case Array:
		buf = append(buf, '[')
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = appendValue(buf, elem, allowNull); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return append(buf, ']'), nil
	case Object:
		buf = append(buf, '{')
		for i, k := range val.Keys() {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, k)
			buf = append(buf, ':')
			var err error
			if buf, err = appendValue(buf, val[k], allowNull); err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string. Only the quote, the backslash and
// control characters are escaped, as RFC 8785 requires.
func appendString(buf []byte, s string) []byte {
	s = norm.NFC.String(s)
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf = append(buf, `�`...)
			} else {
				buf = append(buf, s[i:i+size]...)
			}
			i += size
			continue
		}
		switch c {
		case '"':
			buf = append(buf, `\"`...)
		case '\\':
			buf = append(buf, `\\`...)
		case '\b':
			buf = append(buf, `\b`...)
		case '\f':
			buf = append(buf, `\f`...)
		case '\n':
			buf = append(buf, `\n`...)
		case '\r':
			buf = append(buf, `\r`...)
		case '\t':
			buf = append(buf, `\t`...)
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				buf = append(buf, c)
			}
		}
		i++
	}
	return append(buf, '"')
}
