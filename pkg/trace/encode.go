package trace

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// EncodeLine renders an event as exactly one canonical JSON line terminated
// by a single newline. Object keys are sorted bytewise at every nesting
// level, there is no insignificant whitespace, strings stay UTF-8 with only
// mandatory escapes, and numbers use a fixed locale-independent form, so the
// same logical event always produces byte-identical output regardless of
// process, host or field-construction order.
func EncodeLine(ev Event) ([]byte, error) {
	buf, err := AppendValue(nil, ev.canonical())
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// EncodeValue renders a single Value in the canonical form, without a
// trailing newline.
func EncodeValue(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}

// AppendValue appends the canonical encoding of v to dst. It fails with an
// *EncodingError on non-finite numbers and duplicate object keys.
func AppendValue(dst []byte, v Value) ([]byte, error) {
	var err error
	switch v.kind {
	case KindNull:
		return append(dst, "null"...), nil
	case KindBool:
		if v.b {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil
	case KindInt:
		return strconv.AppendInt(dst, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, &EncodingError{Msg: fmt.Sprintf("non-finite number %v", v.f)}
		}
		// Shortest 'g' form: integer-valued floats render without a
		// fraction and large magnitudes in exponent notation ("1e+06").
		return strconv.AppendFloat(dst, v.f, 'g', -1, 64), nil
	case KindString:
		return appendString(dst, v.s), nil
	case KindArray:
		dst = append(dst, '[')
		for i, it := range v.arr {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst, err = AppendValue(dst, it)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	case KindObject:
		members := make([]Member, len(v.obj))
		copy(members, v.obj)
		sort.Slice(members, func(i, j int) bool {
			return members[i].Key < members[j].Key
		})
		dst = append(dst, '{')
		for i, m := range members {
			if i > 0 {
				if m.Key == members[i-1].Key {
					return nil, &EncodingError{Msg: fmt.Sprintf("duplicate object key %q", m.Key)}
				}
				dst = append(dst, ',')
			}
			dst = appendString(dst, m.Key)
			dst = append(dst, ':')
			dst, err = AppendValue(dst, m.Value)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	}
	return nil, &EncodingError{Msg: fmt.Sprintf("invalid value kind %d", v.kind)}
}

const hexDigits = "0123456789abcdef"

// appendString writes a JSON string with only the escapes the grammar
// requires ('"', '\\', control characters). Non-ASCII runes pass through as
// UTF-8 so traces stay human-diffable; invalid bytes become U+FFFD.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch {
		case r == '"':
			dst = append(dst, '\\', '"')
		case r == '\\':
			dst = append(dst, '\\', '\\')
		case r == '\n':
			dst = append(dst, '\\', 'n')
		case r == '\r':
			dst = append(dst, '\\', 'r')
		case r == '\t':
			dst = append(dst, '\\', 't')
		case r == '\b':
			dst = append(dst, '\\', 'b')
		case r == '\f':
			dst = append(dst, '\\', 'f')
		case r < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[r>>4], hexDigits[r&0xf])
		default:
			dst = utf8.AppendRune(dst, r)
		}
	}
	return append(dst, '"')
}
