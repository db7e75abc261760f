package core

// Canonical JSON encoding (RFC 8785, the JSON Canonicalization Scheme).
// Guarantees that semantically equal JSON values always produce identical
// byte strings: object keys sorted by UTF-16 code unit, no insignificant
// whitespace, numbers serialized per the ECMA-404 shortest round-trip rule,
// and arrays kept in their original order. Used to derive both the content
// hash and the signing bytes of an event envelope.

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON returns the JCS byte encoding of v. v may be any value
// produced by json.Unmarshal (map[string]interface{}, []interface{},
// json.Number, string, bool, nil) or a Go value with json struct tags,
// which is first round-tripped through encoding/json to normalize it.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	var sb strings.Builder
	if err := encodeValue(&sb, normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	return []byte(sb.String()), nil
}

// normalize round-trips arbitrary Go values (including structs) through
// encoding/json with UseNumber so downstream formatting sees json.Number
// instead of float64, preserving integer precision.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeValue(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(sb, t)
	case string:
		encodeString(sb, t)
		return nil
	case []interface{}:
		sb.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeValue(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return less16(keys[i], keys[j]) })
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeString(sb, k)
			sb.WriteByte(':')
			if err := encodeValue(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unsupported value of type %T", v)
	}
}

// less16 compares strings by UTF-16 code unit, per RFC 8785 §3.2.3.
func less16(a, b string) bool {
	ua, ub := utf16Units(a), utf16Units(b)
	n := len(ua)
	if len(ub) < n {
		n = len(ub)
	}
	for i := 0; i < n; i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r > 0xFFFF {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
		} else {
			units = append(units, uint16(r))
		}
	}
	return units
}

func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// encodeNumber formats a JSON number per the ECMA-404 shortest round-trip
// rule used by JCS: integers within the safe integer range are printed
// without a decimal point or exponent; everything else uses the shortest
// decimal representation that round-trips through float64.
func encodeNumber(sb *strings.Builder, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		sb.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q", string(n))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canon: non-finite number %q", string(n))
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Go emits "1e+09"/"1e-09"; ECMAScript/JCS wants "1e+9"/"1e-9" (no
	// leading zero in the exponent) and always includes the sign.
	if idx := strings.IndexAny(s, "eE"); idx >= 0 {
		mantissa, exp := s[:idx], s[idx+1:]
		sign := "+"
		if len(exp) > 0 && (exp[0] == '+' || exp[0] == '-') {
			sign = string(exp[0])
			exp = exp[1:]
		}
		exp = strings.TrimLeft(exp, "0")
		if exp == "" {
			exp = "0"
		}
		s = mantissa + "e" + sign + exp
	}
	sb.WriteString(s)
	return nil
}
