package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var emptyObject = []byte("{}")

// maxExponent bounds the decimal expansion of a number literal.
const maxExponent = 1000

// CanonicalJSON re-encodes a snapshot deterministically: object keys sorted,
// no insignificant whitespace, no HTML escaping, numbers written as plain
// decimals without exponent or trailing fractional zeros. A missing or null
// snapshot encodes as {}. JSONB storage reorders keys and reprints numbers,
// so hashing must never depend on the original byte layout.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyObject, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Canonicalize replaces a snapshot with its canonical encoding, keeping nil as nil.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	out, err := CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func normalizeNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := PlainDecimal(t.String())
		if err != nil {
			return nil, err
		}
		return json.Number(n), nil
	case map[string]interface{}:
		for k, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
	case []interface{}:
		for i, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
	}
	return v, nil
}

// PlainDecimal rewrites a JSON number literal as a plain decimal, the way
// Postgres prints jsonb numerics, with trailing fractional zeros dropped:
// 1e-7 becomes 0.0000001, 1.50 becomes 1.5 and -0 becomes 0. Digits are
// shifted as text so no precision is lost.
func PlainDecimal(lit string) (string, error) {
	s := lit
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
		if err != nil || e > maxExponent || e < -maxExponent {
			return "", fmt.Errorf("number %s out of range", lit)
		}
		exp = e
		s = s[:i]
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" || strings.Trim(intPart+fracPart, "0123456789") != "" {
		return "", fmt.Errorf("invalid number %s", lit)
	}

	digits := intPart + fracPart
	point := len(intPart) + exp
	for len(digits) > 0 && digits[0] == '0' {
		digits = digits[1:]
		point--
	}
	digits = strings.TrimRight(digits, "0")
	if digits == "" {
		return "0", nil
	}

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	switch {
	case point <= 0:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -point))
		b.WriteString(digits)
	case point >= len(digits):
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", point-len(digits)))
	default:
		b.WriteString(digits[:point])
		b.WriteByte('.')
		b.WriteString(digits[point:])
	}
	return b.String(), nil
}
