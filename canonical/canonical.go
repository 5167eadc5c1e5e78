// Package canonical implements the deterministic JSON serialization shared
// by every component that hashes or signs a structured payload: object
// keys sorted lexicographically at every depth, UTF-8, no insignificant
// whitespace, numbers emitted in a single canonical form. Signing and
// verifying sides must agree bit-for-bit, so this is the only place that
// implementation lives.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Marshal renders v as canonical JSON bytes. v is first round-tripped
// through encoding/json to obtain a generic representation (map, slice,
// json.Number, ...), then re-serialized with keys sorted at every depth
// and numbers normalized.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode input: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal is Marshal but panics on error; useful for call sites that
// construct the payload themselves and cannot fail to marshal it.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// encodeNumber normalizes a decoded json.Number to a single canonical
// textual form: integers are printed without a decimal point or exponent,
// and non-integers are printed via big.Float with trailing zeroes
// trimmed. This guarantees 1, 1.0, and 1e0 all canonicalize identically.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		fmt.Fprintf(buf, "%d", i)
		return nil
	}
	f, ok := new(big.Float).SetPrec(256).SetString(n.String())
	if !ok {
		return fmt.Errorf("canonical: invalid number %q", n.String())
	}
	if f.IsInt() {
		asInt, _ := f.Int(nil)
		buf.WriteString(asInt.String())
		return nil
	}
	text := f.Text('f', -1)
	buf.WriteString(text)
	return nil
}

// Equal reports whether two arbitrary JSON-marshalable values canonicalize
// to the same bytes; used by the "canonicalization is stable" property.
func Equal(a, b any) (bool, error) {
	ca, err := Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
