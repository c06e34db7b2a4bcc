package kvstore

import (
	"fmt"
	"strings"
)

// ObjectKey is a record's key: either a single scalar (int64 or
// string) or an ordered sequence of scalars, per spec.md §3.
type ObjectKey []any

// Encode renders the key as a single string, unique per distinct key.
// Integers are bias-encoded so that numeric order matches string order
// across the full int64 range.
func (k ObjectKey) Encode() (string, error) {
	parts := make([]string, len(k))
	for i, v := range k {
		enc, err := encodeScalar(v)
		if err != nil {
			return "", fmt.Errorf("object key element %d: %w", i, err)
		}
		parts[i] = enc
	}
	return JoinParts(parts), nil
}

// JoinParts concatenates parts into a single string that is
// unambiguously decodable regardless of any bytes — including 0x00 —
// a part itself contains, by prefixing each with its own length. Two
// distinct part slices never produce the same output, which makes it
// safe to build composite keys (object keys, secondary index keys)
// out of host-supplied strings without restricting their byte content.
func JoinParts(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%010d", len(p))
		b.WriteString(p)
	}
	return b.String()
}

func encodeScalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return "S" + x, nil
	case int:
		return encodeInt(int64(x)), nil
	case int64:
		return encodeInt(x), nil
	case float64:
		// JSON-decoded integers commonly arrive as float64.
		return encodeInt(int64(x)), nil
	default:
		return "", fmt.Errorf("unsupported object key scalar type %T", v)
	}
}

// encodeInt bias-encodes v into a fixed-width decimal string so that
// byte-lexicographic order matches numeric order for the full int64
// range (including negatives).
func encodeInt(v int64) string {
	biased := uint64(v) ^ (1 << 63)
	return fmt.Sprintf("I%020d", biased)
}

// Arity returns the number of scalar elements in the key.
func (k ObjectKey) Arity() int { return len(k) }
