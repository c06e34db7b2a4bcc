package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	isoLayout  = "2006-01-02T15:04:05.000Z"
	counterLen = 4  // hex digits
	nodeLen    = 16 // characters
)

// Format renders t in the fixed-width wire form:
// <iso-8601-utc-ms>_<4-hex-upper-counter>_<16-char-node>. The result
// sorts byte-lexicographically in HLC order.
func Format(t Time) string {
	iso := time.UnixMilli(t.Millis).UTC().Format(isoLayout)
	counter := strings.ToUpper(fmt.Sprintf("%0*x", counterLen, t.Counter))
	node := padLeftZero(t.Node, nodeLen)
	return iso + "_" + counter + "_" + node
}

// padLeftZero left-pads s with '0' characters to width, per the HLC
// wire format's node component (spec: "left-padded with 0").
func padLeftZero(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Parse is the inverse of Format. It rejects any string whose parts do
// not match the fixed widths exactly.
func Parse(s string) (Time, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return Time{}, fmt.Errorf("hlc: malformed timestamp %q: expected 3 underscore-separated parts", s)
	}
	isoPart, counterPart, nodePart := parts[0], parts[1], parts[2]

	ts, err := time.Parse(isoLayout, isoPart)
	if err != nil {
		return Time{}, fmt.Errorf("hlc: malformed timestamp part %q: %w", isoPart, err)
	}

	if len(counterPart) != counterLen {
		return Time{}, fmt.Errorf("hlc: counter part %q must be exactly %d hex digits", counterPart, counterLen)
	}
	counter, err := strconv.ParseUint(counterPart, 16, 16)
	if err != nil {
		return Time{}, fmt.Errorf("hlc: invalid counter %q: %w", counterPart, err)
	}

	if len(nodePart) != nodeLen {
		return Time{}, fmt.Errorf("hlc: node part %q must be exactly %d characters", nodePart, nodeLen)
	}

	return Time{
		Millis:  ts.UnixMilli(),
		Counter: uint16(counter),
		Node:    nodePart,
	}, nil
}

// Hash returns a fast, non-cryptographic 32-bit hash of t's string
// form, used exclusively by the Merkle tree for equality checks. It
// must never be replaced with a cryptographic hash: the Merkle tree's
// insertion order-independence depends on XOR-combining hashes that
// are cheap and have no avalanche requirements beyond collision
// avoidance for equality comparison.
func Hash(t Time) uint32 {
	sum := xxhash.Sum64String(Format(t))
	return uint32(sum)
}
