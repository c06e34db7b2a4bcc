// Package merkle implements the ternary Merkle tree used to discover
// the earliest point of divergence between two clients' oplog
// histories (spec.md §4.3). Tree paths are base-3 digit strings
// derived from an HLC's physical time truncated to minutes; each
// node's hash is the rolling XOR of every HLC hash inserted into its
// subtree. The hash is intentionally non-cryptographic (see
// internal/hlc.Hash) — substituting a cryptographic hash would break
// the commutativity this tree depends on.
package merkle

import (
	"fmt"

	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

// MaxPathLen bounds a tree path to 17 base-3 digits, covering minutes
// since the Unix epoch through roughly the year 2215.
const MaxPathLen = 17

// maxMinutes is 3^17, the exclusive upper bound on minutes-since-epoch
// this tree can index.
const maxMinutes = 129140163 // 3^17

var digits = [3]byte{'0', '1', '2'}

// Node is one level of the tree: an XOR-aggregate hash plus up to
// three children keyed by base-3 digit.
type Node struct {
	Hash     uint32
	Children map[byte]*Node
}

func newNode() *Node { return &Node{} }

func (n *Node) child(d byte) *Node {
	if n.Children == nil {
		return nil
	}
	return n.Children[d]
}

func (n *Node) childOrEmpty(d byte) *Node {
	if c := n.child(d); c != nil {
		return c
	}
	return &Node{}
}

func (n *Node) ensureChild(d byte) *Node {
	if n.Children == nil {
		n.Children = make(map[byte]*Node, 3)
	}
	c, ok := n.Children[d]
	if !ok {
		c = newNode()
		n.Children[d] = c
	}
	return c
}

// Tree is the root of a ternary Merkle tree over HLC times.
type Tree struct {
	Root *Node
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{Root: newNode()}
}

// minutesForTime computes floor(millis/60000) and validates it lies
// within the tree's representable range.
func minutesForTime(t hlc.Time) (int64, error) {
	minutes := t.Millis / 60000
	if t.Millis < 0 && t.Millis%60000 != 0 {
		minutes--
	}
	if minutes < 0 || minutes >= maxMinutes {
		return 0, fmt.Errorf("merkle: minute %d out of representable range [0, %d): %w", minutes, maxMinutes, syncerr.InvalidMerkle)
	}
	return minutes, nil
}

// minutesToPath renders minutes as its minimal base-3 digit path, with
// no leading zero digit. Per spec.md §4.3, minutes==0 has path length
// ceil(log3(0+1)) == 0, i.e. the empty path (the insertion lands on
// the root only).
func minutesToPath(minutes int64) string {
	if minutes == 0 {
		return ""
	}
	var buf [MaxPathLen]byte
	pos := MaxPathLen
	n := minutes
	for n > 0 {
		pos--
		buf[pos] = digits[n%3]
		n /= 3
	}
	return string(buf[pos:])
}

// pathToMinutes parses a base-3 digit path into a minute count. It is
// the inverse of minutesToPath: a node's path spells out the minute
// of the entries that end at that node.
func pathToMinutes(path string) int64 {
	var minutes int64
	for i := 0; i < len(path); i++ {
		minutes = minutes*3 + int64(path[i]-'0')
	}
	return minutes
}

// Insert adds (t, h) into the tree, XOR-combining h into the root and
// every node along the path to t's leaf. Insert is commutative:
// inserting the same (t, h) pair twice XORs the hash back to its
// prior value, so callers must never double-insert the same entry.
func (tr *Tree) Insert(t hlc.Time, h uint32) error {
	minutes, err := minutesForTime(t)
	if err != nil {
		return err
	}
	path := minutesToPath(minutes)

	node := tr.Root
	node.Hash ^= h
	for i := 0; i < len(path); i++ {
		node = node.ensureChild(path[i])
		node.Hash ^= h
	}
	return nil
}

// PathToNewestLeaf descends the tree always choosing the greatest
// present child digit, returning the path reached. This is an
// approximate upper bound on the newest time summarized by the tree —
// accurate to the minute, per spec.md §9's open question, preserved
// as-is rather than "corrected" to an exact max-HLC scan.
func (tr *Tree) PathToNewestLeaf() string {
	node := tr.Root
	var path []byte
	for {
		var next *Node
		var chosen byte
		for i := len(digits) - 1; i >= 0; i-- {
			if c := node.child(digits[i]); c != nil {
				next = c
				chosen = digits[i]
				break
			}
		}
		if next == nil {
			break
		}
		path = append(path, chosen)
		node = next
	}
	return string(path)
}

// PathToMinutes converts a diff/newest-leaf path to a minute count by
// parsing it as base-3.
func PathToMinutes(path string) int64 { return pathToMinutes(path) }

// PathToMillis converts a path to a physical-time millisecond value.
func PathToMillis(path string) int64 { return pathToMinutes(path) * 60000 }

// FindDiff returns the path to the earliest point of structural
// divergence between a and b, or ok=false if their root hashes agree.
// See spec.md §4.3 for the lockstep-descent algorithm.
func FindDiff(a, b *Tree) (path string, ok bool) {
	if a.Root.Hash == b.Root.Hash {
		return "", false
	}

	curA, curB := a.Root, b.Root
	var buf []byte

	for depth := 0; depth < MaxPathLen; depth++ {
		var diffDigit byte
		foundDiff := false
		for _, d := range digits {
			ca := curA.childOrEmpty(d)
			cb := curB.childOrEmpty(d)
			if ca.Hash != cb.Hash {
				diffDigit = d
				foundDiff = true
				break
			}
		}
		if !foundDiff {
			return string(buf), true
		}
		buf = append(buf, diffDigit)
		nextA := curA.childOrEmpty(diffDigit)
		nextB := curB.childOrEmpty(diffDigit)
		if len(nextA.Children) == 0 && len(nextB.Children) == 0 {
			return string(buf), true
		}
		curA, curB = nextA, nextB
	}
	return string(buf), true
}
