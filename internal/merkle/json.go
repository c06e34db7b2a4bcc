package merkle

import (
	json "github.com/goccy/go-json"
)

// wireNode mirrors spec.md §6's Merkle snapshot form: {"hash": n, "0":
// {...}, "1": {...}, "2": {...}} with child keys present only when
// that child exists.
type wireNode struct {
	Hash uint32     `json:"hash"`
	Zero *wireNode  `json:"0,omitempty"`
	One  *wireNode  `json:"1,omitempty"`
	Two  *wireNode  `json:"2,omitempty"`
}

func toWire(n *Node) *wireNode {
	if n == nil {
		return nil
	}
	w := &wireNode{Hash: n.Hash}
	w.Zero = toWire(n.child('0'))
	w.One = toWire(n.child('1'))
	w.Two = toWire(n.child('2'))
	return w
}

func fromWire(w *wireNode) *Node {
	if w == nil {
		return nil
	}
	n := &Node{Hash: w.Hash}
	for d, c := range map[byte]*wireNode{'0': w.Zero, '1': w.One, '2': w.Two} {
		if c == nil {
			continue
		}
		if n.Children == nil {
			n.Children = make(map[byte]*Node, 3)
		}
		n.Children[d] = fromWire(c)
	}
	return n
}

// MarshalJSON renders the tree in spec.md §6's snapshot form.
func (tr *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(tr.Root))
}

// UnmarshalJSON parses a spec.md §6 snapshot into a tree.
func (tr *Tree) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	tr.Root = fromWire(&w)
	return nil
}
