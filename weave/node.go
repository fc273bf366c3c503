package weave

import (
	"iter"
	"slices"

	"weavelab/atom"
)

// Node is a read-only handle to an atom held by a weave. Handles stay valid
// until the atom is removed from the weave.
type Node struct {
	w *Weave
	i int
}

// IsZero reports whether n is the zero handle.
func (n Node) IsZero() bool {
	return n.w == nil
}

// Atom returns the atom stored in the node.
func (n Node) Atom() *atom.Atom {
	return n.w.nodes[n.i].atom
}

// ID returns the atom ID of the node.
func (n Node) ID() atom.ID {
	return n.Atom().ID
}

// Op returns the operation carried by the node's atom.
func (n Node) Op() atom.Op {
	return n.Atom().Value
}

// Weave returns the weave the node belongs to.
func (n Node) Weave() *Weave {
	return n.w
}

// Parent returns the node of the atom's cause.
func (n Node) Parent() (Node, bool) {
	p := n.w.nodes[n.i].parent
	if p < 0 {
		return Node{}, false
	}
	return Node{n.w, p}, true
}

// Children yields the direct children of n in sibling order.
func (n Node) Children() iter.Seq[Node] {
	children := slices.Clone(n.w.nodes[n.i].children)
	return func(yield func(Node) bool) {
		for _, c := range children {
			if !yield(Node{n.w, c}) {
				return
			}
		}
	}
}

// ChildCount returns the number of direct children.
func (n Node) ChildCount() int {
	return len(n.w.nodes[n.i].children)
}
