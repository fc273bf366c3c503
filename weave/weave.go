// Package weave implements the causally ordered forest of atoms that every
// replica of a document maintains.
//
// Atoms live in an arena; parents and children refer to each other by slot
// index. Siblings are kept sorted by atom.Compare, so a depth-first traversal
// yields the same order on every replica holding the same atom set, whatever
// order the atoms arrived in.
package weave

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"weavelab/atom"
)

var (
	ErrCauseNotFound = errors.New("cause not found")
	ErrConflict      = errors.New("conflicting atom for id")
	ErrInvalidAtom   = errors.New("invalid atom")
)

type node struct {
	atom     *atom.Atom
	parent   int
	children []int
}

// Weave is an ordered forest of atoms. It is not safe for concurrent
// mutation; callers serialize Insert, AddMany and Remove per instance.
type Weave struct {
	nodes  []node
	byID   map[atom.ID]int
	byHash map[string]int
	roots  []int

	// set by FromOrdered when the input was not a well-formed traversal
	broken bool
}

// New returns an empty weave.
func New() *Weave {
	return &Weave{
		byID:   make(map[atom.ID]int),
		byHash: make(map[string]int),
	}
}

// OutcomeKind describes what an insert did.
type OutcomeKind int

const (
	Added OutcomeKind = iota
	AlreadyPresent
)

func (k OutcomeKind) String() string {
	if k == AlreadyPresent {
		return "already_present"
	}
	return "added"
}

// Outcome is the successful result of Insert.
type Outcome struct {
	Kind OutcomeKind
	Node Node
}

// Insert adds an atom below its cause. Inserting an atom that is already
// present is a no-op success; a different atom reusing a present ID is
// rejected with ErrConflict. An atom whose hash does not match its content
// is rejected with atom.ErrHashMismatch.
func (w *Weave) Insert(a *atom.Atom) (Outcome, error) {
	if a == nil || a.Value == nil || a.Hash == "" {
		return Outcome{}, ErrInvalidAtom
	}
	if err := a.Verify(); err != nil {
		return Outcome{}, err
	}
	if i, ok := w.byID[a.ID]; ok {
		if w.nodes[i].atom.Hash != a.Hash {
			return Outcome{}, fmt.Errorf("%w: %s", ErrConflict, a.ID)
		}
		return Outcome{Kind: AlreadyPresent, Node: Node{w, i}}, nil
	}

	parent := -1
	if a.Cause != nil {
		p, ok := w.byID[*a.Cause]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s (for %s)", ErrCauseNotFound, *a.Cause, a.ID)
		}
		parent = p
	}

	i := len(w.nodes)
	w.nodes = append(w.nodes, node{atom: a, parent: parent})
	w.byID[a.ID] = i
	w.byHash[a.Hash] = i
	if parent < 0 {
		w.roots = w.insertSibling(w.roots, i)
	} else {
		w.nodes[parent].children = w.insertSibling(w.nodes[parent].children, i)
	}
	return Outcome{Kind: Added, Node: Node{w, i}}, nil
}

func (w *Weave) insertSibling(siblings []int, i int) []int {
	j, _ := slices.BinarySearchFunc(siblings, i, func(e, target int) int {
		return atom.Compare(w.nodes[e].atom.ID, w.nodes[target].atom.ID)
	})
	return slices.Insert(siblings, j, i)
}

// AddMany inserts atoms given in any order. Atoms whose cause is not
// available, even after every other atom was inserted, are returned as
// pending so the caller can retry them with a later batch. Conflicts are
// joined into err; the remaining atoms are still inserted.
func (w *Weave) AddMany(atoms []*atom.Atom) (added, pending []*atom.Atom, err error) {
	waiting := make(map[atom.ID][]*atom.Atom)
	queue := slices.Clone(atoms)
	var errs []error

	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]

		out, ierr := w.Insert(a)
		if errors.Is(ierr, ErrCauseNotFound) {
			waiting[*a.Cause] = append(waiting[*a.Cause], a)
			continue
		}
		if ierr != nil {
			errs = append(errs, ierr)
			continue
		}
		if out.Kind == Added {
			added = append(added, a)
		}
		if ws, ok := waiting[a.ID]; ok {
			delete(waiting, a.ID)
			queue = append(queue, ws...)
		}
	}

	for _, ws := range waiting {
		pending = append(pending, ws...)
	}
	slices.SortFunc(pending, func(x, y *atom.Atom) int {
		return atom.Compare(x.ID, y.ID)
	})
	return added, pending, errors.Join(errs...)
}

// Remove detaches an atom and its causal group from the weave. It is meant
// for pruning and diff application, not for user deletes, which are Delete
// atoms. The removed atoms are returned in weave order.
func (w *Weave) Remove(id atom.ID) []*atom.Atom {
	i, ok := w.byID[id]
	if !ok {
		return nil
	}

	removed := []*atom.Atom{w.nodes[i].atom}
	for n := range w.IterateCausalGroup(Node{w, i}) {
		removed = append(removed, n.Atom())
	}
	for _, a := range removed {
		delete(w.byID, a.ID)
		delete(w.byHash, a.Hash)
	}

	if p := w.nodes[i].parent; p < 0 {
		w.roots = slices.DeleteFunc(w.roots, func(e int) bool { return e == i })
	} else {
		w.nodes[p].children = slices.DeleteFunc(w.nodes[p].children, func(e int) bool { return e == i })
	}
	return removed
}

// Get returns the node holding the atom with the given ID.
func (w *Weave) Get(id atom.ID) (Node, bool) {
	i, ok := w.byID[id]
	if !ok {
		return Node{}, false
	}
	return Node{w, i}, true
}

// GetByHash returns the node holding the atom with the given hash.
func (w *Weave) GetByHash(hash string) (Node, bool) {
	i, ok := w.byHash[hash]
	if !ok {
		return Node{}, false
	}
	return Node{w, i}, true
}

// Len returns the number of atoms in the weave.
func (w *Weave) Len() int {
	return len(w.byID)
}

// Roots yields the root nodes in sibling order.
func (w *Weave) Roots() iter.Seq[Node] {
	roots := slices.Clone(w.roots)
	return func(yield func(Node) bool) {
		for _, i := range roots {
			if !yield(Node{w, i}) {
				return
			}
		}
	}
}

// Root returns the first root node.
func (w *Weave) Root() (Node, bool) {
	if len(w.roots) == 0 {
		return Node{}, false
	}
	return Node{w, w.roots[0]}, true
}

// Nodes yields every node in weave order.
func (w *Weave) Nodes() iter.Seq[Node] {
	return w.walk(w.roots)
}

// IterateCausalGroup yields every descendant of n in weave order. Each level
// is snapshotted when it is entered, so atoms inserted during iteration may
// or may not be observed.
func (w *Weave) IterateCausalGroup(n Node) iter.Seq[Node] {
	return w.walk(w.nodes[n.i].children)
}

func (w *Weave) walk(start []int) iter.Seq[Node] {
	return func(yield func(Node) bool) {
		stack := [][]int{slices.Clone(start)}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(*top) == 0 {
				stack = stack[:len(stack)-1]
				continue
			}
			i := (*top)[0]
			*top = (*top)[1:]
			if !yield(Node{w, i}) {
				return
			}
			if ch := w.nodes[i].children; len(ch) > 0 {
				stack = append(stack, slices.Clone(ch))
			}
		}
	}
}

// Atoms returns every atom in weave order.
func (w *Weave) Atoms() []*atom.Atom {
	atoms := make([]*atom.Atom, 0, w.Len())
	for n := range w.Nodes() {
		atoms = append(atoms, n.Atom())
	}
	return atoms
}

// Copy returns an independent weave sharing the immutable atoms.
func (w *Weave) Copy() *Weave {
	c := &Weave{
		nodes:  make([]node, len(w.nodes)),
		byID:   make(map[atom.ID]int, len(w.byID)),
		byHash: make(map[string]int, len(w.byHash)),
		roots:  slices.Clone(w.roots),
		broken: w.broken,
	}
	for i, n := range w.nodes {
		c.nodes[i] = node{atom: n.atom, parent: n.parent, children: slices.Clone(n.children)}
	}
	for k, v := range w.byID {
		c.byID[k] = v
	}
	for k, v := range w.byHash {
		c.byHash[k] = v
	}
	return c
}

// IsValid reports whether every atom's cause precedes it in traversal order,
// siblings are in comparator order and every atom is reachable.
func (w *Weave) IsValid() bool {
	if w.broken {
		return false
	}
	if !w.siblingsSorted(w.roots) {
		return false
	}

	seen := make(map[atom.ID]bool, w.Len())
	count := 0
	for n := range w.Nodes() {
		a := n.Atom()
		if seen[a.ID] {
			return false
		}
		if a.Cause != nil {
			if !seen[*a.Cause] {
				return false
			}
			p, ok := n.Parent()
			if !ok || p.Atom().ID != *a.Cause {
				return false
			}
		} else if n.w.nodes[n.i].parent >= 0 {
			return false
		}
		if !w.siblingsSorted(w.nodes[n.i].children) {
			return false
		}
		seen[a.ID] = true
		count++
	}
	return count == w.Len()
}

func (w *Weave) siblingsSorted(siblings []int) bool {
	for k := 1; k < len(siblings); k++ {
		if atom.Compare(w.nodes[siblings[k-1]].atom.ID, w.nodes[siblings[k]].atom.ID) >= 0 {
			return false
		}
	}
	return true
}

// FromOrdered rebuilds a weave from atoms already in weave order without
// re-sorting siblings. It trusts the input; callers must check IsValid
// before using the result.
func FromOrdered(atoms []*atom.Atom) *Weave {
	w := New()
	var path []int
	for _, a := range atoms {
		if a == nil || a.Hash == "" {
			w.broken = true
			continue
		}
		if _, dup := w.byID[a.ID]; dup {
			w.broken = true
			continue
		}

		parent := -1
		if a.Cause != nil {
			for len(path) > 0 && w.nodes[path[len(path)-1]].atom.ID != *a.Cause {
				path = path[:len(path)-1]
			}
			if len(path) == 0 {
				// cause missing or not an ancestor of the previous atom
				w.broken = true
				continue
			}
			parent = path[len(path)-1]
		} else {
			path = path[:0]
		}

		i := len(w.nodes)
		w.nodes = append(w.nodes, node{atom: a, parent: parent})
		w.byID[a.ID] = i
		w.byHash[a.Hash] = i
		if parent < 0 {
			w.roots = append(w.roots, i)
		} else {
			w.nodes[parent].children = append(w.nodes[parent].children, i)
		}
		path = append(path, i)
	}
	return w
}

// SortCausal returns atoms in an order where every cause precedes its
// effects. Lamport timestamps always exceed their cause's, so ascending
// timestamp order is causal for well-formed input.
func SortCausal(atoms []*atom.Atom) []*atom.Atom {
	sorted := slices.Clone(atoms)
	slices.SortStableFunc(sorted, func(x, y *atom.Atom) int {
		if x.ID.Timestamp != y.ID.Timestamp {
			if x.ID.Timestamp < y.ID.Timestamp {
				return -1
			}
			return 1
		}
		return -atom.Compare(x.ID, y.ID)
	})
	return sorted
}
