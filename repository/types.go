// Package repository provides the content-addressed object layer (indexes,
// commits and branches) used to synchronize weaves between replicas by
// exchanging only the atoms they do not share.
package repository

import (
	"errors"
	"maps"
	"slices"

	"weavelab/atom"
	"weavelab/cas"
	"weavelab/weave"
)

// Object kinds stored in a Store.
const (
	KindAtom   = atom.Kind
	KindIndex  = "Index"
	KindCommit = "Commit"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrBranchMismatch = errors.New("branch head mismatch")
	ErrWrongKind      = errors.New("unexpected object kind")
)

// Index is an immutable manifest of an atom set, addressed by the hash of
// its sorted atom hashes.
type Index struct {
	Hash  string
	atoms map[string]*atom.Atom
}

type indexPayload struct {
	Atoms []string `json:"atoms"`
}

// CreateIndex builds an index over a closed atom set.
func CreateIndex(atoms []*atom.Atom) *Index {
	ix := &Index{atoms: make(map[string]*atom.Atom, len(atoms))}
	for _, a := range atoms {
		ix.atoms[a.Hash] = a
	}
	// hashing a list of strings cannot fail
	ix.Hash, _ = cas.ObjectIDHex(KindIndex, indexPayload{Atoms: ix.Hashes()})
	return ix
}

// Hashes returns the sorted atom hashes in the index.
func (ix *Index) Hashes() []string {
	return slices.Sorted(maps.Keys(ix.atoms))
}

// Atoms returns the indexed atoms in causal order.
func (ix *Index) Atoms() []*atom.Atom {
	return weave.SortCausal(slices.Collect(maps.Values(ix.atoms)))
}

// Has reports whether the index contains the atom hash.
func (ix *Index) Has(hash string) bool {
	_, ok := ix.atoms[hash]
	return ok
}

// Get returns the atom with the given hash.
func (ix *Index) Get(hash string) (*atom.Atom, bool) {
	a, ok := ix.atoms[hash]
	return a, ok
}

// Len returns the number of atoms in the index.
func (ix *Index) Len() int {
	return len(ix.atoms)
}

// Commit is an immutable, hash-addressed snapshot event.
type Commit struct {
	Hash    string `json:"-"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
	Index   string `json:"index"`
	Parent  string `json:"parent,omitempty"`
}

// NewCommit builds a commit of index on top of parent (nil for the first
// commit). It does not touch any branch.
func NewCommit(message string, timeMs int64, index *Index, parent *Commit) *Commit {
	c := &Commit{
		Message: message,
		Time:    timeMs,
		Index:   index.Hash,
	}
	if parent != nil {
		c.Parent = parent.Hash
	}
	c.Hash, _ = cas.ObjectIDHex(KindCommit, c)
	return c
}

// Branch is a named, movable pointer to a commit or an index.
type Branch struct {
	Name string `json:"name"`
	Head string `json:"head"`
	Time int64  `json:"time"`
}

// Diff is the set difference between two indexes. It is the unit of
// network transfer between replicas.
type Diff struct {
	Additions []*atom.Atom      `json:"additions"`
	Deletions map[string]string `json:"deletions"`
}

// IsEmpty reports whether the diff carries no changes.
func (d Diff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Deletions) == 0
}

// CurrentCommit is the commit a checkout resolved, with its index and atoms.
// Commit is nil when the branch pointed directly at an index.
type CurrentCommit struct {
	Commit *Commit
	Index  *Index
	Atoms  []*atom.Atom
}

// LoadedState is the result of checking out a branch.
type LoadedState struct {
	Branch        *Branch
	CurrentCommit CurrentCommit
	Weave         *weave.Weave
	// Pending holds indexed atoms whose cause was not in the index.
	Pending []*atom.Atom
}
