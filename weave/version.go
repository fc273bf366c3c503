package weave

import (
	"maps"

	"weavelab/atom"
)

// VersionVector maps each site to the newest timestamp observed from it.
// A nil vector includes every atom.
type VersionVector map[string]uint64

// Includes reports whether the atom with the given ID is visible under v.
func (v VersionVector) Includes(id atom.ID) bool {
	if v == nil {
		return true
	}
	return v[id.Site] >= id.Timestamp
}

// Observe records id in the vector.
func (v VersionVector) Observe(id atom.ID) {
	if id.Timestamp > v[id.Site] {
		v[id.Site] = id.Timestamp
	}
}

// Clone returns a copy of the vector.
func (v VersionVector) Clone() VersionVector {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Version returns the vector of every atom in the weave.
func (w *Weave) Version() VersionVector {
	v := make(VersionVector)
	for id := range w.byID {
		v.Observe(id)
	}
	return v
}
