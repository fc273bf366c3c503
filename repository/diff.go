package repository

import (
	"fmt"
	"slices"

	"weavelab/atom"
	"weavelab/weave"
)

// CalculateDiff returns the atoms added in newIndex relative to oldIndex and
// the hashes it no longer contains. A nil oldIndex is treated as empty.
func CalculateDiff(oldIndex, newIndex *Index) Diff {
	d := Diff{Deletions: make(map[string]string)}
	if oldIndex == nil {
		oldIndex = CreateIndex(nil)
	}
	if newIndex == nil {
		newIndex = CreateIndex(nil)
	}

	var added []*atom.Atom
	for hash, a := range newIndex.atoms {
		if !oldIndex.Has(hash) {
			added = append(added, a)
		}
	}
	d.Additions = weave.SortCausal(added)

	for hash, a := range oldIndex.atoms {
		if !newIndex.Has(hash) {
			d.Deletions[hash] = a.ID.String()
		}
	}
	return d
}

// ApplyResult reports what ApplyDiff changed.
type ApplyResult struct {
	Added   []*atom.Atom
	Removed []*atom.Atom
	// Pending atoms are held back until their cause arrives.
	Pending []*atom.Atom
}

// ApplyDiff detaches every deleted atom present in w and inserts every
// addition, together with atoms held back from earlier diffs. Additions
// whose cause is still missing are returned as pending rather than failing
// the whole diff.
func ApplyDiff(w *weave.Weave, d Diff, pending []*atom.Atom) (ApplyResult, error) {
	var result ApplyResult

	hashes := make([]string, 0, len(d.Deletions))
	for hash := range d.Deletions {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)
	for _, hash := range hashes {
		n, ok := w.GetByHash(hash)
		if !ok {
			continue
		}
		result.Removed = append(result.Removed, w.Remove(n.ID())...)
	}

	batch := make([]*atom.Atom, 0, len(d.Additions)+len(pending))
	batch = append(batch, d.Additions...)
	batch = append(batch, pending...)
	added, held, err := w.AddMany(batch)
	result.Added = added
	result.Pending = held
	if err != nil {
		return result, fmt.Errorf("applying diff: %w", err)
	}
	return result, nil
}
