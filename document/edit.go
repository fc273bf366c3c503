package document

import (
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"weavelab/atom"
	"weavelab/weave"
)

// EditKind identifies a step of a character edit.
type EditKind int

const (
	EditPreserve EditKind = iota
	EditInsert
	EditDelete
)

// EditOp is one step of a sequential edit over the visible text. Counts are
// in runes.
type EditOp struct {
	Kind  EditKind
	Count int
	Text  string
}

// Preserve skips n characters.
func Preserve(n int) EditOp { return EditOp{Kind: EditPreserve, Count: n} }

// InsertText inserts s at the current position.
func InsertText(s string) EditOp { return EditOp{Kind: EditInsert, Text: s} }

// DeleteText deletes n characters at the current position.
func DeleteText(n int) EditOp { return EditOp{Kind: EditDelete, Count: n} }

// Edit applies ops to the text of value as seen under version, creating and
// inserting the Insert and Delete atoms that express them. The created atoms
// are returned in creation order.
func Edit(w *weave.Weave, clock *atom.SiteClock, value weave.Node, version weave.VersionVector, ops ...EditOp) ([]*atom.Atom, error) {
	version = version.Clone()
	var created []*atom.Atom
	add := func(cause weave.Node, op atom.Op) error {
		a, err := atom.Create(clock, cause.Atom(), op)
		if err != nil {
			return err
		}
		if _, err := w.Insert(a); err != nil {
			return fmt.Errorf("inserting %s: %w", a.ID, err)
		}
		if version != nil {
			version.Observe(a.ID)
		}
		created = append(created, a)
		return nil
	}

	index := 0
	for _, op := range ops {
		switch op.Kind {
		case EditPreserve:
			index += op.Count
		case EditInsert:
			if op.Text == "" {
				continue
			}
			pos := FindEditPosition(value, version, index)
			if err := add(pos.Node, atom.Insert{Index: pos.Index, Text: op.Text}); err != nil {
				return created, err
			}
			index += utf8.RuneCountInString(op.Text)
		case EditDelete:
			for _, pos := range FindMultipleEditPositions(value, version, index, op.Count) {
				if err := add(pos.Node, atom.DeleteRange(pos.Index, pos.Index+pos.Count)); err != nil {
					return created, err
				}
			}
		}
	}
	return created, nil
}

// DiffEdits returns the edit sequence turning old into new.
func DiffEdits(old, new string) []EditOp {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupEfficiency(dmp.DiffMain(old, new, false))

	ops := make([]EditOp, 0, len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			ops = append(ops, Preserve(utf8.RuneCountInString(d.Text)))
		case diffmatchpatch.DiffInsert:
			ops = append(ops, InsertText(d.Text))
		case diffmatchpatch.DiffDelete:
			ops = append(ops, DeleteText(utf8.RuneCountInString(d.Text)))
		}
	}
	return ops
}
