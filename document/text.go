package document

import (
	"cmp"
	"slices"
	"strings"

	"weavelab/atom"
	"weavelab/weave"
)

// TextSegment is a visible run of characters contributed by a single atom.
// Offset is the rune offset of the run inside the atom's own text and Index
// is the rune offset of the run in the final value.
type TextSegment struct {
	Node   weave.Node
	Text   string
	Offset int
	Index  int
}

// EditPosition addresses a character inside an atom's own text. Count is
// only set by FindMultipleEditPositions.
type EditPosition struct {
	Node  weave.Node
	Index int
	Count int
}

// run is a maximal stretch of one atom's characters that are either all
// visible or all deleted, in final document order.
type run struct {
	node    weave.Node
	text    []rune
	start   int
	end     int
	deleted bool
}

func ownText(n weave.Node) []rune {
	switch op := n.Op().(type) {
	case atom.Value:
		return []rune(valueText(op.Initial))
	case atom.Insert:
		return []rune(op.Text)
	}
	return nil
}

type pendingInsert struct {
	node  weave.Node
	index int
}

// collectRuns expands n into document order: the atom's own characters are
// split at the indices of its visible Insert children, and each child's
// expansion is placed before the character at its index.
func collectRuns(n weave.Node, version weave.VersionVector, out []run) []run {
	text := ownText(n)
	deleted := make([]bool, len(text))
	var inserts []pendingInsert
	for c := range n.Children() {
		if !version.Includes(c.ID()) {
			continue
		}
		switch op := c.Op().(type) {
		case atom.Delete:
			start, end := op.Bounds(len(text))
			for i := start; i < end; i++ {
				deleted[i] = true
			}
		case atom.Insert:
			inserts = append(inserts, pendingInsert{node: c, index: min(max(op.Index, 0), len(text))})
		}
	}
	// Stable so inserts at the same index keep sibling order.
	slices.SortStableFunc(inserts, func(a, b pendingInsert) int {
		return cmp.Compare(a.index, b.index)
	})

	pos := 0
	for _, in := range inserts {
		out = appendRuns(out, n, text, deleted, pos, in.index)
		pos = in.index
		out = collectRuns(in.node, version, out)
	}
	return appendRuns(out, n, text, deleted, pos, len(text))
}

func appendRuns(out []run, n weave.Node, text []rune, deleted []bool, from, to int) []run {
	for from < to {
		end := from + 1
		for end < to && deleted[end] == deleted[from] {
			end++
		}
		out = append(out, run{node: n, text: text, start: from, end: end, deleted: deleted[from]})
		from = end
	}
	return out
}

func visibleRuns(value weave.Node, version weave.VersionVector) []run {
	var out []run
	for _, r := range collectRuns(value, version, nil) {
		if !r.deleted {
			out = append(out, r)
		}
	}
	return out
}

// CalculateOrderedEdits returns the visible text segments of value in final
// order. Atoms outside version contribute nothing, and neither do their
// deletes. A nil version sees every atom.
func CalculateOrderedEdits(value weave.Node, version weave.VersionVector) []TextSegment {
	var segs []TextSegment
	index := 0
	for _, r := range visibleRuns(value, version) {
		text := string(r.text[r.start:r.end])
		if n := len(segs); n > 0 {
			last := &segs[n-1]
			if last.Node == r.node && last.Offset+len([]rune(last.Text)) == r.start {
				last.Text += text
				index += r.end - r.start
				continue
			}
		}
		segs = append(segs, TextSegment{Node: r.node, Text: text, Offset: r.start, Index: index})
		index += r.end - r.start
	}
	return segs
}

// CalculateFinalEditValue returns the reconciled text of value with every
// atom visible.
func CalculateFinalEditValue(value weave.Node) string {
	var b strings.Builder
	for _, seg := range CalculateOrderedEdits(value, nil) {
		b.WriteString(seg.Text)
	}
	return b.String()
}

// FindEditPosition maps a rune index in the visible text to the atom and
// local index where an insertion should be anchored. An index on a run
// boundary resolves to the end of the preceding run. Out of range indices
// are clamped.
func FindEditPosition(value weave.Node, version weave.VersionVector, index int) EditPosition {
	runs := visibleRuns(value, version)
	index = max(index, 0)
	count := 0
	for _, r := range runs {
		length := r.end - r.start
		if index <= count+length {
			return EditPosition{Node: r.node, Index: r.start + index - count}
		}
		count += length
	}
	if len(runs) == 0 {
		return EditPosition{Node: value, Index: 0}
	}
	last := runs[len(runs)-1]
	return EditPosition{Node: last.node, Index: last.end}
}

// FindMultipleEditPositions maps the visible range [index, index+count) to
// physical ranges, one per contiguous run of a single atom. Deleted
// characters of the same atom lying between two selected runs are absorbed,
// so Count is the physical span inside the atom.
func FindMultipleEditPositions(value weave.Node, version weave.VersionVector, index, count int) []EditPosition {
	if count <= 0 {
		return nil
	}
	index = max(index, 0)
	end := index + count

	var out []EditPosition
	reach := -1
	pos := 0
	for _, r := range collectRuns(value, version, nil) {
		if pos >= end {
			break
		}
		if r.deleted {
			if n := len(out); n > 0 && out[n-1].Node == r.node && reach == r.start {
				reach = r.end
			} else {
				reach = -1
			}
			continue
		}

		length := r.end - r.start
		lo, hi := max(index, pos), min(end, pos+length)
		pos += length
		if lo >= hi {
			reach = -1
			continue
		}
		localStart := r.start + lo - (pos - length)
		localEnd := r.start + hi - (pos - length)
		if n := len(out); n > 0 && out[n-1].Node == r.node && reach == localStart {
			out[n-1].Count = localEnd - out[n-1].Index
		} else {
			out = append(out, EditPosition{Node: r.node, Index: localStart, Count: localEnd - localStart})
		}
		reach = localEnd
	}
	return out
}
