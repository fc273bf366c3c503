package document

import (
	"testing"

	"weavelab/atom"
	"weavelab/weave"
)

func mustCreate(t *testing.T, clock *atom.SiteClock, cause *atom.Atom, op atom.Op) *atom.Atom {
	t.Helper()
	a, err := atom.Create(clock, cause, op)
	if err != nil {
		t.Fatalf("creating atom: %v", err)
	}
	return a
}

func mustInsert(t *testing.T, w *weave.Weave, atoms ...*atom.Atom) {
	t.Helper()
	for _, a := range atoms {
		if _, err := w.Insert(a); err != nil {
			t.Fatalf("inserting %s: %v", a.ID, err)
		}
	}
}

func mustGet(t *testing.T, w *weave.Weave, a *atom.Atom) weave.Node {
	t.Helper()
	n, ok := w.Get(a.ID)
	if !ok {
		t.Fatalf("atom %s not in weave", a.ID)
	}
	return n
}

// textFixture is a bot with a single tag whose value is "111".
type textFixture struct {
	clock *atom.SiteClock
	root  *atom.Atom
	bot   *atom.Atom
	tag   *atom.Atom
	value *atom.Atom
}

func newTextFixture(t *testing.T, initial any) textFixture {
	t.Helper()
	clock := atom.NewSiteClock("base")
	root := mustCreate(t, clock, nil, atom.Root{})
	bot := mustCreate(t, clock, root, atom.Bot{ID: "bot1"})
	tag := mustCreate(t, clock, bot, atom.Tag{Name: "text"})
	value := mustCreate(t, clock, tag, atom.Value{Initial: initial})
	return textFixture{clock: clock, root: root, bot: bot, tag: tag, value: value}
}

func (f textFixture) atoms() []*atom.Atom {
	return []*atom.Atom{f.root, f.bot, f.tag, f.value}
}

func (f textFixture) weave(t *testing.T, extra ...*atom.Atom) *weave.Weave {
	t.Helper()
	w := weave.New()
	mustInsert(t, w, f.atoms()...)
	mustInsert(t, w, extra...)
	return w
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append([]int{}, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestReconcileConcurrentEditsInEveryOrder(t *testing.T) {
	f := newTextFixture(t, "111")
	edits := []*atom.Atom{
		mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 0, Text: "222"}),
		mustCreate(t, atom.NewSiteClock("s3"), f.value, atom.Insert{Index: 2, Text: "333"}),
		mustCreate(t, atom.NewSiteClock("s4"), f.value, atom.DeleteRange(1, 2)),
	}

	perms := permutations(len(edits))
	if len(perms) != 6 {
		t.Fatalf("got %d permutations, want 6", len(perms))
	}
	for _, p := range perms {
		w := f.weave(t)
		for _, i := range p {
			mustInsert(t, w, edits[i])
		}
		got := CalculateFinalEditValue(mustGet(t, w, f.value))
		if got != "22213331" {
			t.Errorf("order %v: got %q, want %q", p, got, "22213331")
		}
	}
}

func TestCalculateOrderedEdits(t *testing.T) {
	f := newTextFixture(t, "111")
	ins := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 0, Text: "222"})
	del := mustCreate(t, atom.NewSiteClock("s3"), f.value, atom.DeleteRange(1, 2))
	w := f.weave(t, ins, del)
	value := mustGet(t, w, f.value)

	segs := CalculateOrderedEdits(value, nil)
	want := []struct {
		id     atom.ID
		text   string
		offset int
		index  int
	}{
		{ins.ID, "222", 0, 0},
		{f.value.ID, "1", 0, 3},
		{f.value.ID, "1", 2, 4},
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments, want %d", len(segs), len(want))
	}
	for i, w := range want {
		s := segs[i]
		if s.Node.ID() != w.id || s.Text != w.text || s.Offset != w.offset || s.Index != w.index {
			t.Errorf("segment %d: got {%s %q %d %d}, want {%s %q %d %d}",
				i, s.Node.ID(), s.Text, s.Offset, s.Index, w.id, w.text, w.offset, w.index)
		}
	}
}

func TestVersionHidesAtoms(t *testing.T) {
	f := newTextFixture(t, "111")
	ins := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 0, Text: "222"})
	del := mustCreate(t, atom.NewSiteClock("s3"), f.value, atom.DeleteRange(0, 3))
	w := f.weave(t, ins, del)
	value := mustGet(t, w, f.value)

	version := weave.VersionVector{"base": f.value.ID.Timestamp, "s2": ins.ID.Timestamp}
	var got string
	for _, s := range CalculateOrderedEdits(value, version) {
		got += s.Text
	}
	if got != "222111" {
		t.Errorf("got %q, want %q", got, "222111")
	}
	if all := CalculateFinalEditValue(value); all != "222" {
		t.Errorf("final value: got %q, want %q", all, "222")
	}
}

func TestFindEditPosition(t *testing.T) {
	f := newTextFixture(t, "111")
	ins := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 0, Text: "222"})
	w := f.weave(t, ins)
	value := mustGet(t, w, f.value)

	tests := []struct {
		name  string
		index int
		node  atom.ID
		local int
	}{
		{"start", 0, ins.ID, 0},
		{"inside insert", 2, ins.ID, 2},
		{"boundary prefers previous run", 3, ins.ID, 3},
		{"inside value", 4, f.value.ID, 1},
		{"end", 6, f.value.ID, 3},
		{"past end clamps", 42, f.value.ID, 3},
		{"negative clamps", -5, ins.ID, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := FindEditPosition(value, nil, tt.index)
			if pos.Node.ID() != tt.node || pos.Index != tt.local {
				t.Errorf("got (%s, %d), want (%s, %d)", pos.Node.ID(), pos.Index, tt.node, tt.local)
			}
		})
	}
}

func TestFindEditPositionRespectsVersion(t *testing.T) {
	f := newTextFixture(t, "111")
	ins := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 0, Text: "222"})
	w := f.weave(t, ins)
	value := mustGet(t, w, f.value)

	version := weave.VersionVector{"base": f.value.ID.Timestamp}
	pos := FindEditPosition(value, version, 4)
	if pos.Node.ID() != f.value.ID || pos.Index != 3 {
		t.Errorf("got (%s, %d), want (%s, 3)", pos.Node.ID(), pos.Index, f.value.ID)
	}
}

func TestFindEditPositionEmptyValue(t *testing.T) {
	f := newTextFixture(t, "")
	w := f.weave(t)
	pos := FindEditPosition(mustGet(t, w, f.value), nil, 3)
	if pos.Node.ID() != f.value.ID || pos.Index != 0 {
		t.Errorf("got (%s, %d), want (%s, 0)", pos.Node.ID(), pos.Index, f.value.ID)
	}
}

func TestFindMultipleEditPositions(t *testing.T) {
	f := newTextFixture(t, "abc")
	ins := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Insert{Index: 1, Text: "XY"})
	w := f.weave(t, ins)
	value := mustGet(t, w, f.value)

	// Visible text is "aXYbc".
	got := FindMultipleEditPositions(value, nil, 0, 4)
	want := []EditPosition{
		{Node: mustGet(t, w, f.value), Index: 0, Count: 1},
		{Node: mustGet(t, w, ins), Index: 0, Count: 2},
		{Node: mustGet(t, w, f.value), Index: 1, Count: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d positions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got (%s, %d, %d), want (%s, %d, %d)", i,
				got[i].Node.ID(), got[i].Index, got[i].Count,
				want[i].Node.ID(), want[i].Index, want[i].Count)
		}
	}

	if got := FindMultipleEditPositions(value, nil, 1, 0); got != nil {
		t.Errorf("zero count: got %v, want nil", got)
	}
	if got := FindMultipleEditPositions(value, nil, 4, 10); len(got) != 1 || got[0].Index != 2 || got[0].Count != 1 {
		t.Errorf("clamped tail: got %+v", got)
	}
}

func TestFindMultipleEditPositionsAbsorbsDeletedGap(t *testing.T) {
	f := newTextFixture(t, "abcd")
	del := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.DeleteRange(1, 3))
	w := f.weave(t, del)
	value := mustGet(t, w, f.value)

	// Visible text is "ad"; the deleted "bc" sits between the two runs.
	got := FindMultipleEditPositions(value, nil, 0, 2)
	if len(got) != 1 {
		t.Fatalf("got %d positions, want 1", len(got))
	}
	if got[0].Index != 0 || got[0].Count != 4 {
		t.Errorf("got (%d, %d), want (0, 4)", got[0].Index, got[0].Count)
	}
}

func TestTombstoneIsNonDestructive(t *testing.T) {
	f := newTextFixture(t, "hello")
	del := mustCreate(t, atom.NewSiteClock("s2"), f.value, atom.Delete{})
	w := f.weave(t, del)

	value := mustGet(t, w, f.value)
	if !IsTombstoned(value) {
		t.Fatal("value should be tombstoned")
	}
	if _, ok := w.Get(f.value.ID); !ok {
		t.Fatal("tombstoned atom must stay in the weave")
	}
	if got := CalculateFinalEditValue(value); got != "" {
		t.Errorf("got %q, want empty text", got)
	}
	if _, ok := FindValueNode(mustGet(t, w, f.tag)); ok {
		t.Error("FindValueNode returned a tombstoned value")
	}
}

func TestFindNodes(t *testing.T) {
	f := newTextFixture(t, "x")
	clock := atom.NewSiteClock("s2")
	older := mustCreate(t, clock, f.root, atom.Bot{ID: "bot2"})
	newer := mustCreate(t, clock, f.root, atom.Bot{ID: "bot2"})
	kill := mustCreate(t, clock, newer, atom.Delete{})
	mask := mustCreate(t, clock, f.root, atom.TagMask{BotID: "bot2", Name: "color"})
	w := f.weave(t, older, newer, kill, mask)

	bot, ok := FindBotNode(w, "bot2")
	if !ok || bot.ID() != older.ID {
		t.Fatalf("FindBotNode: got %v %v, want %s", bot.IsZero(), ok, older.ID)
	}
	if _, ok := FindBotNode(w, "missing"); ok {
		t.Error("found a missing bot")
	}
	tag, ok := FindTagNode(mustGet(t, w, f.bot), "text")
	if !ok || tag.ID() != f.tag.ID {
		t.Errorf("FindTagNode: got %v", ok)
	}
	if m, ok := FindTagMaskNode(w, "bot2", "color"); !ok || m.ID() != mask.ID {
		t.Errorf("FindTagMaskNode: got %v", ok)
	}
	if ids := BotIDs(w); len(ids) != 2 {
		t.Errorf("BotIDs: got %v", ids)
	}
}
