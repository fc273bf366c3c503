package document

import (
	"testing"

	"weavelab/atom"
)

func TestEditSequence(t *testing.T) {
	f := newTextFixture(t, "abc")
	w := f.weave(t)
	value := mustGet(t, w, f.value)

	created, err := Edit(w, atom.NewSiteClock("s2"), value, nil, Preserve(1), InsertText("Z"), DeleteText(1))
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("got %d atoms, want 2", len(created))
	}
	if got := CalculateFinalEditValue(mustGet(t, w, f.value)); got != "aZc" {
		t.Errorf("got %q, want %q", got, "aZc")
	}
}

func TestEditWithVersionObservesOwnAtoms(t *testing.T) {
	f := newTextFixture(t, "abc")
	w := f.weave(t)
	value := mustGet(t, w, f.value)

	version := w.Version()
	_, err := Edit(w, atom.NewSiteClock("s2"), value, version, InsertText("xy"), DeleteText(1))
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := CalculateFinalEditValue(value); got != "xybc" {
		t.Errorf("got %q, want %q", got, "xybc")
	}
	if _, ok := version["s2"]; ok {
		t.Error("Edit mutated the caller's version vector")
	}
}

func TestDiffEditsRoundTrip(t *testing.T) {
	tests := []struct {
		old, new string
	}{
		{"hello world", "hello brave new world"},
		{"hello world", "world"},
		{"", "fresh"},
		{"gone", ""},
		{"héllo", "hällo wörld"},
		{"same", "same"},
	}
	for _, tt := range tests {
		t.Run(tt.old+"->"+tt.new, func(t *testing.T) {
			f := newTextFixture(t, tt.old)
			w := f.weave(t)
			value := mustGet(t, w, f.value)

			if _, err := Edit(w, atom.NewSiteClock("s2"), value, nil, DiffEdits(tt.old, tt.new)...); err != nil {
				t.Fatalf("Edit: %v", err)
			}
			if got := CalculateFinalEditValue(value); got != tt.new {
				t.Errorf("got %q, want %q", got, tt.new)
			}
		})
	}
}

func TestConcurrentTypingConverges(t *testing.T) {
	f := newTextFixture(t, "ab")
	a := f.weave(t)
	b := f.weave(t)

	ca, err := Edit(a, atom.NewSiteClock("alice"), mustGet(t, a, f.value), nil, Preserve(1), InsertText("X"))
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Edit(b, atom.NewSiteClock("bob"), mustGet(t, b, f.value), nil, Preserve(1), InsertText("Y"), DeleteText(1))
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, a, cb...)
	mustInsert(t, b, ca...)

	ta := CalculateFinalEditValue(mustGet(t, a, f.value))
	tb := CalculateFinalEditValue(mustGet(t, b, f.value))
	if ta != tb {
		t.Fatalf("replicas diverged: %q vs %q", ta, tb)
	}
	if len(ta) != 3 {
		t.Errorf("got %q, want both inserts and the deletion", ta)
	}
}
