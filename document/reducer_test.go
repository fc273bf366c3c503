package document

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"weavelab/atom"
	"weavelab/weave"
)

type reducerHarness struct {
	t     *testing.T
	w     *weave.Weave
	r     *Reducer
	clock *atom.SiteClock
	root  *atom.Atom
}

func newReducerHarness(t *testing.T, opts ...ReducerOption) *reducerHarness {
	t.Helper()
	clock := atom.NewSiteClock("local")
	root := mustCreate(t, clock, nil, atom.Root{})
	w := weave.New()
	mustInsert(t, w, root)
	return &reducerHarness{t: t, w: w, r: NewReducer(opts...), clock: clock, root: root}
}

// add creates an atom, inserts it and feeds it to the reducer.
func (h *reducerHarness) add(cause *atom.Atom, op atom.Op) (*atom.Atom, StateUpdate) {
	h.t.Helper()
	a := mustCreate(h.t, h.clock, cause, op)
	mustInsert(h.t, h.w, a)
	return a, h.r.Apply(h.w, []*atom.Atom{a})
}

func (h *reducerHarness) setTag(bot *atom.Atom, name string, v any) (*atom.Atom, *atom.Atom) {
	h.t.Helper()
	tag, _ := h.add(bot, atom.Tag{Name: name})
	value, _ := h.add(tag, atom.Value{Initial: v})
	return tag, value
}

func TestReducerBotLifecycle(t *testing.T) {
	h := newReducerHarness(t)

	bot, u := h.add(h.root, atom.Bot{ID: "b1"})
	if len(u.Added) != 1 || u.Added[0].ID != "b1" {
		t.Fatalf("adding bot: got %+v", u)
	}

	_, value := h.setTag(bot, "label", "hello")
	if got := h.r.State()["b1"].Tags["label"]; got != "hello" {
		t.Errorf("label: got %v, want hello", got)
	}

	_, u = h.add(value, atom.Insert{Index: 5, Text: " world"})
	if len(u.Updated) != 1 || u.Updated[0].Tags["label"] != "hello world" {
		t.Errorf("editing: got %+v", u)
	}

	_, u = h.add(bot, atom.Delete{})
	if !reflect.DeepEqual(u.Removed, []string{"b1"}) {
		t.Errorf("destroying: got %+v", u)
	}
	if _, ok := h.r.State()["b1"]; ok {
		t.Error("destroyed bot still in state")
	}

	_, u = h.add(bot, atom.Delete{})
	if !u.IsEmpty() {
		t.Errorf("destroying twice: got %+v, want empty update", u)
	}
}

func TestReducerTagValues(t *testing.T) {
	h := newReducerHarness(t)
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})

	tag, _ := h.setTag(bot, "count", "123")
	if got := h.r.State()["b1"].Tags["count"]; got != 123.0 {
		t.Errorf("coerced count: got %#v, want 123.0", got)
	}

	_, u := h.add(tag, atom.Value{Initial: "true"})
	if len(u.Updated) != 1 || u.Updated[0].Tags["count"] != true {
		t.Errorf("newer value: got %+v", u)
	}

	_, u = h.add(tag, atom.Value{Initial: ""})
	if len(u.Updated) != 1 || !reflect.DeepEqual(u.Updated[0].RemovedTags, []string{"count"}) {
		t.Errorf("empty value: got %+v", u)
	}
}

func TestReducerDecodedNumber(t *testing.T) {
	h := newReducerHarness(t)
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})

	h.setTag(bot, "width", json.Number("42"))
	h.setTag(bot, "height", int64(42))
	tags := h.r.State()["b1"].Tags
	if tags["width"] != 42.0 || tags["height"] != 42.0 {
		t.Errorf("numbers: got width=%#v height=%#v, want 42.0", tags["width"], tags["height"])
	}
}

func TestReducerTagEclipse(t *testing.T) {
	h := newReducerHarness(t)
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})

	h.setTag(bot, "color", "red")
	newer, _ := h.setTag(bot, "color", "blue")
	if got := h.r.State()["b1"].Tags["color"]; got != "blue" {
		t.Fatalf("color: got %v, want blue", got)
	}

	_, u := h.add(newer, atom.Delete{})
	if len(u.Updated) != 1 || u.Updated[0].Tags["color"] != "red" {
		t.Errorf("eclipsed tag: got %+v", u)
	}
}

func TestReducerMasks(t *testing.T) {
	h := newReducerHarness(t)
	h.add(h.root, atom.Bot{ID: "b1"})

	mask, u := h.add(h.root, atom.TagMask{BotID: "b1", Name: "hidden"})
	if !u.IsEmpty() {
		t.Errorf("mask without value: got %+v", u)
	}
	_, u = h.add(mask, atom.Value{Initial: "yes"})
	if len(u.Updated) != 1 || u.Updated[0].Masks["hidden"] != "yes" {
		t.Errorf("mask value: got %+v", u)
	}
	if got := h.r.State()["b1"].Masks["hidden"]; got != "yes" {
		t.Errorf("state mask: got %v", got)
	}
}

func TestReducerIsIdempotent(t *testing.T) {
	h := newReducerHarness(t)
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})
	h.setTag(bot, "name", "x")

	if u := h.r.Apply(h.w, h.w.Atoms()); !u.IsEmpty() {
		t.Errorf("reapplying: got %+v, want empty update", u)
	}
}

func TestReducerCustomCoercer(t *testing.T) {
	h := newReducerHarness(t, WithCoercer(func(s string) any { return strings.ToUpper(s) }))
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})
	h.setTag(bot, "name", "shout")
	if got := h.r.State()["b1"].Tags["name"]; got != "SHOUT" {
		t.Errorf("got %v, want SHOUT", got)
	}
}

func TestReducerReset(t *testing.T) {
	h := newReducerHarness(t)
	bot, _ := h.add(h.root, atom.Bot{ID: "b1"})
	h.setTag(bot, "name", "x")
	other, _ := h.add(h.root, atom.Bot{ID: "b2"})

	h.w.Remove(other.ID)
	u := h.r.Reset(h.w)
	if !reflect.DeepEqual(u.Removed, []string{"b2"}) || len(u.Added) != 0 || len(u.Updated) != 0 {
		t.Errorf("got %+v", u)
	}

	fresh := NewReducer()
	u = fresh.Reset(h.w)
	if len(u.Added) != 1 || u.Added[0].Tags["name"] != "x" {
		t.Errorf("fresh reset: got %+v", u)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"12", 12.0},
		{"-1.5", -1.5},
		{".5", 0.5},
		{"1e3", 1000.0},
		{"true", true},
		{"false", false},
		{"True", "True"},
		{"NaN", "NaN"},
		{"0x10", "0x10"},
		{"12abc", "12abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.in); got != tt.want {
			t.Errorf("ParseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
