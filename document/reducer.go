package document

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"

	"weavelab/atom"
	"weavelab/weave"
)

// Entity is the materialized state of one bot.
type Entity struct {
	ID    string         `json:"id"`
	Tags  map[string]any `json:"tags"`
	Masks map[string]any `json:"masks,omitempty"`
}

func (e *Entity) clone() *Entity {
	c := &Entity{ID: e.ID, Tags: maps.Clone(e.Tags), Masks: maps.Clone(e.Masks)}
	if c.Tags == nil {
		c.Tags = make(map[string]any)
	}
	return c
}

// State maps bot IDs to entities.
type State map[string]*Entity

// EntityUpdate lists the changes to an entity that already existed.
type EntityUpdate struct {
	ID           string         `json:"id"`
	Tags         map[string]any `json:"tags,omitempty"`
	RemovedTags  []string       `json:"removedTags,omitempty"`
	Masks        map[string]any `json:"masks,omitempty"`
	RemovedMasks []string       `json:"removedMasks,omitempty"`
}

func (u EntityUpdate) isEmpty() bool {
	return len(u.Tags) == 0 && len(u.RemovedTags) == 0 && len(u.Masks) == 0 && len(u.RemovedMasks) == 0
}

// StateUpdate is the synchronous result of feeding atoms to a Reducer.
type StateUpdate struct {
	Added   []*Entity      `json:"added,omitempty"`
	Updated []EntityUpdate `json:"updated,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// IsEmpty reports whether the update carries no changes.
func (u StateUpdate) IsEmpty() bool {
	return len(u.Added) == 0 && len(u.Updated) == 0 && len(u.Removed) == 0
}

// Merge appends the changes of o to u.
func (u StateUpdate) Merge(o StateUpdate) StateUpdate {
	return StateUpdate{
		Added:   append(u.Added, o.Added...),
		Updated: append(u.Updated, o.Updated...),
		Removed: append(u.Removed, o.Removed...),
	}
}

// Reducer folds atoms into precalculated entity state.
type Reducer struct {
	state  State
	masks  map[string]map[string]any
	coerce Coercer
}

// ReducerOption configures a Reducer.
type ReducerOption func(*Reducer)

// WithCoercer replaces the default ParseValue coercion.
func WithCoercer(c Coercer) ReducerOption {
	return func(r *Reducer) { r.coerce = c }
}

// NewReducer returns a reducer with empty state.
func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		state:  make(State),
		masks:  make(map[string]map[string]any),
		coerce: ParseValue,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns a copy of the current state.
func (r *Reducer) State() State {
	out := make(State, len(r.state))
	for id, e := range r.state {
		out[id] = e.clone()
	}
	return out
}

type tagKey struct {
	bot  string
	name string
}

// Apply recomputes every entity, tag and mask touched by atoms, which must
// already be in w. Atoms no longer in w are skipped.
func (r *Reducer) Apply(w *weave.Weave, atoms []*atom.Atom) StateUpdate {
	bots := make(map[string]bool)
	tags := make(map[tagKey]bool)
	masks := make(map[tagKey]bool)
	for _, a := range atoms {
		n, ok := w.Get(a.ID)
		if !ok {
			continue
		}
		r.classify(n, bots, tags, masks)
	}

	var u StateUpdate
	updates := make(map[string]*EntityUpdate)
	update := func(id string) *EntityUpdate {
		if eu, ok := updates[id]; ok {
			return eu
		}
		eu := &EntityUpdate{ID: id}
		updates[id] = eu
		return eu
	}

	for _, k := range sortedKeys(masks) {
		v, ok := r.maskValue(w, k)
		old, had := r.masks[k.bot][k.name]
		switch {
		case ok && (!had || !reflect.DeepEqual(old, v)):
			if r.masks[k.bot] == nil {
				r.masks[k.bot] = make(map[string]any)
			}
			r.masks[k.bot][k.name] = v
		case !ok && had:
			delete(r.masks[k.bot], k.name)
		default:
			continue
		}
		e, live := r.state[k.bot]
		if !live || bots[k.bot] {
			continue
		}
		eu := update(k.bot)
		if ok {
			setEntry(&e.Masks, k.name, v)
			setEntry(&eu.Masks, k.name, v)
		} else {
			delete(e.Masks, k.name)
			eu.RemovedMasks = append(eu.RemovedMasks, k.name)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(bots)) {
		next := r.entity(w, id)
		prev, had := r.state[id]
		switch {
		case next == nil && had:
			delete(r.state, id)
			u.Removed = append(u.Removed, id)
		case next != nil && !had:
			r.state[id] = next
			u.Added = append(u.Added, next.clone())
		case next != nil:
			r.state[id] = next
			if eu := diffEntity(prev, next); !eu.isEmpty() {
				updates[id] = &eu
			}
		}
	}

	for _, k := range sortedKeys(tags) {
		e, live := r.state[k.bot]
		if !live || bots[k.bot] {
			continue
		}
		v, ok := r.tagValue(w, k)
		old, had := e.Tags[k.name]
		switch {
		case ok && (!had || !reflect.DeepEqual(old, v)):
			e.Tags[k.name] = v
			setEntry(&update(k.bot).Tags, k.name, v)
		case !ok && had:
			delete(e.Tags, k.name)
			eu := update(k.bot)
			eu.RemovedTags = append(eu.RemovedTags, k.name)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(updates)) {
		if eu := updates[id]; !eu.isEmpty() {
			u.Updated = append(u.Updated, *eu)
		}
	}
	return u
}

// Reset recomputes the state of every bot in w from scratch, reporting the
// differences against the previous state. It is used after atoms have been
// removed from the weave.
func (r *Reducer) Reset(w *weave.Weave) StateUpdate {
	prev := r.state
	r.masks = make(map[string]map[string]any)
	for root := range w.Roots() {
		for c := range root.Children() {
			m, ok := c.Op().(atom.TagMask)
			if !ok {
				continue
			}
			k := tagKey{m.BotID, m.Name}
			if _, done := r.masks[k.bot][k.name]; done {
				continue
			}
			if v, ok := r.maskValue(w, k); ok {
				if r.masks[k.bot] == nil {
					r.masks[k.bot] = make(map[string]any)
				}
				r.masks[k.bot][k.name] = v
			}
		}
	}
	r.state = make(State)
	for _, id := range BotIDs(w) {
		r.state[id] = r.entity(w, id)
	}

	var u StateUpdate
	for _, id := range slices.Sorted(maps.Keys(r.state)) {
		next := r.state[id]
		old, had := prev[id]
		if !had {
			u.Added = append(u.Added, next.clone())
			continue
		}
		if eu := diffEntity(old, next); !eu.isEmpty() {
			u.Updated = append(u.Updated, eu)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := r.state[id]; !ok {
			u.Removed = append(u.Removed, id)
		}
	}
	return u
}

func diffEntity(prev, next *Entity) EntityUpdate {
	eu := EntityUpdate{ID: next.ID}
	eu.Tags, eu.RemovedTags = diffValues(prev.Tags, next.Tags)
	eu.Masks, eu.RemovedMasks = diffValues(prev.Masks, next.Masks)
	return eu
}

func diffValues(prev, next map[string]any) (changed map[string]any, removed []string) {
	for _, name := range slices.Sorted(maps.Keys(next)) {
		if old, ok := prev[name]; !ok || !reflect.DeepEqual(old, next[name]) {
			setEntry(&changed, name, next[name])
		}
	}
	for _, name := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	return changed, removed
}

// classify records what needs recomputing after n was added.
func (r *Reducer) classify(n weave.Node, bots map[string]bool, tags, masks map[tagKey]bool) {
	var path []weave.Node
	for p, ok := n, true; ok; p, ok = p.Parent() {
		path = append(path, p)
	}
	// path runs from n up to the root; walk it top-down.
	for i := len(path) - 1; i >= 0; i-- {
		switch op := path[i].Op().(type) {
		case atom.Bot:
			if i == 0 || (i == 1 && isRangeless(path[0])) {
				bots[op.ID] = true
				return
			}
			if t, ok := path[i-1].Op().(atom.Tag); ok {
				tags[tagKey{op.ID, t.Name}] = true
			}
			return
		case atom.TagMask:
			masks[tagKey{op.BotID, op.Name}] = true
			return
		}
	}
}

func isRangeless(n weave.Node) bool {
	d, ok := n.Op().(atom.Delete)
	return ok && !d.IsRanged()
}

func (r *Reducer) entity(w *weave.Weave, id string) *Entity {
	bot, ok := FindBotNode(w, id)
	if !ok {
		return nil
	}
	e := &Entity{ID: id, Tags: make(map[string]any)}
	seen := make(map[string]bool)
	for c := range bot.Children() {
		t, ok := c.Op().(atom.Tag)
		if !ok || seen[t.Name] || IsTombstoned(c) {
			continue
		}
		seen[t.Name] = true
		if v, ok := r.valueOf(c); ok {
			e.Tags[t.Name] = v
		}
	}
	if m := r.masks[id]; len(m) > 0 {
		e.Masks = maps.Clone(m)
	}
	return e
}

func (r *Reducer) tagValue(w *weave.Weave, k tagKey) (any, bool) {
	bot, ok := FindBotNode(w, k.bot)
	if !ok {
		return nil, false
	}
	tag, ok := FindTagNode(bot, k.name)
	if !ok {
		return nil, false
	}
	return r.valueOf(tag)
}

func (r *Reducer) maskValue(w *weave.Weave, k tagKey) (any, bool) {
	mask, ok := FindTagMaskNode(w, k.bot, k.name)
	if !ok {
		return nil, false
	}
	return r.valueOf(mask)
}

// valueOf coerces the live value under tag. Empty strings and nil mean the
// tag is absent.
func (r *Reducer) valueOf(tag weave.Node) (any, bool) {
	value, ok := FindValueNode(tag)
	if !ok {
		return nil, false
	}
	v := ValueOf(value)
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil, false
		}
		v = r.coerce(x)
	case json.Number, float64, int, int64:
		// Reloaded atoms carry json.Number where the author used a Go
		// number; both reduce to the same coerced value.
		v = r.coerce(valueText(x))
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func setEntry(m *map[string]any, k string, v any) {
	if *m == nil {
		*m = make(map[string]any)
	}
	(*m)[k] = v
}

func sortedKeys(m map[tagKey]bool) []tagKey {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b tagKey) int {
		if a.bot != b.bot {
			if a.bot < b.bot {
				return -1
			}
			return 1
		}
		if a.name < b.name {
			return -1
		}
		if a.name > b.name {
			return 1
		}
		return 0
	})
	return keys
}
