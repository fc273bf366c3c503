// Package replica holds one site's view of a document: its clock, weave,
// reducer and the remote atoms still waiting for their causes. Every method
// is safe for concurrent use; calls are serialized.
package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"weavelab/atom"
	"weavelab/document"
	"weavelab/repository"
	"weavelab/weave"
)

var (
	ErrNoRoot      = errors.New("document has no root")
	ErrBotNotFound = errors.New("bot not found")
)

// Change is the result of a local edit: the atoms it created, in creation
// order, and the state update they caused.
type Change struct {
	Atoms  []*atom.Atom
	Update document.StateUpdate
}

// Replica is a single site's copy of a document.
type Replica struct {
	mu      sync.Mutex
	clock   *atom.SiteClock
	w       *weave.Weave
	reducer *document.Reducer
	pending []*atom.Atom
	logger  *slog.Logger
}

type options struct {
	logger   *slog.Logger
	coercer  document.Coercer
	seedRoot bool
}

// Option configures a Replica.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCoercer sets the value coercion used by the reducer.
func WithCoercer(c document.Coercer) Option {
	return func(o *options) { o.coercer = c }
}

// WithRoot seeds the weave with a root atom authored by this site.
func WithRoot() Option {
	return func(o *options) { o.seedRoot = true }
}

// New creates a replica for site. An empty site gets a random ID.
func New(site string, opts ...Option) (*Replica, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if site == "" {
		site = atom.NewSiteID()
	}

	var ropts []document.ReducerOption
	if o.coercer != nil {
		ropts = append(ropts, document.WithCoercer(o.coercer))
	}
	r := &Replica{
		clock:   atom.NewSiteClock(site),
		w:       weave.New(),
		reducer: document.NewReducer(ropts...),
		logger:  o.logger.With("site", site),
	}
	if o.seedRoot {
		root, err := atom.Create(r.clock, nil, atom.Root{})
		if err != nil {
			return nil, fmt.Errorf("creating root: %w", err)
		}
		if _, err := r.w.Insert(root); err != nil {
			return nil, fmt.Errorf("inserting root: %w", err)
		}
	}
	return r, nil
}

// Site returns the replica's site ID.
func (r *Replica) Site() string {
	return r.clock.Site
}

// ----- Remote changes -----

// ApplyDiff merges a diff from another replica. Additions whose cause has
// not arrived yet are kept and retried on later calls.
func (r *Replica) ApplyDiff(d repository.Diff) (document.StateUpdate, repository.ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := repository.ApplyDiff(r.w, d, r.pending)
	r.pending = res.Pending
	for _, a := range res.Added {
		r.clock.Observe(a.ID)
	}

	var u document.StateUpdate
	if len(res.Removed) > 0 {
		u = r.reducer.Reset(r.w)
	} else {
		u = r.reducer.Apply(r.w, res.Added)
	}
	if len(res.Pending) > 0 {
		r.logger.Debug("holding back atoms with missing causes", "pending", len(res.Pending))
	}
	if err != nil {
		r.logger.Warn("diff applied partially", "added", len(res.Added), "error", err)
		return u, res, err
	}
	return u, res, nil
}

// ApplyAtoms merges atoms from another replica.
func (r *Replica) ApplyAtoms(atoms []*atom.Atom) (document.StateUpdate, error) {
	u, _, err := r.ApplyDiff(repository.Diff{Additions: atoms})
	return u, err
}

// ----- Local edits -----

// CreateBot declares a bot with the given tags. An empty id gets a random
// UUID. Tags with nil or empty values are skipped.
func (r *Replica) CreateBot(id string, tags map[string]any) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.w.Root()
	if !ok {
		return Change{}, ErrNoRoot
	}
	if id == "" {
		id = uuid.NewString()
	}

	e := editor{r: r}
	bot := e.add(root.Atom(), atom.Bot{ID: id})
	for _, name := range slices.Sorted(maps.Keys(tags)) {
		v := tags[name]
		if v == nil || v == "" {
			continue
		}
		tag := e.add(bot, atom.Tag{Name: name})
		e.add(tag, atom.Value{Initial: v})
	}
	return e.finish()
}

// UpdateTag replaces the value of a tag. A nil or empty value removes it.
func (r *Replica) UpdateTag(botID, name string, value any) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := document.FindBotNode(r.w, botID)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	e := editor{r: r}
	tag := e.tagAtom(bot, name)
	e.add(tag, atom.Value{Initial: value})
	return e.finish()
}

// EditTag applies character edits to a tag's text as seen under version.
// A missing tag or value is declared empty first.
func (r *Replica) EditTag(botID, name string, version weave.VersionVector, ops ...document.EditOp) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editTag(botID, name, version, ops)
}

// SetTagText edits a tag's text so that it reads text, expressed as the
// minimal character edits from the current text.
func (r *Replica) SetTagText(botID, name, text string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := ""
	if bot, ok := document.FindBotNode(r.w, botID); ok {
		if tag, ok := document.FindTagNode(bot, name); ok {
			if value, ok := document.FindValueNode(tag); ok {
				current = document.CalculateFinalEditValue(value)
			}
		}
	}
	return r.editTag(botID, name, nil, document.DiffEdits(current, text))
}

func (r *Replica) editTag(botID, name string, version weave.VersionVector, ops []document.EditOp) (Change, error) {
	bot, ok := document.FindBotNode(r.w, botID)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	e := editor{r: r}
	tag := e.tagAtom(bot, name)
	if e.err != nil {
		return Change{}, e.err
	}
	tagNode, _ := r.w.Get(tag.ID)
	value, ok := document.FindValueNode(tagNode)
	if !ok {
		v := e.add(tag, atom.Value{Initial: ""})
		if e.err != nil {
			return Change{}, e.err
		}
		value, _ = r.w.Get(v.ID)
		if version != nil {
			version = version.Clone()
			version.Observe(v.ID)
		}
	}

	created, err := document.Edit(r.w, r.clock, value, version, ops...)
	e.created = append(e.created, created...)
	if err != nil {
		e.err = err
	}
	return e.finish()
}

// DestroyBot tombstones every live declaration of a bot. Destroying a bot
// that is already gone is a no-op.
func (r *Replica) DestroyBot(botID string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := editor{r: r}
	for e.err == nil {
		bot, ok := document.FindBotNode(r.w, botID)
		if !ok {
			break
		}
		e.add(bot.Atom(), atom.Delete{})
	}
	return e.finish()
}

// SetTagMask sets a local override for a bot's tag. A nil or empty value
// clears it.
func (r *Replica) SetTagMask(botID, name string, value any) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.w.Root()
	if !ok {
		return Change{}, ErrNoRoot
	}
	e := editor{r: r}
	var mask *atom.Atom
	if n, ok := document.FindTagMaskNode(r.w, botID, name); ok {
		mask = n.Atom()
	} else {
		mask = e.add(root.Atom(), atom.TagMask{BotID: botID, Name: name})
	}
	e.add(mask, atom.Value{Initial: value})
	return e.finish()
}

// ----- Views -----

// Index returns a content-addressed index of every atom in the replica.
func (r *Replica) Index() *repository.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return repository.CreateIndex(r.w.Atoms())
}

// State returns a copy of the materialized state.
func (r *Replica) State() document.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reducer.State()
}

// Version returns the version vector of the replica's weave.
func (r *Replica) Version() weave.VersionVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Version()
}

// Weave returns a snapshot copy of the weave.
func (r *Replica) Weave() *weave.Weave {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Copy()
}

// Pending returns the atoms still waiting for their causes.
func (r *Replica) Pending() []*atom.Atom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

// Text returns the reconciled text of a tag.
func (r *Replica) Text(botID, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := document.FindBotNode(r.w, botID)
	if !ok {
		return "", false
	}
	tag, ok := document.FindTagNode(bot, name)
	if !ok {
		return "", false
	}
	value, ok := document.FindValueNode(tag)
	if !ok {
		return "", false
	}
	return document.CalculateFinalEditValue(value), true
}

// editor accumulates the atoms of one local edit. After the first failure
// further adds are skipped.
type editor struct {
	r       *Replica
	created []*atom.Atom
	err     error
}

func (e *editor) add(cause *atom.Atom, op atom.Op) *atom.Atom {
	if e.err != nil {
		return nil
	}
	a, err := atom.Create(e.r.clock, cause, op)
	if err != nil {
		e.err = err
		return nil
	}
	if _, err := e.r.w.Insert(a); err != nil {
		e.err = fmt.Errorf("inserting %s: %w", a.ID, err)
		return nil
	}
	e.created = append(e.created, a)
	return a
}

// tagAtom returns the live tag declaration under bot, declaring it if needed.
func (e *editor) tagAtom(bot weave.Node, name string) *atom.Atom {
	if tag, ok := document.FindTagNode(bot, name); ok {
		return tag.Atom()
	}
	return e.add(bot.Atom(), atom.Tag{Name: name})
}

func (e *editor) finish() (Change, error) {
	u := e.r.reducer.Apply(e.r.w, e.created)
	return Change{Atoms: e.created, Update: u}, e.err
}
