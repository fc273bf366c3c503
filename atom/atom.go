// Package atom defines the immutable operation records replicated between
// sites: atom IDs, the closed set of operations and the per-site logical clock.
package atom

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"weavelab/cas"
)

// Kind is the object kind used when hashing atoms.
const Kind = "Atom"

var (
	ErrHashMismatch = errors.New("atom hash mismatch")
	ErrInvalidOp    = errors.New("invalid atom operation")
)

// ID identifies an atom. IDs are comparable and usable as map keys.
type ID struct {
	Site      string `json:"site"`
	Timestamp uint64 `json:"timestamp"`
	Priority  uint32 `json:"priority,omitempty"`
}

// String returns "site@timestamp", with ":priority" appended when non-zero.
func (id ID) String() string {
	if id.Priority != 0 {
		return fmt.Sprintf("%s@%d:%d", id.Site, id.Timestamp, id.Priority)
	}
	return fmt.Sprintf("%s@%d", id.Site, id.Timestamp)
}

// Compare orders sibling atoms. A negative result means a comes first:
// higher priority first, then newer timestamp, then greater site.
func Compare(a, b ID) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(b.Site, a.Site)
}

// Atom is an immutable operation with a single causing atom.
type Atom struct {
	ID    ID
	Cause *ID
	Value Op
	Hash  string
}

// New builds an atom with an explicit ID and computes its hash.
func New(id ID, cause *ID, op Op) (*Atom, error) {
	if op == nil {
		return nil, ErrInvalidOp
	}
	if cause != nil {
		c := *cause
		cause = &c
	}
	a := &Atom{ID: id, Cause: cause, Value: op}
	h, err := a.computeHash()
	if err != nil {
		return nil, err
	}
	a.Hash = h
	return a, nil
}

// Option configures atom creation.
type Option func(*ID)

// WithPriority overrides the sibling ordering priority of a new atom.
func WithPriority(p uint32) Option {
	return func(id *ID) { id.Priority = p }
}

// Create authors a new atom on the clock's site, caused by cause (nil for a
// root). The clock advances to max(clock, cause.timestamp)+1.
func Create(clock *SiteClock, cause *Atom, op Op, opts ...Option) (*Atom, error) {
	var causeID *ID
	if cause != nil {
		causeID = &cause.ID
		clock.Observe(cause.ID)
	}
	clock.Time++
	id := ID{Site: clock.Site, Timestamp: clock.Time}
	for _, opt := range opts {
		opt(&id)
	}
	return New(id, causeID, op)
}

// IsRoot reports whether the atom has no cause.
func (a *Atom) IsRoot() bool {
	return a.Cause == nil
}

// Verify recomputes the atom hash and compares it with the stored one.
func (a *Atom) Verify() error {
	h, err := a.computeHash()
	if err != nil {
		return err
	}
	if h != a.Hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, a.ID)
	}
	return nil
}

func (a *Atom) String() string {
	cause := "nil"
	if a.Cause != nil {
		cause = a.Cause.String()
	}
	return fmt.Sprintf("Atom(%s <- %s, %s)", a.ID, cause, a.Value.Type())
}

func (a *Atom) computeHash() (string, error) {
	op, err := marshalOp(a.Value)
	if err != nil {
		return "", err
	}
	payload := struct {
		ID    ID              `json:"id"`
		Cause *ID             `json:"cause"`
		Value json.RawMessage `json:"value"`
	}{a.ID, a.Cause, op}
	h, err := cas.ObjectIDHex(Kind, payload)
	if err != nil {
		return "", fmt.Errorf("hashing atom %s: %w", a.ID, err)
	}
	return h, nil
}

type wireAtom struct {
	ID    ID              `json:"id"`
	Cause *ID             `json:"cause"`
	Value json.RawMessage `json:"value"`
	Hash  string          `json:"hash,omitempty"`
}

// MarshalJSON encodes the atom in its serialized form.
func (a *Atom) MarshalJSON() ([]byte, error) {
	op, err := marshalOp(a.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireAtom{ID: a.ID, Cause: a.Cause, Value: op, Hash: a.Hash})
}

// UnmarshalJSON decodes a serialized atom. A missing hash is computed; a
// present hash is kept as-is so Verify can detect tampering.
func (a *Atom) UnmarshalJSON(data []byte) error {
	var w wireAtom
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := DecodeOp(w.Value)
	if err != nil {
		return fmt.Errorf("decoding atom %s: %w", w.ID, err)
	}
	a.ID = w.ID
	a.Cause = w.Cause
	a.Value = op
	a.Hash = w.Hash
	if a.Hash == "" {
		h, err := a.computeHash()
		if err != nil {
			return err
		}
		a.Hash = h
	}
	return nil
}

// SiteClock is a site's Lamport clock. Callers own it and pass it explicitly
// to every atom-creating call.
type SiteClock struct {
	Site string
	Time uint64
}

// NewSiteClock returns a clock for the given site starting at zero.
func NewSiteClock(site string) *SiteClock {
	return &SiteClock{Site: site}
}

// Observe advances the clock so it is at least as new as id.
func (c *SiteClock) Observe(id ID) {
	c.Time = max(c.Time, id.Timestamp)
}

// NewSiteID returns a fresh random site identifier.
func NewSiteID() string {
	return uuid.NewString()
}
