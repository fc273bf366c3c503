// Package format reads and writes stored causal-tree exports.
//
// Three layouts exist. Version 1 stores the weave as an ordered list of atoms
// without hashes, version 2 wraps every atom in an {"atom": ...} reference,
// and version 3 stores hashed atoms plus an explicit ordered flag. Only
// version 3 is written.
package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"weavelab/atom"
	"weavelab/weave"
)

// CurrentVersion is the layout written by Export.
const CurrentVersion = 3

// ErrInvalidWeave is returned when imported atoms do not form a valid weave.
var ErrInvalidWeave = errors.New("invalid weave")

// StoredTree is the serialized form of a site's weave.
type StoredTree struct {
	FormatVersion int             `json:"formatVersion"`
	KnownSites    []string        `json:"knownSites,omitempty"`
	Site          string          `json:"site,omitempty"`
	Weave         json.RawMessage `json:"weave"`
	Ordered       *bool           `json:"ordered,omitempty"`
}

// Loaded is a decoded export.
type Loaded struct {
	Version    int
	Site       string
	KnownSites []string
	Atoms      []*atom.Atom
	Ordered    bool
}

type atomRef struct {
	Atom *atom.Atom `json:"atom"`
}

// Load decodes an export. An unknown format version is logged and yields no
// atoms rather than an error.
func Load(data []byte, logger *slog.Logger) (*Loaded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st StoredTree
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding stored tree: %w", err)
	}
	l := &Loaded{Version: st.FormatVersion, Site: st.Site, KnownSites: st.KnownSites}

	switch st.FormatVersion {
	case 1:
		if err := decodeWeave(st.Weave, &l.Atoms); err != nil {
			return nil, fmt.Errorf("decoding v1 weave: %w", err)
		}
		l.Ordered = true
	case 2:
		var refs []atomRef
		if err := decodeWeave(st.Weave, &refs); err != nil {
			return nil, fmt.Errorf("decoding v2 weave: %w", err)
		}
		for i, r := range refs {
			if r.Atom == nil {
				return nil, fmt.Errorf("%w: v2 reference %d has no atom", ErrInvalidWeave, i)
			}
			l.Atoms = append(l.Atoms, r.Atom)
		}
		l.Ordered = true
	case 3:
		if err := decodeWeave(st.Weave, &l.Atoms); err != nil {
			return nil, fmt.Errorf("decoding v3 weave: %w", err)
		}
		for _, a := range l.Atoms {
			if err := a.Verify(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidWeave, err)
			}
		}
		l.Ordered = st.Ordered != nil && *st.Ordered
	default:
		logger.Warn("unsupported stored tree version, loading nothing",
			"version", st.FormatVersion, "site", st.Site)
	}
	return l, nil
}

func decodeWeave(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Import merges the loaded atoms into w. Ordered input is rebuilt without
// re-sorting and validated; unordered input is sorted causally and inserted.
// On any failure w is left untouched and the error wraps ErrInvalidWeave.
func Import(w *weave.Weave, l *Loaded) error {
	if len(l.Atoms) == 0 {
		return nil
	}
	atoms := l.Atoms
	if l.Ordered {
		scratch := weave.FromOrdered(atoms)
		if !scratch.IsValid() {
			return fmt.Errorf("%w: ordered atoms are out of order or unreachable", ErrInvalidWeave)
		}
		atoms = scratch.Atoms()
	} else {
		atoms = weave.SortCausal(atoms)
	}

	merged := w.Copy()
	_, pending, err := merged.AddMany(atoms)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWeave, err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %d atoms reference missing causes", ErrInvalidWeave, len(pending))
	}
	*w = *merged
	return nil
}

// Export serializes w in the current layout.
func Export(w *weave.Weave, site string, knownSites []string) (StoredTree, error) {
	data, err := json.Marshal(w.Atoms())
	if err != nil {
		return StoredTree{}, fmt.Errorf("encoding weave: %w", err)
	}
	ordered := true
	return StoredTree{
		FormatVersion: CurrentVersion,
		KnownSites:    knownSites,
		Site:          site,
		Weave:         data,
		Ordered:       &ordered,
	}, nil
}
