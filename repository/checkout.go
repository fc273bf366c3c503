package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"weavelab/atom"
	"weavelab/cas"
	"weavelab/weave"
)

// StoreIndex writes every atom of the index followed by the index manifest.
// When s is an ObjectChecker, atoms it already holds are not re-encoded.
func StoreIndex(ctx context.Context, s Store, ix *Index) error {
	atoms := ix.Atoms()
	var have map[string]bool
	if oc, ok := s.(ObjectChecker); ok {
		var err error
		if have, err = oc.HasObjects(ctx, ix.Hashes()); err != nil {
			return fmt.Errorf("checking stored atoms: %w", err)
		}
	}
	objs := make([]Object, 0, len(atoms)-len(have)+1)
	for _, a := range atoms {
		if have[a.Hash] {
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding atom %s: %w", a.ID, err)
		}
		objs = append(objs, Object{Hash: a.Hash, Kind: KindAtom, Data: data})
	}
	data, err := json.Marshal(indexPayload{Atoms: ix.Hashes()})
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	objs = append(objs, Object{Hash: ix.Hash, Kind: KindIndex, Data: data})
	return s.PutObjects(ctx, objs)
}

// LoadIndex reads an index manifest and every atom it references.
func LoadIndex(ctx context.Context, s Store, hash string) (*Index, error) {
	obj, err := getKind(ctx, s, hash, KindIndex)
	if err != nil {
		return nil, err
	}
	var payload indexPayload
	if err := json.Unmarshal(obj.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding index %s: %w", cas.ShortHash(hash), err)
	}

	atoms := make([]*atom.Atom, 0, len(payload.Atoms))
	for _, h := range payload.Atoms {
		ao, err := getKind(ctx, s, h, KindAtom)
		if err != nil {
			return nil, fmt.Errorf("loading index %s: %w", cas.ShortHash(hash), err)
		}
		var a atom.Atom
		if err := json.Unmarshal(ao.Data, &a); err != nil {
			return nil, fmt.Errorf("decoding atom %s: %w", cas.ShortHash(h), err)
		}
		if err := a.Verify(); err != nil {
			return nil, err
		}
		atoms = append(atoms, &a)
	}
	return CreateIndex(atoms), nil
}

// StoreCommit writes a commit object.
func StoreCommit(ctx context.Context, s Store, c *Commit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding commit: %w", err)
	}
	return s.PutObjects(ctx, []Object{{Hash: c.Hash, Kind: KindCommit, Data: data}})
}

// LoadCommit reads a commit object.
func LoadCommit(ctx context.Context, s Store, hash string) (*Commit, error) {
	obj, err := getKind(ctx, s, hash, KindCommit)
	if err != nil {
		return nil, err
	}
	var c Commit
	if err := json.Unmarshal(obj.Data, &c); err != nil {
		return nil, fmt.Errorf("decoding commit %s: %w", cas.ShortHash(hash), err)
	}
	c.Hash = hash
	return &c, nil
}

func getKind(ctx context.Context, s Store, hash, kind string) (Object, error) {
	obj, err := s.GetObject(ctx, hash)
	if err != nil {
		return Object{}, err
	}
	if obj.Kind != kind {
		return Object{}, fmt.Errorf("%w: %s is %s, want %s", ErrWrongKind, cas.ShortHash(hash), obj.Kind, kind)
	}
	return obj, nil
}

// Resolve loads the commit (if any) and index a head hash points to.
func Resolve(ctx context.Context, s Store, head string) (CurrentCommit, error) {
	obj, err := s.GetObject(ctx, head)
	if err != nil {
		return CurrentCommit{}, err
	}

	var cc CurrentCommit
	indexHash := head
	switch obj.Kind {
	case KindCommit:
		c, err := LoadCommit(ctx, s, head)
		if err != nil {
			return CurrentCommit{}, err
		}
		cc.Commit = c
		indexHash = c.Index
	case KindIndex:
	default:
		return CurrentCommit{}, fmt.Errorf("%w: head %s is %s", ErrWrongKind, cas.ShortHash(head), obj.Kind)
	}

	ix, err := LoadIndex(ctx, s, indexHash)
	if err != nil {
		return CurrentCommit{}, err
	}
	cc.Index = ix
	cc.Atoms = ix.Atoms()
	return cc, nil
}

// Checkout resolves a branch through its commit to an index and rebuilds
// the weave from the referenced atoms. A missing branch or object yields an
// error wrapping ErrNotFound.
func Checkout(ctx context.Context, s Store, name string) (*LoadedState, error) {
	b, err := s.GetBranch(ctx, name)
	if err != nil {
		return nil, err
	}
	cc, err := Resolve(ctx, s, b.Head)
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", name, err)
	}

	w := weave.New()
	_, pending, err := w.AddMany(cc.Atoms)
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", name, err)
	}
	return &LoadedState{
		Branch:        b,
		CurrentCommit: cc,
		Weave:         w,
		Pending:       pending,
	}, nil
}

// CommitBranch stores ix, commits it on top of the branch's current commit
// and advances the branch. Concurrent writers lose with ErrBranchMismatch.
func CommitBranch(ctx context.Context, s Store, name, message string, ix *Index, timeMs int64) (*Commit, error) {
	old := ""
	var parent *Commit
	b, err := s.GetBranch(ctx, name)
	switch {
	case err == nil:
		old = b.Head
		obj, err := s.GetObject(ctx, b.Head)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		if obj.Kind == KindCommit {
			if parent, err = LoadCommit(ctx, s, b.Head); err != nil {
				return nil, err
			}
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := StoreIndex(ctx, s, ix); err != nil {
		return nil, fmt.Errorf("storing index: %w", err)
	}
	c := NewCommit(message, timeMs, ix, parent)
	if err := StoreCommit(ctx, s, c); err != nil {
		return nil, fmt.Errorf("storing commit: %w", err)
	}
	if err := s.UpdateBranch(ctx, name, old, c.Hash); err != nil {
		return nil, err
	}
	return c, nil
}
