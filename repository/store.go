package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"weavelab/cas"
)

// Object is a stored, content-addressed blob.
type Object struct {
	Hash string
	Kind string
	Data []byte
}

// Store persists objects and branch pointers. Objects are append-only and
// never change once written; branch updates are compare-and-swap.
type Store interface {
	// PutObjects stores objects, ignoring ones already present.
	PutObjects(ctx context.Context, objs []Object) error

	// GetObject returns the object with the given hash or ErrNotFound.
	GetObject(ctx context.Context, hash string) (Object, error)

	// GetBranch returns the named branch or ErrNotFound.
	GetBranch(ctx context.Context, name string) (*Branch, error)

	// UpdateBranch moves a branch from old to new. An empty old requires
	// the branch not to exist. Returns ErrBranchMismatch otherwise.
	UpdateBranch(ctx context.Context, name, old, new string) error

	// ListBranches returns every branch ordered by name.
	ListBranches(ctx context.Context) ([]*Branch, error)
}

// ObjectChecker is implemented by stores that can report which objects they
// already hold without reading them.
type ObjectChecker interface {
	HasObjects(ctx context.Context, hashes []string) (map[string]bool, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]Object
	branches map[string]*Branch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]Object),
		branches: make(map[string]*Branch),
	}
}

func (s *MemoryStore) PutObjects(ctx context.Context, objs []Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range objs {
		if _, ok := s.objects[o.Hash]; ok {
			continue
		}
		s.objects[o.Hash] = Object{Hash: o.Hash, Kind: o.Kind, Data: slices.Clone(o.Data)}
	}
	return nil
}

func (s *MemoryStore) HasObjects(ctx context.Context, hashes []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	have := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if _, ok := s.objects[h]; ok {
			have[h] = true
		}
	}
	return have, nil
}

func (s *MemoryStore) GetObject(ctx context.Context, hash string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[hash]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return o, nil
}

func (s *MemoryStore) GetBranch(ctx context.Context, name string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[name]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, name)
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) UpdateBranch(ctx context.Context, name, old, new string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if b, ok := s.branches[name]; ok {
		current = b.Head
	}
	if current != old {
		return fmt.Errorf("%w: %s is at %q, expected %q", ErrBranchMismatch, name, current, old)
	}
	s.branches[name] = &Branch{Name: name, Head: new, Time: cas.NowMs()}
	return nil
}

func (s *MemoryStore) ListBranches(ctx context.Context) ([]*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := make([]*Branch, 0, len(s.branches))
	for _, b := range s.branches {
		copied := *b
		branches = append(branches, &copied)
	}
	slices.SortFunc(branches, func(a, b *Branch) int { return strings.Compare(a.Name, b.Name) })
	return branches, nil
}
