// Package docs provides multi-document management with LRU caching.
package docs

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"weavelab/cas"
	"weavelab/document"
	"weavelab/proto"
	"weavelab/replica"
	"weavelab/repository"
	"weavelab/store"
)

// MainBranch is the branch every document is restored from and committed to.
const MainBranch = "main"

var (
	ErrDocNotFound = errors.New("document not found")
	ErrDocExists   = errors.New("document already exists")
	ErrInvalidName = errors.New("invalid document name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Handle represents an open document with its database and replica.
type Handle struct {
	Name    string
	Path    string
	DB      *store.DB
	Replica *replica.Replica

	lastUsed time.Time
	active   int32 // number of active requests
	mu       sync.Mutex
	element  *list.Element // position in LRU list

	commitMu sync.Mutex
	hub      *hub
}

// RegistryConfig configures the document registry.
type RegistryConfig struct {
	DataDir string        // Base directory for all documents
	MaxOpen int           // Maximum number of open documents (LRU capacity)
	IdleTTL time.Duration // Close documents idle longer than this
	Site    string        // Site ID of the daemon's replicas
	Logger  *slog.Logger
}

// Registry manages multiple documents with LRU caching.
type Registry struct {
	cfg    RegistryConfig
	mu     sync.RWMutex
	docs   map[string]*Handle
	lru    *list.List // LRU list of document names
	stop   chan struct{}
	closed sync.Once
	logger *slog.Logger
}

// NewRegistry creates a new document registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 256
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		cfg:    cfg,
		docs:   make(map[string]*Handle),
		lru:    list.New(),
		stop:   make(chan struct{}),
		logger: cfg.Logger,
	}

	// Start idle reaper
	go r.reapLoop()

	return r
}

func (r *Registry) dbPath(name string) string {
	return filepath.Join(r.cfg.DataDir, name, store.DBFileName)
}

// Get returns a handle to the named document, opening it if needed.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	if !validName.MatchString(name) {
		return nil, ErrInvalidName
	}

	// Fast path: check if already open
	r.mu.RLock()
	h, ok := r.docs[name]
	r.mu.RUnlock()

	if ok {
		r.touch(h)
		return h, nil
	}

	// Slow path: need to open
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if h, ok := r.docs[name]; ok {
		r.touchLocked(h)
		return h, nil
	}

	if _, err := os.Stat(r.dbPath(name)); os.IsNotExist(err) {
		return nil, ErrDocNotFound
	}
	return r.openDocLocked(ctx, name, false)
}

// Create creates a new document seeded with a root atom.
func (r *Registry) Create(ctx context.Context, name string) (*Handle, error) {
	if !validName.MatchString(name) {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[name]; ok {
		return nil, ErrDocExists
	}
	if _, err := os.Stat(r.dbPath(name)); err == nil {
		return nil, ErrDocExists
	}
	return r.openDocLocked(ctx, name, true)
}

// Exists checks if a document exists.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(r.dbPath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the names of all documents on disk.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.cfg.DataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), ".deleted.") {
			continue
		}
		if _, err := os.Stat(r.dbPath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete soft-deletes a document (renames its directory).
func (r *Registry) Delete(ctx context.Context, name string) error {
	if !validName.MatchString(name) {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.docs[name]; ok {
		r.closeDocLocked(h)
	}

	docPath := filepath.Join(r.cfg.DataDir, name)
	deletedPath := fmt.Sprintf("%s.deleted.%d", docPath, time.Now().Unix())
	if err := os.Rename(docPath, deletedPath); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

// Acquire marks a handle as in-use (prevents eviction).
func (r *Registry) Acquire(h *Handle) {
	h.mu.Lock()
	h.active++
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Release marks a handle as no longer in-use.
func (r *Registry) Release(h *Handle) {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// OpenCount returns the number of open documents.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Close shuts down the registry. It is safe to call more than once.
func (r *Registry) Close() error {
	r.closed.Do(func() {
		close(r.stop)

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, h := range r.docs {
			r.closeDocLocked(h)
		}
	})
	return nil
}

// Commit records the replica's current index on the main branch. It
// returns the new commit, or nil when the branch already holds that index.
func (h *Handle) Commit(ctx context.Context, message string) (*repository.Commit, error) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	ix := h.Replica.Index()
	if b, err := h.DB.GetBranch(ctx, MainBranch); err == nil {
		cc, err := repository.Resolve(ctx, h.DB, b.Head)
		if err == nil && cc.Index.Hash == ix.Hash {
			return nil, nil
		}
	}
	return repository.CommitBranch(ctx, h.DB, MainBranch, message, ix, cas.NowMs())
}

// Reload brings the replica in line with the main branch after it was moved
// outside of Commit, and publishes the resulting update.
func (h *Handle) Reload(ctx context.Context) (document.StateUpdate, error) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	loaded, err := repository.Checkout(ctx, h.DB, MainBranch)
	if err != nil {
		return document.StateUpdate{}, err
	}
	target := loaded.CurrentCommit.Index
	d := repository.CalculateDiff(h.Replica.Index(), target)
	u, _, err := h.Replica.ApplyDiff(d)
	if err != nil {
		return u, err
	}
	h.Publish(target.Hash, u)
	return u, nil
}

// Subscribe registers a watcher for state events. The returned function
// unsubscribes and closes the channel.
func (h *Handle) Subscribe() (<-chan proto.StateEvent, func()) {
	return h.hub.subscribe()
}

// Publish sends a state update to every watcher. Slow watchers miss events
// rather than block the caller.
func (h *Handle) Publish(index string, u document.StateUpdate) {
	if u.IsEmpty() {
		return
	}
	h.hub.publish(proto.StateEvent{Doc: h.Name, Index: index, Time: cas.NowMs(), Update: u})
}

// openDocLocked opens a document (must hold write lock).
func (r *Registry) openDocLocked(ctx context.Context, name string, create bool) (*Handle, error) {
	// Evict if at capacity
	for len(r.docs) >= r.cfg.MaxOpen {
		if !r.evictOneLocked() {
			break // Can't evict any (all active)
		}
	}

	db, err := store.OpenDocDB(r.cfg.DataDir, name)
	if err != nil {
		return nil, err
	}
	db.SetActor(r.cfg.Site)

	logger := r.logger.With("doc", name)
	h := &Handle{
		Name:     name,
		Path:     filepath.Join(r.cfg.DataDir, name),
		DB:       db,
		lastUsed: time.Now(),
		hub:      newHub(logger),
	}

	if create {
		h.Replica, err = replica.New(r.cfg.Site, replica.WithLogger(logger), replica.WithRoot())
		if err == nil {
			_, err = h.Commit(ctx, "create "+name)
		}
	} else {
		h.Replica, err = r.restore(ctx, db, logger)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	go h.hub.run()

	// Add to LRU
	h.element = r.lru.PushFront(name)
	r.docs[name] = h

	logger.Info("document opened", "atoms", h.Replica.Index().Len())
	return h, nil
}

// restore rebuilds a replica from the main branch. A document without a
// main branch starts empty.
func (r *Registry) restore(ctx context.Context, db *store.DB, logger *slog.Logger) (*replica.Replica, error) {
	rep, err := replica.New(r.cfg.Site, replica.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	loaded, err := repository.Checkout(ctx, db, MainBranch)
	if errors.Is(err, store.ErrBranchNotFound) {
		logger.Warn("document has no main branch, starting empty")
		return rep, nil
	}
	if err != nil {
		return nil, err
	}
	atoms := append(loaded.Weave.Atoms(), loaded.Pending...)
	if _, err := rep.ApplyAtoms(atoms); err != nil {
		return nil, err
	}
	return rep, nil
}

// closeDocLocked closes a document (must hold write lock).
func (r *Registry) closeDocLocked(h *Handle) {
	h.hub.close()

	if h.DB != nil {
		h.DB.Close()
	}

	// Remove from LRU
	if h.element != nil {
		r.lru.Remove(h.element)
	}

	delete(r.docs, h.Name)
}

// touch updates LRU position (acquires write lock).
func (r *Registry) touch(h *Handle) {
	r.mu.Lock()
	r.touchLocked(h)
	r.mu.Unlock()
}

// touchLocked updates LRU position (must hold write lock).
func (r *Registry) touchLocked(h *Handle) {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
	if h.element != nil {
		r.lru.MoveToFront(h.element)
	}
}

// evictOneLocked evicts the least recently used inactive document.
func (r *Registry) evictOneLocked() bool {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		h := r.docs[e.Value.(string)]
		h.mu.Lock()
		idle := h.active == 0
		h.mu.Unlock()
		if idle {
			r.closeDocLocked(h)
			return true
		}
	}
	return false
}

// reapLoop periodically closes idle documents.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes documents that have been idle too long.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.IdleTTL)

	for e := r.lru.Back(); e != nil; {
		h := r.docs[e.Value.(string)]

		h.mu.Lock()
		idle := h.active == 0 && h.lastUsed.Before(cutoff) && h.hub.count() == 0
		h.mu.Unlock()

		prev := e.Prev()
		if idle {
			r.logger.Debug("closing idle document", "doc", h.Name)
			r.closeDocLocked(h)
		}
		e = prev
	}
}
