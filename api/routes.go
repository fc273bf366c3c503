// Package api provides the HTTP API for the weavelab daemon.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"weavelab/cas"
	"weavelab/config"
	"weavelab/docs"
	"weavelab/document"
	"weavelab/pack"
	"weavelab/proto"
	"weavelab/repository"
	"weavelab/store"
)

const (
	requestTimeout = 30 * time.Second
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
)

// Handler wraps the registry and config for HTTP handlers.
type Handler struct {
	reg      *docs.Registry
	cfg      *config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler.
func NewHandler(reg *docs.Registry, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(reg *docs.Registry, cfg *config.Config, logger *slog.Logger) http.Handler {
	h := NewHandler(reg, cfg, logger)
	mux := http.NewServeMux()

	withDoc := WithDoc(reg, h.logger)
	plain := func(f http.HandlerFunc) http.Handler {
		return WithDefaults(f, requestTimeout)
	}
	doc := func(f http.HandlerFunc) http.Handler {
		return WithDefaults(withDoc(f), requestTimeout)
	}

	// Health (no document needed)
	mux.Handle("GET /health", plain(h.Health))
	mux.Handle("GET /healthz", plain(h.Health))
	mux.Handle("GET /readyz", plain(h.Ready))

	// Admin
	mux.Handle("POST /admin/v1/docs", plain(h.CreateDoc))
	mux.Handle("GET /admin/v1/docs", plain(h.ListDocs))
	mux.Handle("DELETE /admin/v1/docs/{doc}", plain(h.DeleteDoc))

	// Document-scoped routes: /{doc}/v1/...
	mux.Handle("GET /{doc}/v1/state", doc(h.GetState))
	mux.Handle("GET /{doc}/v1/index", doc(h.GetIndex))
	mux.Handle("POST /{doc}/v1/diff", doc(h.PostDiff))
	mux.Handle("GET /{doc}/v1/diff", doc(h.GetDiff))

	// Branches
	mux.Handle("GET /{doc}/v1/branches", doc(h.ListBranches))
	mux.Handle("GET /{doc}/v1/branches/{name...}", doc(h.GetBranch))
	mux.Handle("PUT /{doc}/v1/branches/{name...}", doc(h.UpdateBranch))
	mux.Handle("DELETE /{doc}/v1/branches/{name...}", doc(h.DeleteBranch))
	mux.Handle("GET /{doc}/v1/history/{name...}", doc(h.BranchHistory))

	// The watch stream outlives the request timeout and needs the raw
	// connection, so it skips the default middleware.
	mux.Handle("GET /{doc}/v1/watch", withDoc(http.HandlerFunc(h.Watch)))

	return LoggingMiddleware(h.logger)(mux)
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.reg != nil {
		if _, err := h.reg.List(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "data directory unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

// ----- Admin -----

func (h *Handler) CreateDoc(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required", nil)
		return
	}

	dh, err := h.reg.Create(r.Context(), req.Name)
	switch {
	case errors.Is(err, docs.ErrDocExists):
		writeError(w, http.StatusConflict, "document already exists", nil)
		return
	case errors.Is(err, docs.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid document name", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to create document", err)
		return
	}

	writeJSON(w, http.StatusCreated, proto.DocEntry{
		Name:  dh.Name,
		Index: dh.Replica.Index().Hash,
	})
}

func (h *Handler) ListDocs(w http.ResponseWriter, r *http.Request) {
	names, err := h.reg.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents", err)
		return
	}
	entries := make([]*proto.DocEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &proto.DocEntry{Name: name})
	}
	writeJSON(w, http.StatusOK, proto.DocsListResponse{Docs: entries})
}

func (h *Handler) DeleteDoc(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("doc")
	exists, err := h.reg.Exists(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check document", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "document not found", nil)
		return
	}
	if err := h.reg.Delete(r.Context(), name); err != nil {
		if errors.Is(err, docs.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, "invalid document name", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete document", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.DocEntry{Name: name})
}

// ----- State -----

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	writeJSON(w, http.StatusOK, proto.StateResponse{
		Doc:     dh.Name,
		Index:   dh.Replica.Index().Hash,
		Version: dh.Replica.Version(),
		State:   dh.Replica.State(),
	})
}

func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	ix := dh.Replica.Index()
	writeJSON(w, http.StatusOK, proto.IndexResponse{Hash: ix.Hash, Atoms: ix.Hashes()})
}

// ----- Diffs -----

// PostDiff merges a diff into the document, records the result on the main
// branch and notifies watchers.
func (h *Handler) PostDiff(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxDiffSize)
	var d repository.Diff
	if mediaType(r.Header.Get("Content-Type")) == proto.ContentTypePack {
		var err error
		d, err = pack.ReadPack(body, h.cfg.MaxDiffSize)
		if err != nil {
			writeError(w, diffStatus(err), "failed to read pack", err)
			return
		}
	} else {
		if err := json.NewDecoder(body).Decode(&d); err != nil {
			writeError(w, diffStatus(err), "invalid diff body", err)
			return
		}
		for _, a := range d.Additions {
			if a == nil {
				writeError(w, http.StatusBadRequest, "invalid atom", nil)
				return
			}
			if err := a.Verify(); err != nil {
				writeError(w, http.StatusBadRequest, "invalid atom", err)
				return
			}
		}
	}

	u, res, applyErr := dh.Replica.ApplyDiff(d)
	ix := dh.Replica.Index()

	resp := proto.DiffApplyResponse{
		Added:   len(res.Added),
		Removed: len(res.Removed),
		Pending: len(res.Pending),
		Index:   ix.Hash,
		Update:  u,
	}
	c, err := dh.Commit(r.Context(), fmt.Sprintf("merge %d atoms", len(res.Added)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit", err)
		return
	}
	if c != nil {
		resp.Commit = c.Hash
	}
	dh.Publish(ix.Hash, u)

	if applyErr != nil {
		h.logger.Warn("diff applied partially", "doc", dh.Name, "error", applyErr)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDiff returns the changes between a stored index and the document's
// current index. Without a since parameter the whole document is sent.
func (h *Handler) GetDiff(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	since := r.URL.Query().Get("since")
	var base *repository.Index
	if since != "" {
		ix, err := repository.LoadIndex(r.Context(), dh.DB, since)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown index", nil)
			return
		case errors.Is(err, repository.ErrWrongKind):
			writeError(w, http.StatusBadRequest, "since is not an index", nil)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to load index", err)
			return
		}
		base = ix
	}

	current := dh.Replica.Index()
	d := repository.CalculateDiff(base, current)

	if acceptsPack(r) {
		data, err := pack.BuildPack(d)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build pack", err)
			return
		}
		w.Header().Set("Content-Type", proto.ContentTypePack)
		w.Header().Set("X-Weavelab-Index", current.Hash)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, proto.DiffResponse{Since: since, Index: current.Hash, Diff: d})
}

// ----- Branches -----

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	recs, err := dh.DB.ListBranchRecords(r.Context(), r.URL.Query().Get("match"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to list branches", err)
		return
	}
	entries := make([]*proto.BranchEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, branchEntry(rec))
	}
	writeJSON(w, http.StatusOK, proto.BranchesListResponse{Branches: entries})
}

func (h *Handler) GetBranch(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	rec, err := dh.DB.GetBranchRecord(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, store.ErrBranchNotFound) {
			writeError(w, http.StatusNotFound, "branch not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get branch", err)
		return
	}
	writeJSON(w, http.StatusOK, branchEntry(rec))
}

// UpdateBranch creates or moves a branch. Moving main also moves the live
// document, and watchers see the difference.
func (h *Handler) UpdateBranch(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}
	name := r.PathValue("name")

	var req proto.BranchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.New == "" {
		writeError(w, http.StatusBadRequest, "new head required", nil)
		return
	}
	if _, err := repository.Resolve(r.Context(), dh.DB, req.New); err != nil {
		writeError(w, http.StatusBadRequest, "new head does not resolve", err)
		return
	}

	actor := r.Header.Get("X-Weavelab-Actor")
	if actor == "" {
		actor = "api"
	}
	pushID := uuid.NewString()

	var (
		updatedAt int64
		err       error
	)
	if req.Force {
		updatedAt, err = dh.DB.ForceSetBranch(r.Context(), name, req.New, actor, pushID)
	} else {
		updatedAt, err = dh.DB.SetBranchFF(r.Context(), name, req.Old, req.New, actor, pushID)
	}
	if err != nil {
		if errors.Is(err, store.ErrBranchMismatch) {
			writeJSON(w, http.StatusConflict, proto.BranchUpdateResponse{
				OK:    false,
				Error: err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update branch", err)
		return
	}

	if name == docs.MainBranch {
		if _, err := dh.Reload(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to reload document", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, proto.BranchUpdateResponse{
		OK:        true,
		UpdatedAt: updatedAt,
		PushID:    pushID,
	})
}

// DeleteBranch removes a branch pointer. The main branch backs the live
// document and cannot be deleted.
func (h *Handler) DeleteBranch(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}
	name := r.PathValue("name")
	if name == docs.MainBranch {
		writeError(w, http.StatusBadRequest, "cannot delete the main branch", nil)
		return
	}

	if err := dh.DB.DeleteBranch(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrBranchNotFound) {
			writeError(w, http.StatusNotFound, "branch not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete branch", err)
		return
	}
	h.logger.Info("branch deleted", "doc", dh.Name, "branch", name)
	w.WriteHeader(http.StatusNoContent)
}

// BranchHistory returns a branch's history entries in order, starting
// after the ?after sequence number.
func (h *Handler) BranchHistory(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	q := r.URL.Query()
	var after int64
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after", nil)
			return
		}
		after = n
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}

	entries, err := dh.DB.BranchHistory(r.Context(), r.PathValue("name"), after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history", err)
		return
	}

	out := make([]*proto.BranchHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &proto.BranchHistoryEntry{
			Seq:    e.Seq,
			ID:     e.ID,
			Parent: e.Parent,
			Time:   e.Time,
			Actor:  e.Actor,
			Branch: e.Branch,
			Old:    e.Old,
			New:    e.New,
			PushID: e.PushID,
		})
	}
	writeJSON(w, http.StatusOK, proto.BranchHistoryResponse{Entries: out})
}

// ----- Watch -----

// Watch streams state events over a websocket. The first message is a
// snapshot listing every entity as added.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	dh := DocFrom(r.Context())
	if dh == nil {
		writeError(w, http.StatusInternalServerError, "document not in context", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "doc", dh.Name, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := dh.Subscribe()
	defer cancel()

	snapshot := proto.StateEvent{
		Doc:    dh.Name,
		Index:  dh.Replica.Index().Hash,
		Time:   cas.NowMs(),
		Update: snapshotUpdate(dh.Replica.State()),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "document closed")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("watcher write failed", "doc", dh.Name, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func snapshotUpdate(state document.State) document.StateUpdate {
	var u document.StateUpdate
	for _, id := range slices.Sorted(maps.Keys(state)) {
		u.Added = append(u.Added, state[id])
	}
	return u
}

// ----- Helpers -----

func branchEntry(rec *store.BranchRecord) *proto.BranchEntry {
	return &proto.BranchEntry{
		Name:      rec.Name,
		Head:      rec.Head,
		UpdatedAt: rec.Time,
		Actor:     rec.Actor,
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func acceptsPack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), proto.ContentTypePack)
}

// diffStatus maps a body decoding failure to a status code.
func diffStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
