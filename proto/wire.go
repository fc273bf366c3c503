// Package proto defines wire format DTOs for the weavelab HTTP API.
package proto

import (
	"weavelab/document"
	"weavelab/repository"
)

// Content types accepted for diff uploads.
const (
	ContentTypePack = "application/x-weavelab-pack"
	ContentTypeJSON = "application/json"
)

// PackHeader describes the atoms carried in a diff pack.
type PackHeader struct {
	// Deletions maps removed atom hashes to the atom IDs they named.
	Deletions map[string]string `json:"deletions,omitempty"`
	// Objects lists every added atom in causal order.
	Objects []PackObjectEntry `json:"objects"`
}

// PackObjectEntry locates a single serialized atom in a pack.
type PackObjectEntry struct {
	Hash   string `json:"hash"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// DiffApplyResponse is returned after a diff was merged into a document.
type DiffApplyResponse struct {
	// Added is the count of atoms that were new to the document.
	Added int `json:"added"`
	// Removed is the count of atoms removed by the diff's deletions.
	Removed int `json:"removed"`
	// Pending is the count of atoms held back for missing causes.
	Pending int `json:"pending"`
	// Index is the hash of the document index after the merge.
	Index string `json:"index"`
	// Commit is the commit recorded on the main branch, if any changed.
	Commit string `json:"commit,omitempty"`
	// Update is the resulting state change.
	Update document.StateUpdate `json:"update"`
}

// DiffResponse is the JSON form of a diff download.
type DiffResponse struct {
	Since string          `json:"since,omitempty"`
	Index string          `json:"index"`
	Diff  repository.Diff `json:"diff"`
}

// BranchUpdateRequest is sent to create or move a branch.
type BranchUpdateRequest struct {
	// Old is the expected current head (empty for create).
	Old string `json:"old,omitempty"`
	// New is the new head, a commit or index hash.
	New string `json:"new"`
	// Force skips the compare-and-swap check.
	Force bool `json:"force,omitempty"`
}

// BranchUpdateResponse is returned after updating a branch.
type BranchUpdateResponse struct {
	OK        bool   `json:"ok"`
	UpdatedAt int64  `json:"updatedAt"`
	PushID    string `json:"pushId"`
	Error     string `json:"error,omitempty"`
}

// BranchEntry represents a single branch in list responses.
type BranchEntry struct {
	Name      string `json:"name"`
	Head      string `json:"head"`
	UpdatedAt int64  `json:"updatedAt"`
	Actor     string `json:"actor,omitempty"`
}

// BranchesListResponse contains a list of branches.
type BranchesListResponse struct {
	Branches []*BranchEntry `json:"branches"`
}

// BranchHistoryEntry is one link of a branch's hash-chained history.
type BranchHistoryEntry struct {
	Seq int64 `json:"seq"`
	// ID is the blake3 of the entry's canonical JSON.
	ID string `json:"id"`
	// Parent is the previous entry's ID.
	Parent string `json:"parent,omitempty"`
	Time   int64  `json:"time"`
	Actor  string `json:"actor,omitempty"`
	Branch string `json:"branch"`
	Old    string `json:"old,omitempty"`
	New    string `json:"new"`
	PushID string `json:"pushId,omitempty"`
}

// BranchHistoryResponse contains a branch's history, oldest first.
type BranchHistoryResponse struct {
	Entries []*BranchHistoryEntry `json:"entries"`
}

// StateResponse is the materialized state of a document.
type StateResponse struct {
	Doc     string            `json:"doc"`
	Index   string            `json:"index"`
	Version map[string]uint64 `json:"version"`
	State   document.State    `json:"state"`
}

// IndexResponse lists the atom hashes of a document's current index.
type IndexResponse struct {
	Hash  string   `json:"hash"`
	Atoms []string `json:"atoms"`
}

// StateEvent is pushed to watchers after every merge.
type StateEvent struct {
	Doc    string               `json:"doc"`
	Index  string               `json:"index"`
	Time   int64                `json:"time"`
	Update document.StateUpdate `json:"update"`
}

// CreateDocRequest is sent to create a document.
type CreateDocRequest struct {
	Name string `json:"name"`
}

// DocEntry describes a document.
type DocEntry struct {
	Name  string `json:"name"`
	Index string `json:"index,omitempty"`
}

// DocsListResponse contains a list of documents.
type DocsListResponse struct {
	Docs []*DocEntry `json:"docs"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
