// Package store provides SQLite-backed storage for weavelab documents.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"weavelab/cas"
	"weavelab/repository"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// DBFileName is the database file created in each document directory.
const DBFileName = "weavelab.db"

var (
	ErrObjectNotFound = fmt.Errorf("object %w", repository.ErrNotFound)
	ErrBranchNotFound = fmt.Errorf("branch %w", repository.ErrNotFound)
	ErrBranchMismatch = repository.ErrBranchMismatch
)

// DB wraps a SQLite connection holding one document's objects and branches.
// It implements repository.Store.
type DB struct {
	conn  *sql.DB
	path  string
	actor string
}

var (
	_ repository.Store         = (*DB)(nil)
	_ repository.ObjectChecker = (*DB)(nil)
)

// OpenDocDB opens or creates the database of a document under root.
func OpenDocDB(root, doc string) (*DB, error) {
	dir := filepath.Join(root, doc)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, DBFileName))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db := &DB{conn: conn, path: dbPath, actor: "weavelab"}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetActor sets the actor recorded for updates made through UpdateBranch.
func (db *DB) SetActor(actor string) {
	db.actor = actor
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// ----- Objects -----

// PutObjects stores objects in one transaction. Existing hashes are ignored.
func (db *DB) PutObjects(ctx context.Context, objs []repository.Object) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO objects (hash, kind, data, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	ts := cas.NowMs()
	for _, o := range objs {
		if _, err := stmt.ExecContext(ctx, o.Hash, o.Kind, o.Data, ts); err != nil {
			return fmt.Errorf("inserting object %s: %w", cas.ShortHash(o.Hash), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetObject retrieves an object by hash.
func (db *DB) GetObject(ctx context.Context, hash string) (repository.Object, error) {
	obj := repository.Object{Hash: hash}
	err := db.conn.QueryRowContext(ctx,
		`SELECT kind, data FROM objects WHERE hash = ?`, hash,
	).Scan(&obj.Kind, &obj.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, cas.ShortHash(hash))
	}
	if err != nil {
		return repository.Object{}, fmt.Errorf("querying object: %w", err)
	}
	return obj, nil
}

// HasObjects checks which hashes exist. StoreIndex uses it to skip atoms
// a document already holds.
func (db *DB) HasObjects(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool)

	// Process in batches to avoid query size limits
	const batchSize = 500
	for i := 0; i < len(hashes); i += batchSize {
		batch := hashes[i:min(i+batchSize, len(hashes))]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for j, h := range batch {
			placeholders[j] = "?"
			args[j] = h
		}

		query := fmt.Sprintf(
			`SELECT hash FROM objects WHERE hash IN (%s)`,
			strings.Join(placeholders, ","),
		)
		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying objects: %w", err)
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning object: %w", err)
			}
			result[h] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating objects: %w", err)
		}
	}
	return result, nil
}

// CountObjects returns the number of stored objects per kind.
func (db *DB) CountObjects(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT kind, COUNT(*) FROM objects GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting objects: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// ----- Branches -----

// BranchRecord is a branch with the metadata of its last update.
type BranchRecord struct {
	repository.Branch
	Actor  string
	PushID string
}

// GetBranch retrieves a branch by name.
func (db *DB) GetBranch(ctx context.Context, name string) (*repository.Branch, error) {
	rec, err := db.GetBranchRecord(ctx, name)
	if err != nil {
		return nil, err
	}
	return &rec.Branch, nil
}

// GetBranchRecord retrieves a branch and its update metadata.
func (db *DB) GetBranchRecord(ctx context.Context, name string) (*BranchRecord, error) {
	var rec BranchRecord
	err := db.conn.QueryRowContext(ctx,
		`SELECT name, head, updated_at, actor, push_id FROM branches WHERE name = ?`,
		name,
	).Scan(&rec.Name, &rec.Head, &rec.Time, &rec.Actor, &rec.PushID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch: %w", err)
	}
	return &rec, nil
}

// ListBranches returns every branch ordered by name.
func (db *DB) ListBranches(ctx context.Context) ([]*repository.Branch, error) {
	recs, err := db.ListBranchRecords(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]*repository.Branch, len(recs))
	for i, rec := range recs {
		out[i] = &rec.Branch
	}
	return out, nil
}

// ListBranchRecords returns branches whose names match a doublestar glob
// pattern, ordered by name. An empty pattern matches everything.
func (db *DB) ListBranchRecords(ctx context.Context, pattern string) ([]*BranchRecord, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid branch pattern %q", pattern)
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, head, updated_at, actor, push_id FROM branches ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var recs []*BranchRecord
	for rows.Next() {
		var rec BranchRecord
		if err := rows.Scan(&rec.Name, &rec.Head, &rec.Time, &rec.Actor, &rec.PushID); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, rec.Name); !ok {
				continue
			}
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// UpdateBranch moves a branch from old to new, recording the DB's actor.
func (db *DB) UpdateBranch(ctx context.Context, name, old, new string) error {
	_, err := db.SetBranchFF(ctx, name, old, new, db.actor, uuid.NewString())
	return err
}

// SetBranchFF updates a branch with a compare-and-swap check.
// If old is empty, the branch must not exist.
// If old is non-empty, the current head must match old.
func (db *DB) SetBranchFF(ctx context.Context, name, old, new, actor, pushID string) (int64, error) {
	return db.setBranch(ctx, name, old, new, actor, pushID, false)
}

// ForceSetBranch updates a branch without the compare-and-swap check.
func (db *DB) ForceSetBranch(ctx context.Context, name, new, actor, pushID string) (int64, error) {
	return db.setBranch(ctx, name, "", new, actor, pushID, true)
}

func (db *DB) setBranch(ctx context.Context, name, old, new, actor, pushID string, force bool) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ts := cas.NowMs()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT head FROM branches WHERE name = ?`, name).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("checking current branch: %w", err)
	}
	if !force && current != old {
		return 0, fmt.Errorf("%w: %s is at %q, expected %q", ErrBranchMismatch, name, cas.ShortHash(current), cas.ShortHash(old))
	}

	// Chain onto the last history entry of this branch
	var parent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM branch_history WHERE branch = ? ORDER BY seq DESC LIMIT 1`,
		name,
	).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("getting parent history: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO branches (name, head, updated_at, actor, push_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET head=excluded.head, updated_at=excluded.updated_at, actor=excluded.actor, push_id=excluded.push_id`,
		name, new, ts, actor, pushID,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting branch: %w", err)
	}

	entry := map[string]any{
		"time":   ts,
		"actor":  actor,
		"branch": name,
		"old":    current,
		"new":    new,
		"pushId": pushID,
	}
	if force {
		entry["force"] = true
	}
	if parent.Valid {
		entry["parent"] = parent.String
	}
	meta, err := cas.CanonicalJSON(entry)
	if err != nil {
		return 0, fmt.Errorf("marshaling history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO branch_history (id, parent, time, actor, branch, old, new, push_id, forced, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cas.Blake3HashHex(meta), parent, ts, actor, name, current, new, pushID, force, string(meta),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting branch history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return ts, nil
}

// DeleteBranch removes a branch pointer. Its history is kept.
func (db *DB) DeleteBranch(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	return nil
}

// ----- Branch History -----

// HistoryEntry represents a single branch update event.
type HistoryEntry struct {
	Seq    int64
	ID     string
	Parent string
	Time   int64
	Actor  string
	Branch string
	Old    string
	New    string
	PushID string
	Force  bool
	Meta   string
}

// BranchHistory retrieves history entries after afterSeq in order. An empty
// branch returns entries of every branch.
func (db *DB) BranchHistory(ctx context.Context, branch string, afterSeq int64, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	const cols = `SELECT seq, id, parent, time, actor, branch, old, new, push_id, forced, meta FROM branch_history`
	var rows *sql.Rows
	var err error
	if branch == "" {
		rows, err = db.conn.QueryContext(ctx,
			cols+` WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			cols+` WHERE branch = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			branch, afterSeq, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var parent sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &parent, &e.Time, &e.Actor, &e.Branch, &e.Old, &e.New, &e.PushID, &e.Force, &e.Meta); err != nil {
			return nil, fmt.Errorf("scanning branch history: %w", err)
		}
		e.Parent = parent.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyHistory recomputes the hash chain of a branch's history and reports
// the first entry whose ID or parent link does not match.
func (db *DB) VerifyHistory(ctx context.Context, branch string) error {
	var prev string
	var after int64
	for {
		entries, err := db.BranchHistory(ctx, branch, after, 500)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if e.Parent != prev {
				return fmt.Errorf("history entry %d: parent %s does not link to %s", e.Seq, cas.ShortHash(e.Parent), cas.ShortHash(prev))
			}
			if cas.Blake3HashHex([]byte(e.Meta)) != e.ID {
				return fmt.Errorf("history entry %d: id does not match its content", e.Seq)
			}
			prev = e.ID
			after = e.Seq
		}
	}
}
