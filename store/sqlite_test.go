package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"weavelab/atom"
	"weavelab/repository"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDocDB(t.TempDir(), "doc")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDocDB(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "weavelab-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := OpenDocDB(tmpDir, "test-doc")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	expectedPath := filepath.Join(tmpDir, "test-doc", DBFileName)
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Errorf("expected database file at %s", expectedPath)
	}
	if db.Path() != expectedPath {
		t.Errorf("expected path %s, got %s", expectedPath, db.Path())
	}
}

func TestObjectOperations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	objs := []repository.Object{
		{Hash: "aa01", Kind: repository.KindAtom, Data: []byte(`{"a":1}`)},
		{Hash: "bb02", Kind: repository.KindIndex, Data: []byte(`{"atoms":[]}`)},
	}
	if err := db.PutObjects(ctx, objs); err != nil {
		t.Fatalf("failed to put objects: %v", err)
	}
	// Idempotent
	if err := db.PutObjects(ctx, objs[:1]); err != nil {
		t.Fatalf("failed to re-put object: %v", err)
	}

	obj, err := db.GetObject(ctx, "aa01")
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	if obj.Kind != repository.KindAtom || string(obj.Data) != `{"a":1}` {
		t.Errorf("unexpected object: %+v", obj)
	}

	_, err = db.GetObject(ctx, "missing")
	if !errors.Is(err, ErrObjectNotFound) || !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrObjectNotFound wrapping repository.ErrNotFound, got %v", err)
	}

	has, err := db.HasObjects(ctx, []string{"aa01", "bb02", "cc03"})
	if err != nil {
		t.Fatalf("failed to check objects: %v", err)
	}
	if !has["aa01"] || !has["bb02"] || has["cc03"] {
		t.Errorf("unexpected HasObjects result: %v", has)
	}

	counts, err := db.CountObjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[repository.KindAtom] != 1 || counts[repository.KindIndex] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestBranchOperations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.SetBranchFF(ctx, "main", "", "head1", "testuser", "push-123"); err != nil {
		t.Fatalf("failed to set branch: %v", err)
	}

	rec, err := db.GetBranchRecord(ctx, "main")
	if err != nil {
		t.Fatalf("failed to get branch: %v", err)
	}
	if rec.Head != "head1" || rec.Actor != "testuser" || rec.PushID != "push-123" {
		t.Errorf("unexpected branch: %+v", rec)
	}

	// Mismatch should fail
	if _, err := db.SetBranchFF(ctx, "main", "wrong", "head2", "testuser", "push-456"); !errors.Is(err, ErrBranchMismatch) {
		t.Errorf("expected ErrBranchMismatch, got %v", err)
	}
	// Creating an existing branch should fail
	if _, err := db.SetBranchFF(ctx, "main", "", "head2", "testuser", "push-456"); !errors.Is(err, ErrBranchMismatch) {
		t.Errorf("expected ErrBranchMismatch, got %v", err)
	}

	if err := db.UpdateBranch(ctx, "main", "head1", "head2"); err != nil {
		t.Fatalf("failed to fast-forward: %v", err)
	}
	if _, err := db.ForceSetBranch(ctx, "main", "head0", "admin", "push-789"); err != nil {
		t.Fatalf("failed to force set: %v", err)
	}

	b, err := db.GetBranch(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if b.Head != "head0" {
		t.Errorf("expected head0, got %s", b.Head)
	}

	if _, err := db.GetBranch(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBranchHistoryChain(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	heads := []string{"h1", "h2", "h3"}
	old := ""
	for _, h := range heads {
		if _, err := db.SetBranchFF(ctx, "main", old, h, "u", ""); err != nil {
			t.Fatalf("failed to set branch: %v", err)
		}
		old = h
	}
	if _, err := db.SetBranchFF(ctx, "other", "", "x", "u", ""); err != nil {
		t.Fatal(err)
	}

	entries, err := db.BranchHistory(ctx, "main", 0, 0)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Parent != "" {
		t.Errorf("first entry should have no parent, got %s", entries[0].Parent)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Parent != entries[i-1].ID {
			t.Errorf("entry %d does not chain to entry %d", i, i-1)
		}
		if entries[i].Old != heads[i-1] || entries[i].New != heads[i] {
			t.Errorf("entry %d: got %s -> %s", i, entries[i].Old, entries[i].New)
		}
	}
	if err := db.VerifyHistory(ctx, "main"); err != nil {
		t.Errorf("history does not verify: %v", err)
	}

	all, err := db.BranchHistory(ctx, "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 entries across branches, got %d", len(all))
	}
}

func TestListBranchRecordsMatching(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, name := range []string{"main", "users/alice/draft", "users/bob/draft", "release/1.0"} {
		if _, err := db.SetBranchFF(ctx, name, "", "h", "u", ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		pattern string
		want    int
	}{
		{"", 4},
		{"users/**", 2},
		{"users/*/draft", 2},
		{"release/*", 1},
		{"nothing", 0},
	}
	for _, tt := range tests {
		recs, err := db.ListBranchRecords(ctx, tt.pattern)
		if err != nil {
			t.Fatalf("pattern %q: %v", tt.pattern, err)
		}
		if len(recs) != tt.want {
			t.Errorf("pattern %q: expected %d branches, got %d", tt.pattern, tt.want, len(recs))
		}
	}

	if _, err := db.ListBranchRecords(ctx, "users/[a"); err == nil {
		t.Error("expected invalid pattern error")
	}
	if err := db.DeleteBranch(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if bs, _ := db.ListBranches(ctx); len(bs) != 3 {
		t.Errorf("expected 3 branches after delete, got %d", len(bs))
	}
}

func TestCheckoutFromSQLite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	clock := atom.NewSiteClock("s1")
	root, err := atom.Create(clock, nil, atom.Root{})
	if err != nil {
		t.Fatal(err)
	}
	bot, err := atom.Create(clock, root, atom.Bot{ID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	ix := repository.CreateIndex([]*atom.Atom{root, bot})
	c, err := repository.CommitBranch(ctx, db, "main", "first", ix, 1000)
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	loaded, err := repository.Checkout(ctx, db, "main")
	if err != nil {
		t.Fatalf("failed to checkout: %v", err)
	}
	if loaded.CurrentCommit.Commit.Hash != c.Hash || loaded.CurrentCommit.Index.Hash != ix.Hash {
		t.Errorf("checkout resolved the wrong commit")
	}
	if loaded.Weave.Len() != 2 {
		t.Errorf("expected 2 atoms, got %d", loaded.Weave.Len())
	}
}
