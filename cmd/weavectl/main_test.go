package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"weavelab/cas"
	"weavelab/document"
	"weavelab/replica"
	"weavelab/repository"
	"weavelab/store"
)

// seedDoc writes a document with two commits on main.
func seedDoc(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenDocDB(dir, "notes")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetActor("test")

	rep, err := replica.New("s1", replica.WithRoot())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := repository.CommitBranch(ctx, db, "main", "create notes", rep.Index(), cas.NowMs()); err != nil {
		t.Fatal(err)
	}
	if _, err := rep.CreateBot("b1", map[string]any{"name": "first", "size": "2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repository.CommitBranch(ctx, db, "main", "add b1", rep.Index(), cas.NowMs()); err != nil {
		t.Fatal(err)
	}
	return dir
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("weavectl %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestExportAndInspect(t *testing.T) {
	dir := seedDoc(t)
	file := filepath.Join(t.TempDir(), "notes.json")

	run(t, "export", "--data", dir, "--doc", "notes", "--site", "s1", "-o", file)

	out := run(t, "inspect", file)
	for _, want := range []string{"Format:      v3", "Site:        s1", "Ordered:     true", "Atoms:       6", "bot b1", "first"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}

	out = run(t, "inspect", "--json", file)
	var state document.State
	if err := json.Unmarshal([]byte(out), &state); err != nil {
		t.Fatalf("decoding state: %v\n%s", err, out)
	}
	if state["b1"] == nil || state["b1"].Tags["size"] != 2.0 {
		t.Errorf("got %+v", state)
	}
}

func TestCheckout(t *testing.T) {
	dir := seedDoc(t)
	out := run(t, "checkout", "--data", dir, "--doc", "notes")
	for _, want := range []string{"add b1", "Atoms:   6", "Stored:  6 atoms, 2 indexes, 2 commits"} {
		if !strings.Contains(out, want) {
			t.Errorf("checkout output missing %q:\n%s", want, out)
		}
	}
}

func TestBranchesLogAndHistory(t *testing.T) {
	dir := seedDoc(t)

	out := run(t, "branches", "--data", dir, "--doc", "notes")
	if !strings.Contains(out, "main") || !strings.Contains(out, "test") {
		t.Errorf("branches:\n%s", out)
	}
	out = run(t, "branches", "--data", dir, "--doc", "notes", "--match", "snapshots/*")
	if !strings.Contains(out, "No branches found.") {
		t.Errorf("filtered branches:\n%s", out)
	}

	out = run(t, "log", "--data", dir, "--doc", "notes")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "add b1") || !strings.HasSuffix(lines[1], "create notes") {
		t.Errorf("log:\n%s", out)
	}

	out = run(t, "history", "--data", dir, "--doc", "notes", "--verify")
	if !strings.Contains(out, "verified (2 entries)") {
		t.Errorf("history:\n%s", out)
	}
}

func TestMissingDoc(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"checkout", "--data", t.TempDir(), "--doc", "nope"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for missing document")
	}
}
