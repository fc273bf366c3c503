// Command weavectl inspects weavelab exports and document databases.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"weavelab/atom"
	"weavelab/cas"
	"weavelab/document"
	"weavelab/format"
	"weavelab/repository"
	"weavelab/store"
	"weavelab/weave"
)

// Version is the current weavectl version
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// docFlags locate a document database.
type docFlags struct {
	data   string
	doc    string
	branch string
}

func (f *docFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.data, "data", "./data", "Data directory of the daemon")
	cmd.Flags().StringVar(&f.doc, "doc", "", "Document name")
	cmd.Flags().StringVar(&f.branch, "branch", "main", "Branch to read")
	cmd.MarkFlagRequired("doc")
}

func (f *docFlags) open() (*store.DB, error) {
	if _, err := os.Stat(filepath.Join(f.data, f.doc, store.DBFileName)); err != nil {
		return nil, fmt.Errorf("document %s not found in %s", f.doc, f.data)
	}
	db, err := store.OpenDocDB(f.data, f.doc)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.doc, err)
	}
	return db, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "weavectl",
		Short:        "weavectl - inspect weavelab documents",
		Long:         `weavectl reads stored tree exports and the per-document SQLite databases written by weavelabd.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.AddCommand(
		newInspectCmd(),
		newBranchesCmd(),
		newCheckoutCmd(),
		newExportCmd(),
		newLogCmd(),
		newHistoryCmd(),
	)
	return root
}

// ----- inspect -----

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Load a stored tree export and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			loaded, err := format.Load(data, logger)
			if err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			w := weave.New()
			if err := format.Import(w, loaded); err != nil {
				return fmt.Errorf("importing %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintf(out, "Format:      v%d\n", loaded.Version)
				fmt.Fprintf(out, "Site:        %s\n", orNone(loaded.Site))
				fmt.Fprintf(out, "Known sites: %s\n", orNone(strings.Join(loaded.KnownSites, ", ")))
				fmt.Fprintf(out, "Ordered:     %t\n", loaded.Ordered)
				fmt.Fprintf(out, "Atoms:       %d\n", w.Len())
				fmt.Fprintln(out)
			}
			return printState(out, reduce(w), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output state as JSON")
	return cmd
}

// ----- branches -----

func newBranchesCmd() *cobra.Command {
	var (
		f     docFlags
		match string
	)
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List the branches of a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := f.open()
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.ListBranchRecords(cmd.Context(), match)
			if err != nil {
				return fmt.Errorf("listing branches: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No branches found.")
				return nil
			}
			fmt.Fprintf(out, "%-30s  %-12s  %-20s  %s\n", "NAME", "HEAD", "UPDATED", "ACTOR")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, rec := range recs {
				fmt.Fprintf(out, "%-30s  %-12s  %-20s  %s\n",
					rec.Name, cas.ShortHash(rec.Head), formatTime(rec.Time), rec.Actor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.data, "data", "./data", "Data directory of the daemon")
	cmd.Flags().StringVar(&f.doc, "doc", "", "Document name")
	cmd.Flags().StringVar(&match, "match", "", "Only list branches matching this glob (e.g. 'snapshots/**')")
	cmd.MarkFlagRequired("doc")
	return cmd
}

// ----- checkout -----

func newCheckoutCmd() *cobra.Command {
	var (
		f      docFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Rebuild a branch and print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := f.open()
			if err != nil {
				return err
			}
			defer db.Close()

			loaded, err := repository.Checkout(cmd.Context(), db, f.branch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				cc := loaded.CurrentCommit
				if cc.Commit != nil {
					fmt.Fprintf(out, "Commit:  %s %s\n", cas.ShortHash(cc.Commit.Hash), cc.Commit.Message)
				}
				fmt.Fprintf(out, "Index:   %s\n", cas.ShortHash(cc.Index.Hash))
				fmt.Fprintf(out, "Atoms:   %d\n", loaded.Weave.Len())
				if len(loaded.Pending) > 0 {
					fmt.Fprintf(out, "Pending: %d\n", len(loaded.Pending))
				}
				counts, err := db.CountObjects(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Stored:  %d atoms, %d indexes, %d commits\n",
					counts[repository.KindAtom], counts[repository.KindIndex], counts[repository.KindCommit])
				fmt.Fprintln(out)
			}
			return printState(out, reduce(loaded.Weave), asJSON)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output state as JSON")
	return cmd
}

// ----- export -----

func newExportCmd() *cobra.Command {
	var (
		f      docFlags
		site   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a branch as a stored tree export",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := f.open()
			if err != nil {
				return err
			}
			defer db.Close()

			loaded, err := repository.Checkout(cmd.Context(), db, f.branch)
			if err != nil {
				return err
			}
			tree, err := format.Export(loaded.Weave, site, knownSites(loaded.Weave.Atoms()))
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(tree, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d atoms to %s\n", loaded.Weave.Len(), output)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&site, "site", "", "Site ID recorded in the export")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

// ----- log -----

func newLogCmd() *cobra.Command {
	var (
		f     docFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the commits of a branch, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := f.open()
			if err != nil {
				return err
			}
			defer db.Close()

			b, err := db.GetBranch(cmd.Context(), f.branch)
			if err != nil {
				return err
			}
			commits, err := commitChain(cmd.Context(), db, b.Head, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(commits) == 0 {
				fmt.Fprintf(out, "%s points at index %s\n", f.branch, cas.ShortHash(b.Head))
				return nil
			}
			for _, c := range commits {
				fmt.Fprintf(out, "%s  %s  %s\n", cas.ShortHash(c.Hash), formatTime(c.Time), c.Message)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of commits to show")
	return cmd
}

// commitChain follows parent links from head. A head naming an index has
// no commits.
func commitChain(ctx context.Context, s repository.Store, head string, limit int) ([]*repository.Commit, error) {
	obj, err := s.GetObject(ctx, head)
	if err != nil {
		return nil, err
	}
	if obj.Kind != repository.KindCommit {
		return nil, nil
	}

	var commits []*repository.Commit
	for hash := head; hash != "" && (limit <= 0 || len(commits) < limit); {
		c, err := repository.LoadCommit(ctx, s, hash)
		if err != nil {
			return commits, err
		}
		commits = append(commits, c)
		hash = c.Parent
	}
	return commits, nil
}

// ----- history -----

func newHistoryCmd() *cobra.Command {
	var (
		f      docFlags
		verify bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the update history of a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := f.open()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.BranchHistory(cmd.Context(), f.branch, 0, 1000)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				forced := ""
				if e.Force {
					forced = " (forced)"
				}
				fmt.Fprintf(out, "%4d  %s  %-12s -> %-12s  %s%s\n",
					e.Seq, formatTime(e.Time), orNone(cas.ShortHash(e.Old)), cas.ShortHash(e.New), e.Actor, forced)
			}
			if verify {
				if err := db.VerifyHistory(cmd.Context(), f.branch); err != nil {
					return err
				}
				fmt.Fprintf(out, "History chain of %s verified (%d entries)\n", f.branch, len(entries))
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify the hash chain")
	return cmd
}

// ----- helpers -----

func reduce(w *weave.Weave) document.State {
	r := document.NewReducer()
	r.Reset(w)
	return r.State()
}

func printState(out io.Writer, state document.State, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	if len(state) == 0 {
		fmt.Fprintln(out, "No bots.")
		return nil
	}
	for _, id := range slices.Sorted(maps.Keys(state)) {
		e := state[id]
		fmt.Fprintf(out, "bot %s\n", id)
		for _, name := range slices.Sorted(maps.Keys(e.Tags)) {
			fmt.Fprintf(out, "  %-20s %v\n", name, e.Tags[name])
		}
		for _, name := range slices.Sorted(maps.Keys(e.Masks)) {
			fmt.Fprintf(out, "  %-20s %v (mask)\n", name, e.Masks[name])
		}
	}
	return nil
}

func knownSites(atoms []*atom.Atom) []string {
	seen := make(map[string]bool)
	for _, a := range atoms {
		seen[a.ID.Site] = true
	}
	return slices.Sorted(maps.Keys(seen))
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
