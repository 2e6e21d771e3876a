package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
	"github.com/roach88/lattice/internal/ir"
)

// resolveRoot returns the B-tree root ref names. ref is a head or the hex
// digest of a tree root. Heads of commit records resolve to the record's
// data root, or to a server commit's meta root when meta is set.
func resolveRoot(ctx context.Context, store *chunk.Store, ref string, meta bool) (chunk.Digest, error) {
	d, err := store.Head(ctx, ref)
	if err != nil {
		return chunk.Digest{}, err
	}
	if d.IsZero() {
		if d, err := chunk.ParseDigest(ref); err == nil {
			return d, nil
		}
		return chunk.Digest{}, fmt.Errorf("no head named %q", ref)
	}
	if meta && !strings.HasPrefix(ref, "server/") {
		return chunk.Digest{}, fmt.Errorf("head %s has no meta tree", ref)
	}

	switch {
	case strings.HasPrefix(ref, "server/"):
		var c commit.Server
		if err := commit.Load(ctx, store, d, &c); err != nil {
			return chunk.Digest{}, err
		}
		if meta {
			return c.MetaRoot, nil
		}
		return c.DataRoot, nil
	case strings.HasPrefix(ref, "sync/") && strings.HasSuffix(ref, "/snapshot"):
		var s commit.Snapshot
		if err := commit.Load(ctx, store, d, &s); err != nil {
			return chunk.Digest{}, err
		}
		return s.DataRoot, nil
	case strings.HasPrefix(ref, "sync/") && strings.HasSuffix(ref, "/main"):
		var l commit.Local
		if err := commit.Load(ctx, store, d, &l); err != nil {
			return chunk.Digest{}, err
		}
		return l.DataRoot, nil
	case strings.HasPrefix(ref, "log/"):
		return d, nil
	}
	return chunk.Digest{}, fmt.Errorf("head %s does not point at a tree", ref)
}

// withTree opens the configured store for the duration of fn.
func withTree(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, store *chunk.Store, tree *btree.Tree) error) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, tree, err := opts.OpenTree(ctx, cfg, opts.Logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store, tree)
}

// HeadInfo is one line of the heads command.
type HeadInfo struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

// NewHeadsCommand creates the heads command.
func NewHeadsCommand(opts *RootOptions) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "heads",
		Short: "List the named heads of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd, opts, func(ctx context.Context, store *chunk.Store, _ *btree.Tree) error {
				heads, err := store.Heads(ctx)
				if err != nil {
					return err
				}
				out := []HeadInfo{}
				for _, name := range slices.Sorted(maps.Keys(heads)) {
					if strings.HasPrefix(name, prefix) {
						out = append(out, HeadInfo{Name: name, Digest: heads[name].String()})
					}
				}
				return opts.Output(cmd).Success(out, func(w io.Writer) {
					for _, h := range out {
						fmt.Fprintf(w, "%s\t%s\n", h.Digest, h.Name)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only heads starting with prefix")
	return cmd
}

// EntryInfo is a tree entry as printed by scan.
type EntryInfo struct {
	Key   string   `json:"key"`
	Value ir.Value `json:"value"`
}

// NewScanCommand creates the scan command.
func NewScanCommand(opts *RootOptions) *cobra.Command {
	var (
		prefix string
		start  string
		limit  int
		meta   bool
	)
	cmd := &cobra.Command{
		Use:   "scan <head|digest>",
		Short: "Print the entries of a tree in key order",
		Long: `Print the entries of the tree a head points at.

Server heads (server/main, server/v/<n>) scan the data tree, or the
bookkeeping tree with --meta. Client heads sync/<group>/snapshot,
sync/<group>/main and log/<client> scan their tree directly.

Examples:
  lattice scan server/main --store lattice.db
  lattice scan sync/g1/main --prefix todo/ --backend bolt --store client.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd, opts, func(ctx context.Context, store *chunk.Store, tree *btree.Tree) error {
				root, err := resolveRoot(ctx, store, args[0], meta)
				if err != nil {
					return WrapExitError(ExitCommandError, "resolve "+args[0], err)
				}
				r, err := tree.Read(ctx, root)
				if err != nil {
					return err
				}
				defer r.Close(ctx)

				out := []EntryInfo{}
				for e, err := range r.Scan(ctx, btree.KeyRange{Start: start, Prefix: prefix}) {
					if err != nil {
						return err
					}
					if limit > 0 && len(out) == limit {
						break
					}
					out = append(out, EntryInfo{Key: e.Key, Value: e.Value})
				}
				return opts.Output(cmd).Success(out, func(w io.Writer) {
					for _, e := range out {
						fmt.Fprintf(w, "%s\t%s\n", e.Key, ir.CanonicalString(e.Value))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys starting with prefix")
	cmd.Flags().StringVar(&start, "start", "", "first key to print")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n entries")
	cmd.Flags().BoolVar(&meta, "meta", false, "scan a server commit's meta tree")
	return cmd
}

// ChangeInfo is one diff entry as printed by diff.
type ChangeInfo struct {
	Op  btree.Op `json:"op"`
	Key string   `json:"key"`
	Old ir.Value `json:"old,omitempty"`
	New ir.Value `json:"new,omitempty"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(opts *RootOptions) *cobra.Command {
	var meta bool
	cmd := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Print the changes between two trees",
		Long: `Print the entries that differ between two trees, each named by a head
or a root digest.

Examples:
  lattice diff server/v/3 server/main --store lattice.db`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd, opts, func(ctx context.Context, store *chunk.Store, tree *btree.Tree) error {
				var roots [2]chunk.Digest
				for i, ref := range args {
					root, err := resolveRoot(ctx, store, ref, meta)
					if err != nil {
						return WrapExitError(ExitCommandError, "resolve "+ref, err)
					}
					roots[i] = root
				}
				entries, err := tree.DiffAll(ctx, roots[0], roots[1])
				if err != nil {
					return err
				}
				out := make([]ChangeInfo, 0, len(entries))
				for _, e := range entries {
					out = append(out, ChangeInfo{Op: e.Op, Key: e.Key, Old: e.Old, New: e.New})
				}
				return opts.Output(cmd).Success(out, func(w io.Writer) {
					for _, c := range out {
						switch c.Op {
						case btree.OpDelete:
							fmt.Fprintf(w, "- %s\t%s\n", c.Key, ir.CanonicalString(c.Old))
						case btree.OpAdd:
							fmt.Fprintf(w, "+ %s\t%s\n", c.Key, ir.CanonicalString(c.New))
						default:
							fmt.Fprintf(w, "~ %s\t%s -> %s\n", c.Key, ir.CanonicalString(c.Old), ir.CanonicalString(c.New))
						}
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "diff server meta trees")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	var meta bool
	cmd := &cobra.Command{
		Use:   "stats <head|digest>",
		Short: "Print the shape of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd, opts, func(ctx context.Context, store *chunk.Store, tree *btree.Tree) error {
				root, err := resolveRoot(ctx, store, args[0], meta)
				if err != nil {
					return WrapExitError(ExitCommandError, "resolve "+args[0], err)
				}
				st, err := tree.Stats(ctx, root)
				if err != nil {
					return err
				}
				return opts.Output(cmd).Success(st, func(w io.Writer) {
					fmt.Fprintf(w, "root\t%s\nentries\t%d\nleaves\t%d\nnodes\t%d\ndepth\t%d\n",
						root, st.Entries, st.Leaves, st.Nodes, st.Depth)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "use a server commit's meta tree")
	return cmd
}

// GCResult is the output of the gc command.
type GCResult struct {
	Collected int `json:"collected"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(opts *RootOptions) *cobra.Command {
	var keep []string
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim chunks no head reaches",
		Long: `Reclaim every chunk unreachable from the store's heads.

With --keep, heads not listed are deleted first. Chunks pinned by
servers or clients that have the store open are kept, so collecting a
live store is safe. Pins of a process that stopped without closing the
store are dropped once their TTL lapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(cmd, opts, func(ctx context.Context, store *chunk.Store, _ *btree.Tree) error {
				var names []string
				if cmd.Flags().Changed("keep") {
					names = append([]string{}, keep...)
				}
				n, err := store.GC(ctx, names)
				if err != nil {
					return err
				}
				return opts.Output(cmd).Success(GCResult{Collected: n}, func(w io.Writer) {
					fmt.Fprintf(w, "collected %d chunks\n", n)
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "heads to keep; all others are deleted")
	return cmd
}
