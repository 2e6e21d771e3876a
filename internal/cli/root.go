// Package cli implements the lattice command line: a sync server, store
// inspection and maintenance, and the scenario runner.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
	Backend string
	Store   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lattice CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lattice",
		Short: "Local-first sync engine",
		Long: `lattice keeps client replicas of a shared dataset in sync with an
authoritative server, over a content-addressed B-tree store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "chunk store backend (sqlite|bolt|memory), overrides the config")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "chunk store path, overrides the config")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHeadsCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// Logger returns a text logger on w, at debug level with --verbose.
func (o *RootOptions) Logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Output returns the formatter for cmd's standard output.
func (o *RootOptions) Output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// LoadConfig reads --config, or returns the defaults without one, and
// applies the store flags.
func (o *RootOptions) LoadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		var err error
		if cfg, err = config.Load(o.Config); err != nil {
			return cfg, WrapExitError(ExitCommandError, "load config", err)
		}
	}
	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.Store != "" {
		cfg.Store.Path = o.Store
	}
	return cfg, nil
}

// OpenTree opens the configured chunk store and a tree over it. The
// caller closes the store.
func (o *RootOptions) OpenTree(ctx context.Context, cfg config.Config, logger *slog.Logger) (*chunk.Store, *btree.Tree, error) {
	store, err := chunk.Open(ctx, cfg.Store.Backend, cfg.Store.Path, chunk.WithLogger(logger))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open store", err)
	}
	tree, err := btree.New(store, btree.WithConfig(cfg.BTree), btree.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, nil, WrapExitError(ExitCommandError, "open tree", err)
	}
	return store, tree, nil
}
