package ivm

import (
	"fmt"
	"strings"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
)

// RowKey returns the data tree key of a row: "<table>/<pk>".
func RowKey(table string, pk ir.Value) string {
	if s, ok := pk.(ir.String); ok {
		return table + "/" + string(s)
	}
	return table + "/" + ir.CanonicalString(pk)
}

// SplitKey returns the table name of a data tree key.
func SplitKey(key string) (table string, ok bool) {
	table, _, ok = strings.Cut(key, "/")
	return table, ok && table != ""
}

// FeedDiff pushes B-tree diff entries into the graph's sources. Keys
// outside any registered table are skipped. Values must be objects.
func FeedDiff(g *Graph, entries []btree.DiffEntry) error {
	for _, e := range entries {
		table, ok := SplitKey(e.Key)
		if !ok || g.Source(table) == nil {
			continue
		}
		c, err := diffChange(e)
		if err != nil {
			return err
		}
		if err := g.Push(table, c); err != nil {
			return fmt.Errorf("feed %s: %w", e.Key, err)
		}
	}
	return nil
}

func diffChange(e btree.DiffEntry) (Change, error) {
	asRow := func(v ir.Value) (Row, error) {
		r, ok := v.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("feed %s: value is %s, not an object", e.Key, ir.Kind(v))
		}
		return r, nil
	}
	switch e.Op {
	case btree.OpAdd:
		r, err := asRow(e.New)
		return Change{Kind: Add, Row: r}, err
	case btree.OpDelete:
		r, err := asRow(e.Old)
		return Change{Kind: Remove, Row: r}, err
	case btree.OpChange:
		old, err := asRow(e.Old)
		if err != nil {
			return Change{}, err
		}
		r, err := asRow(e.New)
		return Change{Kind: Edit, Old: old, Row: r}, err
	}
	return Change{}, fmt.Errorf("feed %s: unknown diff op %q", e.Key, e.Op)
}
