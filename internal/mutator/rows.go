package mutator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/ivm"
)

// ErrRowMissing is returned by updateRow when the row does not exist.
var ErrRowMissing = errors.New("row does not exist")

// Rows returns mutators that operate on whole rows keyed by the pk field:
//
//	putRow    {"table": t, "row": {...}}          store the row
//	updateRow {"table": t, "id": pk, "set": {...}} merge fields into an existing row
//	deleteRow {"table": t, "id": pk}              remove the row if present
func Rows(pk string) Registry {
	return Registry{
		"putRow": func(ctx context.Context, tx *WriteTx, args ir.Value) error {
			a, err := object(args)
			if err != nil {
				return err
			}
			table, err := stringField(a, "table")
			if err != nil {
				return err
			}
			row, ok := a["row"].(ir.Object)
			if !ok {
				return errors.New("putRow: row must be an object")
			}
			id, ok := row[pk]
			if !ok {
				return fmt.Errorf("putRow: row has no %q field", pk)
			}
			return tx.Put(ctx, ivm.RowKey(table, id), row)
		},
		"updateRow": func(ctx context.Context, tx *WriteTx, args ir.Value) error {
			a, err := object(args)
			if err != nil {
				return err
			}
			table, err := stringField(a, "table")
			if err != nil {
				return err
			}
			set, ok := a["set"].(ir.Object)
			if !ok {
				return errors.New("updateRow: set must be an object")
			}
			id, ok := a["id"]
			if !ok {
				return errors.New("updateRow: id is required")
			}
			key := ivm.RowKey(table, id)
			cur, err := tx.Get(ctx, key)
			if errors.Is(err, btree.ErrNotFound) {
				return fmt.Errorf("updateRow %s: %w", key, ErrRowMissing)
			}
			if err != nil {
				return err
			}
			row, ok := cur.(ir.Object)
			if !ok {
				return fmt.Errorf("updateRow %s: stored value is %s", key, ir.Kind(cur))
			}
			row = row.Clone()
			for k, v := range set {
				if k == pk {
					return fmt.Errorf("updateRow %s: cannot change %q", key, pk)
				}
				row[k] = v
			}
			return tx.Put(ctx, key, row)
		},
		"deleteRow": func(ctx context.Context, tx *WriteTx, args ir.Value) error {
			a, err := object(args)
			if err != nil {
				return err
			}
			table, err := stringField(a, "table")
			if err != nil {
				return err
			}
			id, ok := a["id"]
			if !ok {
				return errors.New("deleteRow: id is required")
			}
			_, err = tx.Delete(ctx, ivm.RowKey(table, id))
			return err
		},
	}
}

// Merge returns a registry holding every mutator of rs; later names win.
func Merge(rs ...Registry) Registry {
	out := Registry{}
	for _, r := range rs {
		for name, fn := range r {
			out[name] = fn
		}
	}
	return out
}

func object(args ir.Value) (ir.Object, error) {
	a, ok := args.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("args must be an object, got %s", ir.Kind(args))
	}
	return a, nil
}

func stringField(a ir.Object, name string) (string, error) {
	s, ok := a[name].(ir.String)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return string(s), nil
}
