package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
)

// check compares e with the state of its target and describes every
// mismatch. A read failure is reported as a mismatch.
func (h *Harness) check(ctx context.Context, e *Expect) []string {
	if e.Client == "" {
		return h.checkServer(ctx, e)
	}
	c := h.clients[e.Client]
	var out []string

	if e.Rows != nil {
		entries, err := c.Entries(ctx, btree.KeyRange{})
		out = append(out, compareRows(e.Rows, entries, err)...)
	}
	if e.Pending != nil {
		got, err := h.pendingIDs(ctx, c)
		if err != nil {
			out = append(out, fmt.Sprintf("pending: %v", err))
		} else if want := uintArray(*e.Pending); !ir.Equal(want, got) {
			out = append(out, fmt.Sprintf("pending: want %s, got %s", ir.CanonicalString(want), ir.CanonicalString(got)))
		}
	}
	if e.Cookie != nil {
		got, err := c.Cookie(ctx)
		switch {
		case err != nil:
			out = append(out, fmt.Sprintf("cookie: %v", err))
		case string(got) != *e.Cookie:
			out = append(out, fmt.Sprintf("cookie: want %q, got %q", *e.Cookie, got))
		}
	}
	if e.LastMutationIDs != nil {
		got, err := c.LastMutationIDs(ctx)
		out = append(out, compareIDs(e.LastMutationIDs, got, err)...)
	}
	for _, id := range slices.Sorted(maps.Keys(e.Receipts)) {
		want := e.Receipts[id]
		got := h.outcome(e.Client, id)
		if got == "" {
			got = "unknown"
		}
		if got != want {
			out = append(out, fmt.Sprintf("receipt %d: want %s, got %s", id, want, got))
		}
	}
	return out
}

func (h *Harness) checkServer(ctx context.Context, e *Expect) []string {
	var out []string
	if e.Rows != nil {
		entries, err := h.srv.Entries(ctx, btree.KeyRange{})
		out = append(out, compareRows(e.Rows, entries, err)...)
	}
	if e.Cookie != nil {
		if got := string(h.srv.Cookie()); got != *e.Cookie {
			out = append(out, fmt.Sprintf("cookie: want %q, got %q", *e.Cookie, got))
		}
	}
	if e.LastMutationIDs != nil {
		got, err := h.srv.LastMutationIDs(ctx, e.Group)
		out = append(out, compareIDs(e.LastMutationIDs, got, err)...)
	}
	return out
}

// compareRows requires entries to hold exactly the rows of want.
func compareRows(want map[string]any, entries []btree.Entry, err error) []string {
	if err != nil {
		return []string{fmt.Sprintf("rows: %v", err)}
	}
	var out []string
	got := make(map[string]ir.Value, len(entries))
	for _, e := range entries {
		got[e.Key] = e.Value
	}
	for _, key := range slices.Sorted(maps.Keys(want)) {
		w, err := ir.FromGo(want[key])
		if err != nil {
			out = append(out, fmt.Sprintf("rows: %s: %v", key, err))
			continue
		}
		g, ok := got[key]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("rows: missing %s", key))
		case !ir.Equal(w, g):
			out = append(out, fmt.Sprintf("rows: %s: want %s, got %s", key, ir.CanonicalString(w), ir.CanonicalString(g)))
		}
	}
	for _, e := range entries {
		if _, ok := want[e.Key]; !ok {
			out = append(out, fmt.Sprintf("rows: unexpected %s = %s", e.Key, ir.CanonicalString(e.Value)))
		}
	}
	return out
}

func compareIDs(want, got map[string]uint64, err error) []string {
	if err != nil {
		return []string{fmt.Sprintf("lmids: %v", err)}
	}
	if maps.Equal(want, got) {
		return nil
	}
	return []string{fmt.Sprintf("lmids: want %s, got %s", formatIDs(want), formatIDs(got))}
}

func formatIDs(ids map[string]uint64) string {
	obj := ir.Object{}
	for k, v := range ids {
		obj[k] = ir.Int(v)
	}
	return ir.CanonicalString(obj)
}

func uintArray(ids []uint64) ir.Array {
	out := ir.Array{}
	for _, id := range ids {
		out = append(out, ir.Int(id))
	}
	return out
}
