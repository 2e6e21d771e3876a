package ivm

import (
	"slices"
	"strings"

	"github.com/roach88/lattice/internal/ir"
)

// rowOrder compares rows by fields, then by canonical encoding so the
// order is total.
func rowOrder(fields []OrderField) func(a, b Row) int {
	return func(a, b Row) int {
		for _, f := range fields {
			c := ir.Compare(field(a, f.Field), field(b, f.Field))
			if f.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(rowID(a), rowID(b))
	}
}

// orderLimit keeps the first limit rows of its input in order. Rows past
// the boundary are not stored; when a visible row leaves a full window the
// window is refilled from the input.
type orderLimit struct {
	outputs
	input  node
	limit  int
	cmp    func(a, b Row) int
	window []Row
	// full is true when the input held more rows than the window at the
	// last refill or admission.
	full bool
}

func newOrderLimit(input node, spec OrderLimit) *orderLimit {
	o := &orderLimit{input: input, limit: spec.Limit, cmp: rowOrder(spec.OrderBy)}
	o.window, o.full = o.top(input.Fetch())
	return o
}

func (o *orderLimit) top(rows []Row) ([]Row, bool) {
	slices.SortFunc(rows, o.cmp)
	if o.limit > 0 && len(rows) > o.limit {
		return rows[:o.limit], true
	}
	return rows, false
}

func (o *orderLimit) bounded() bool {
	return o.limit > 0 && len(o.window) >= o.limit
}

// find returns the index of a row equal to r in the window, or -1.
func (o *orderLimit) find(r Row) int {
	i, ok := slices.BinarySearchFunc(o.window, r, o.cmp)
	if !ok {
		return -1
	}
	return i
}

// Push handles each delta of c. A visible row leaving a full window defers
// the refill until the whole change is applied, since the input already
// reflects all of it.
func (o *orderLimit) Push(c Change, _ Port) {
	refill := false
	for _, d := range split(c) {
		switch {
		case d.sign < 0:
			if o.evict(d.row) && o.full {
				refill = true
			}
		case !refill:
			o.admit(d.row)
		}
	}
	if refill {
		o.refill()
	}
}

// admit places a new input row. Each emit follows the window update it
// describes, so Fetch from downstream always matches what was emitted.
func (o *orderLimit) admit(r Row) {
	if !o.bounded() {
		o.insert(r)
		o.emit(Change{Kind: Add, Row: r})
		return
	}
	o.full = true
	last := o.window[len(o.window)-1]
	if o.cmp(r, last) >= 0 {
		return
	}
	o.window = o.window[:len(o.window)-1]
	o.emit(Change{Kind: Remove, Row: last})
	o.insert(r)
	o.emit(Change{Kind: Add, Row: r})
}

func (o *orderLimit) insert(r Row) {
	i, _ := slices.BinarySearchFunc(o.window, r, o.cmp)
	o.window = slices.Insert(o.window, i, r)
}

// evict removes r from the window and reports whether it was visible.
func (o *orderLimit) evict(r Row) bool {
	i := o.find(r)
	if i < 0 {
		// Past the boundary and not stored.
		return false
	}
	o.window = slices.Delete(o.window, i, i+1)
	o.emit(Change{Kind: Remove, Row: r})
	return true
}

// refill tops the window back up from the input after a visible row left
// a full window.
//
// It relies on the input already reflecting the whole change, so the
// input's first limit rows are the new window. Every row still in the
// window is among them. A change removes at most one row and adds at
// most one, and the removal comes first, so when refill runs the window
// holds limit-1 of the old top rows and the input gained at most one row
// that could rank above them. The old window is therefore an ordered
// subsequence of next, and a single merge walk finds the newcomers. Only newcomers are emitted, each after
// it is inserted, which keeps Fetch from downstream in step with the
// emitted changes. full is recomputed because the removals may have
// drained the input down to the window.
func (o *orderLimit) refill() {
	next, full := o.top(o.input.Fetch())
	o.full = full
	j := 0
	for _, cand := range next {
		if j < len(o.window) && o.cmp(o.window[j], cand) == 0 {
			j++
			continue
		}
		o.insert(cand)
		j++
		o.emit(Change{Kind: Add, Row: cand})
	}
}

func (o *orderLimit) Fetch() []Row {
	return slices.Clone(o.window)
}
