package ivm

import (
	"fmt"

	"github.com/roach88/lattice/internal/ir"
)

// Row is a single record.
type Row = ir.Object

// Kind is the kind of a Change.
type Kind int

const (
	Add Kind = iota + 1
	Remove
	// Edit replaces Old with Row. Operators that cannot keep it paired
	// split it into Remove(Old) followed by Add(Row).
	Edit
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Edit:
		return "edit"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Change is one row-level delta.
type Change struct {
	Kind Kind
	Row  Row
	// Old is set for Edit only.
	Old Row
}

// Port distinguishes the inputs of a binary operator.
type Port int

const (
	Left Port = iota
	Right
)

// Operator is a node of the dataflow graph.
//
// Push delivers a change from the input on port from. Fetch returns the
// operator's current output; it is used to hydrate operators attached to
// an existing upstream and to refill bounded windows.
type Operator interface {
	Push(c Change, from Port)
	Fetch() []Row
}

// node is an operator that others can subscribe to.
type node interface {
	Operator
	attach(dst Operator, port Port)
	detach(dst Operator)
}

type subscriber struct {
	op   Operator
	port Port
}

// outputs fans changes out to subscribers in attach order.
type outputs struct {
	subs []subscriber
}

func (o *outputs) attach(dst Operator, port Port) {
	o.subs = append(o.subs, subscriber{op: dst, port: port})
}

func (o *outputs) detach(dst Operator) {
	kept := o.subs[:0]
	for _, s := range o.subs {
		if s.op != dst {
			kept = append(kept, s)
		}
	}
	o.subs = kept
}

func (o *outputs) emit(c Change) {
	for _, s := range o.subs {
		s.op.Push(c, s.port)
	}
}

// split breaks a change into signed single-row deltas.
func split(c Change) []delta {
	switch c.Kind {
	case Add:
		return []delta{{row: c.Row, sign: 1}}
	case Remove:
		return []delta{{row: c.Row, sign: -1}}
	case Edit:
		return []delta{{row: c.Old, sign: -1}, {row: c.Row, sign: 1}}
	}
	return nil
}

type delta struct {
	row  Row
	sign int
}

func (d delta) change() Change {
	if d.sign > 0 {
		return Change{Kind: Add, Row: d.row}
	}
	return Change{Kind: Remove, Row: d.row}
}

// rowID is the identity of a row within a multiset.
func rowID(r Row) string {
	return ir.CanonicalString(r)
}

// multiset counts rows by identity.
type multiset struct {
	rows   map[string]Row
	counts map[string]int
}

func newMultiset() *multiset {
	return &multiset{rows: make(map[string]Row), counts: make(map[string]int)}
}

// add adjusts the count of r by sign and reports whether r was present.
func (m *multiset) add(r Row, sign int) bool {
	id := rowID(r)
	n, ok := m.counts[id]
	n += sign
	if n <= 0 {
		delete(m.counts, id)
		delete(m.rows, id)
		return ok
	}
	m.counts[id] = n
	m.rows[id] = r
	return ok
}

func (m *multiset) all() []Row {
	out := make([]Row, 0, len(m.rows))
	for id, r := range m.rows {
		for range m.counts[id] {
			out = append(out, r)
		}
	}
	return out
}

func (m *multiset) len() int {
	n := 0
	for _, c := range m.counts {
		n += c
	}
	return n
}
