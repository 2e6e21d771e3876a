package ivm

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// ErrUnknownTable is returned when a query or change names a table with no
// source.
var ErrUnknownTable = errors.New("unknown table")

// Graph owns sources and the operators shared between views.
type Graph struct {
	sources map[string]*Source
	shared  map[string]*sharedOp
	logger  *slog.Logger
}

// sharedOp is an operator reachable from at least one live view.
type sharedOp struct {
	op     node
	refs   int
	inputs []string
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) {
		g.logger = l
	}
}

// NewGraph returns an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		sources: make(map[string]*Source),
		shared:  make(map[string]*sharedOp),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddSource registers a table whose rows are keyed by the pk field.
// Adding an existing table returns the existing source.
func (g *Graph) AddSource(table, pk string) *Source {
	if s, ok := g.sources[table]; ok {
		return s
	}
	s := newSource(table, pk, g.logger)
	g.sources[table] = s
	return s
}

// Source returns the source for table, or nil.
func (g *Graph) Source(table string) *Source {
	return g.sources[table]
}

// Tables returns registered table names in order.
func (g *Graph) Tables() []string {
	out := make([]string, 0, len(g.sources))
	for t := range g.sources {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Push applies a change to table's source.
func (g *Graph) Push(table string, c Change) error {
	s := g.sources[table]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return s.Apply(c)
}

// Operators returns the number of live shared operators, for tests and
// diagnostics.
func (g *Graph) Operators() int {
	return len(g.shared)
}

// Materialize compiles q into operators, reusing any already built for an
// identical sub-query, and returns a hydrated view.
func (g *Graph) Materialize(q Query) (*View, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	if err := g.checkTables(q); err != nil {
		return nil, err
	}
	fp, top := g.build(q)
	v := &View{graph: g, fingerprint: fp, upstream: top, rows: newMultiset()}
	if ol, ok := q.(OrderLimit); ok {
		v.order = rowOrder(ol.OrderBy)
	}
	for _, r := range top.Fetch() {
		v.rows.add(r, 1)
	}
	top.attach(v, Left)
	g.logger.Debug("view materialized", "fingerprint", fp[:12], "rows", v.rows.len(), "operators", len(g.shared))
	return v, nil
}

func (g *Graph) checkTables(q Query) error {
	switch q := q.(type) {
	case Table:
		if g.sources[q.Name] == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, q.Name)
		}
	case Filter:
		return g.checkTables(q.Input)
	case Project:
		return g.checkTables(q.Input)
	case Join:
		if err := g.checkTables(q.Left); err != nil {
			return err
		}
		return g.checkTables(q.Right)
	case Aggregate:
		return g.checkTables(q.Input)
	case OrderLimit:
		return g.checkTables(q.Input)
	}
	return nil
}

// build returns the shared operator for q, creating it and its inputs as
// needed. Every call takes one reference.
func (g *Graph) build(q Query) (string, node) {
	fp := Fingerprint(q)
	if s, ok := g.shared[fp]; ok {
		s.refs++
		return fp, s.op
	}

	var (
		op     node
		inputs []string
	)
	switch q := q.(type) {
	case Table:
		op = g.sources[q.Name]
	case Filter:
		in, input := g.build(q.Input)
		f := newFilter(input, q.Where)
		input.attach(f, Left)
		op, inputs = f, []string{in}
	case Project:
		in, input := g.build(q.Input)
		p := newProjection(input, q.Fields)
		input.attach(p, Left)
		op, inputs = p, []string{in}
	case Join:
		lfp, left := g.build(q.Left)
		rfp, right := g.build(q.Right)
		j := newJoin(left, right, q)
		left.attach(j, Left)
		right.attach(j, Right)
		op, inputs = j, []string{lfp, rfp}
	case Aggregate:
		in, input := g.build(q.Input)
		a := newAggregate(input, q)
		input.attach(a, Left)
		op, inputs = a, []string{in}
	case OrderLimit:
		in, input := g.build(q.Input)
		o := newOrderLimit(input, q)
		input.attach(o, Left)
		op, inputs = o, []string{in}
	}
	g.shared[fp] = &sharedOp{op: op, refs: 1, inputs: inputs}
	return fp, op
}

// release drops one reference to fp and tears down operators no view uses.
// Sources are never torn down.
func (g *Graph) release(fp string) {
	s, ok := g.shared[fp]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(g.shared, fp)
	for _, in := range s.inputs {
		if up, ok := g.shared[in]; ok {
			up.op.detach(s.op)
		}
		g.release(in)
	}
}

// View is a materialized query result kept current by the graph.
type View struct {
	graph       *Graph
	fingerprint string
	upstream    node
	rows        *multiset
	order       func(a, b Row) int
	listeners   []func(Change)
	destroyed   bool
}

// Push applies a change from the top operator.
func (v *View) Push(c Change, _ Port) {
	for _, d := range split(c) {
		v.rows.add(d.row, d.sign)
	}
	for _, fn := range v.listeners {
		fn(c)
	}
}

// Fetch returns the current rows; same as Rows.
func (v *View) Fetch() []Row {
	return v.Rows()
}

// Rows returns the current result. Ordered queries come back in query
// order; others in canonical row order.
func (v *View) Rows() []Row {
	rows := v.rows.all()
	sortRows(rows, v.order)
	return rows
}

// Len returns the number of rows.
func (v *View) Len() int {
	return v.rows.len()
}

// OnChange registers fn to observe every change applied to the view.
func (v *View) OnChange(fn func(Change)) {
	v.listeners = append(v.listeners, fn)
}

// Fingerprint returns the fingerprint of the view's query.
func (v *View) Fingerprint() string {
	return v.fingerprint
}

// Destroy detaches the view and tears down operators no other view
// shares. Destroy is idempotent.
func (v *View) Destroy() {
	if v.destroyed {
		return
	}
	v.destroyed = true
	v.upstream.detach(v)
	v.graph.release(v.fingerprint)
	v.listeners = nil
}

func sortRows(rows []Row, order func(a, b Row) int) {
	if order != nil {
		slices.SortFunc(rows, order)
		return
	}
	slices.SortFunc(rows, func(a, b Row) int {
		return strings.Compare(rowID(a), rowID(b))
	})
}
