package ivm

import (
	"github.com/roach88/lattice/internal/ir"
)

// groupState is the running state of one group.
type groupState struct {
	key   ir.Array
	count int
	sums  []int64
	// values holds, per Min/Max aggregate, the multiset of non-null inputs.
	values []map[string]*valueCount
}

type valueCount struct {
	v ir.Value
	n int
}

type aggregate struct {
	outputs
	input  node
	spec   Aggregate
	groups map[string]*groupState
}

// newAggregate builds group state from the current upstream rows.
func newAggregate(input node, spec Aggregate) *aggregate {
	a := &aggregate{input: input, spec: spec, groups: make(map[string]*groupState)}
	for _, r := range input.Fetch() {
		a.apply(r, 1)
	}
	return a
}

func (a *aggregate) groupKey(r Row) (string, ir.Array) {
	key := make(ir.Array, len(a.spec.GroupBy))
	for i, f := range a.spec.GroupBy {
		key[i] = field(r, f)
	}
	return ir.CanonicalString(key), key
}

// apply folds one row into its group and returns the group id.
func (a *aggregate) apply(r Row, sign int) string {
	id, key := a.groupKey(r)
	g := a.groups[id]
	if g == nil {
		g = &groupState{
			key:    key,
			sums:   make([]int64, len(a.spec.Aggs)),
			values: make([]map[string]*valueCount, len(a.spec.Aggs)),
		}
		a.groups[id] = g
	}

	g.count += sign
	for i, spec := range a.spec.Aggs {
		switch spec.Func {
		case Sum:
			if n, ok := field(r, spec.Field).(ir.Int); ok {
				g.sums[i] += int64(n) * int64(sign)
			}
		case Min, Max:
			v := field(r, spec.Field)
			if isNull(v) {
				continue
			}
			if g.values[i] == nil {
				g.values[i] = make(map[string]*valueCount)
			}
			vk := ir.CanonicalString(v)
			vc := g.values[i][vk]
			if vc == nil {
				vc = &valueCount{v: v}
				g.values[i][vk] = vc
			}
			vc.n += sign
			if vc.n <= 0 {
				delete(g.values[i], vk)
			}
		}
	}
	if g.count <= 0 {
		delete(a.groups, id)
	}
	return id
}

// output renders the row of group id, or nil when the group is empty.
func (a *aggregate) output(id string) Row {
	g := a.groups[id]
	if g == nil {
		return nil
	}
	out := make(Row, len(a.spec.GroupBy)+len(a.spec.Aggs))
	for i, f := range a.spec.GroupBy {
		out[f] = g.key[i]
	}
	for i, spec := range a.spec.Aggs {
		switch spec.Func {
		case Count:
			out[spec.As] = ir.Int(g.count)
		case Sum:
			out[spec.As] = ir.Int(g.sums[i])
		case Min, Max:
			var best ir.Value = ir.Null{}
			for _, vc := range g.values[i] {
				if isNull(best) {
					best = vc.v
					continue
				}
				c := ir.Compare(vc.v, best)
				if (spec.Func == Min && c < 0) || (spec.Func == Max && c > 0) {
					best = vc.v
				}
			}
			out[spec.As] = best
		}
	}
	return out
}

// Push updates only the groups the change touches and emits their old
// and new rows. An edit within one group emits a single Edit.
func (a *aggregate) Push(c Change, _ Port) {
	if c.Kind == Edit {
		oldID, _ := a.groupKey(c.Old)
		newID, _ := a.groupKey(c.Row)
		if oldID == newID {
			before := a.output(oldID)
			a.apply(c.Old, -1)
			a.apply(c.Row, 1)
			a.emitGroup(before, a.output(newID))
			return
		}
	}
	for _, d := range split(c) {
		id, _ := a.groupKey(d.row)
		before := a.output(id)
		a.apply(d.row, d.sign)
		a.emitGroup(before, a.output(id))
	}
}

func (a *aggregate) emitGroup(before, after Row) {
	switch {
	case before == nil && after != nil:
		a.emit(Change{Kind: Add, Row: after})
	case before != nil && after == nil:
		a.emit(Change{Kind: Remove, Row: before})
	case before != nil && rowID(before) != rowID(after):
		a.emit(Change{Kind: Edit, Old: before, Row: after})
	}
}

func (a *aggregate) Fetch() []Row {
	out := make([]Row, 0, len(a.groups))
	for id := range a.groups {
		out = append(out, a.output(id))
	}
	return out
}
