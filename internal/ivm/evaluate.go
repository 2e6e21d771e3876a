package ivm

import (
	"fmt"
	"slices"

	"github.com/roach88/lattice/internal/ir"
)

// Evaluate computes q from scratch over tables, returning rows in the same
// order View.Rows does. It shares no state with the incremental operators.
func Evaluate(q Query, tables map[string][]Row) ([]Row, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	rows, err := evaluate(q, tables)
	if err != nil {
		return nil, err
	}
	var order func(a, b Row) int
	if ol, ok := q.(OrderLimit); ok {
		order = rowOrder(ol.OrderBy)
	}
	sortRows(rows, order)
	return rows, nil
}

func evaluate(q Query, tables map[string][]Row) ([]Row, error) {
	switch q := q.(type) {
	case Table:
		rows, ok := tables[q.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, q.Name)
		}
		return slices.Clone(rows), nil

	case Filter:
		in, err := evaluate(q.Input, tables)
		if err != nil {
			return nil, err
		}
		var out []Row
		for _, r := range in {
			if match(q.Where, r) {
				out = append(out, r)
			}
		}
		return out, nil

	case Project:
		in, err := evaluate(q.Input, tables)
		if err != nil {
			return nil, err
		}
		out := make([]Row, len(in))
		for i, r := range in {
			out[i] = project(q.Fields, r)
		}
		return out, nil

	case Join:
		left, err := evaluate(q.Left, tables)
		if err != nil {
			return nil, err
		}
		right, err := evaluate(q.Right, tables)
		if err != nil {
			return nil, err
		}
		var out []Row
		for _, l := range left {
			lk := field(l, q.LeftKey)
			if isNull(lk) {
				continue
			}
			for _, r := range right {
				if ir.Equal(lk, field(r, q.RightKey)) {
					out = append(out, l.With(q.As, r))
				}
			}
		}
		return out, nil

	case Aggregate:
		in, err := evaluate(q.Input, tables)
		if err != nil {
			return nil, err
		}
		return evaluateAggregate(q, in), nil

	case OrderLimit:
		in, err := evaluate(q.Input, tables)
		if err != nil {
			return nil, err
		}
		slices.SortFunc(in, rowOrder(q.OrderBy))
		if q.Limit > 0 && len(in) > q.Limit {
			in = in[:q.Limit]
		}
		return in, nil
	}
	return nil, fmt.Errorf("unknown query type %T", q)
}

func evaluateAggregate(q Aggregate, in []Row) []Row {
	groups := map[string][]Row{}
	keys := map[string]ir.Array{}
	for _, r := range in {
		key := make(ir.Array, len(q.GroupBy))
		for i, f := range q.GroupBy {
			key[i] = field(r, f)
		}
		id := ir.CanonicalString(key)
		groups[id] = append(groups[id], r)
		keys[id] = key
	}

	out := make([]Row, 0, len(groups))
	for id, rows := range groups {
		row := Row{}
		for i, f := range q.GroupBy {
			row[f] = keys[id][i]
		}
		for _, a := range q.Aggs {
			row[a.As] = fold(a, rows)
		}
		out = append(out, row)
	}
	return out
}

func fold(a AggSpec, rows []Row) ir.Value {
	switch a.Func {
	case Count:
		return ir.Int(len(rows))
	case Sum:
		var total int64
		for _, r := range rows {
			if n, ok := field(r, a.Field).(ir.Int); ok {
				total += int64(n)
			}
		}
		return ir.Int(total)
	}

	var best ir.Value = ir.Null{}
	for _, r := range rows {
		v := field(r, a.Field)
		if isNull(v) {
			continue
		}
		if isNull(best) {
			best = v
			continue
		}
		c := ir.Compare(v, best)
		if (a.Func == Min && c < 0) || (a.Func == Max && c > 0) {
			best = v
		}
	}
	return best
}
