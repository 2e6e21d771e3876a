package ivm

import (
	"fmt"
	"strings"

	"github.com/roach88/lattice/internal/ir"
)

// ValidationError lists every structural problem found in a query.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid query: " + strings.Join(e.Problems, "; ")
}

// Validate checks a query for structural errors. It does not check that
// tables exist; Materialize does.
func Validate(q Query) error {
	v := &validator{}
	v.validateQuery(q)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch q := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Table:
		if q.Name == "" {
			v.addProblem("table: empty name")
		}
	case Filter:
		v.validateQuery(q.Input)
		if q.Where == nil {
			v.addProblem("filter: nil condition")
			return
		}
		v.validateCondition(q.Where)
	case Project:
		v.validateQuery(q.Input)
		if len(q.Fields) == 0 {
			v.addProblem("project: no fields")
		}
		v.checkNames("project", q.Fields)
	case Join:
		v.validateQuery(q.Left)
		v.validateQuery(q.Right)
		if q.LeftKey == "" || q.RightKey == "" {
			v.addProblem("join: empty key")
		}
		if q.As == "" {
			v.addProblem("join: empty alias")
		}
	case Aggregate:
		v.validateAggregate(q)
	case OrderLimit:
		v.validateQuery(q.Input)
		if len(q.OrderBy) == 0 {
			v.addProblem("order: no sort fields")
		}
		for _, f := range q.OrderBy {
			if f.Field == "" {
				v.addProblem("order: empty field")
			}
		}
		if q.Limit < 0 {
			v.addProblem("order: negative limit %d", q.Limit)
		}
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateAggregate(q Aggregate) {
	v.validateQuery(q.Input)
	if len(q.Aggs) == 0 {
		v.addProblem("aggregate: no aggregates")
	}
	names := append([]string(nil), q.GroupBy...)
	for _, a := range q.Aggs {
		switch a.Func {
		case Count:
		case Sum, Min, Max:
			if a.Field == "" {
				v.addProblem("aggregate: %s needs a field", a.Func)
			}
		default:
			v.addProblem("aggregate: unknown function %q", a.Func)
		}
		if a.As == "" {
			v.addProblem("aggregate: %s has no output name", a.Func)
		}
		names = append(names, a.As)
	}
	v.checkNames("aggregate", names)
}

// checkNames reports empty and duplicate output columns.
func (v *validator) checkNames(op string, names []string) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if seen[n] {
			v.addProblem("%s: duplicate column %q", op, n)
		}
		seen[n] = true
	}
}

func (v *validator) validateCondition(c Condition) {
	switch c := c.(type) {
	case Compare:
		if c.Field == "" {
			v.addProblem("compare: empty field")
		}
		switch c.Op {
		case Eq, Ne, Lt, Le, Gt, Ge:
		default:
			v.addProblem("compare: unknown operator %q", c.Op)
		}
		if c.Value == nil {
			v.addProblem("compare %s: nil value", c.Field)
		}
	case And:
		for _, sub := range c.Conditions {
			v.validateCondition(sub)
		}
	case Or:
		for _, sub := range c.Conditions {
			v.validateCondition(sub)
		}
	case nil:
		v.addProblem("nil condition")
	default:
		v.addProblem("unknown condition type %T", c)
	}
}

// Fingerprint returns the identity of a query, used to share operators
// between views. Structurally equal queries have equal fingerprints.
func Fingerprint(q Query) string {
	h, err := ir.HashValue(ir.DomainQuery, describe(q))
	if err != nil {
		// describe only builds values the canonical encoder accepts.
		panic(fmt.Sprintf("fingerprint: %v", err))
	}
	return h
}

func describe(q Query) ir.Value {
	switch q := q.(type) {
	case Table:
		return ir.Object{"table": ir.String(q.Name)}
	case Filter:
		return ir.Object{"filter": ir.Object{
			"input": describe(q.Input),
			"where": describeCondition(q.Where),
		}}
	case Project:
		return ir.Object{"project": ir.Object{
			"input":  describe(q.Input),
			"fields": stringArray(q.Fields),
		}}
	case Join:
		return ir.Object{"join": ir.Object{
			"left":     describe(q.Left),
			"right":    describe(q.Right),
			"leftKey":  ir.String(q.LeftKey),
			"rightKey": ir.String(q.RightKey),
			"as":       ir.String(q.As),
		}}
	case Aggregate:
		aggs := make(ir.Array, len(q.Aggs))
		for i, a := range q.Aggs {
			aggs[i] = ir.Array{ir.String(a.Func), ir.String(a.Field), ir.String(a.As)}
		}
		return ir.Object{"aggregate": ir.Object{
			"input":   describe(q.Input),
			"groupBy": stringArray(q.GroupBy),
			"aggs":    aggs,
		}}
	case OrderLimit:
		order := make(ir.Array, len(q.OrderBy))
		for i, f := range q.OrderBy {
			order[i] = ir.Array{ir.String(f.Field), ir.Bool(f.Desc)}
		}
		return ir.Object{"order": ir.Object{
			"input": describe(q.Input),
			"by":    order,
			"limit": ir.Int(q.Limit),
		}}
	}
	return ir.Null{}
}

func describeCondition(c Condition) ir.Value {
	switch c := c.(type) {
	case Compare:
		val := c.Value
		if val == nil {
			val = ir.Null{}
		}
		return ir.Object{"cmp": ir.Array{ir.String(c.Field), ir.String(c.Op), val}}
	case And:
		return ir.Object{"and": describeConditions(c.Conditions)}
	case Or:
		return ir.Object{"or": describeConditions(c.Conditions)}
	}
	return ir.Null{}
}

func describeConditions(cs []Condition) ir.Array {
	out := make(ir.Array, len(cs))
	for i, c := range cs {
		out[i] = describeCondition(c)
	}
	return out
}

func stringArray(ss []string) ir.Array {
	out := make(ir.Array, len(ss))
	for i, s := range ss {
		out[i] = ir.String(s)
	}
	return out
}
