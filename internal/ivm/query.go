package ivm

import "github.com/roach88/lattice/internal/ir"

// Query describes a view.
//
// This is a sealed interface; only types in this package implement it, so
// switches over query kinds are exhaustive.
//
// Query types:
//   - Table: every row of a source
//   - Filter: rows of Input matching Where
//   - Project: rows of Input reduced to Fields
//   - Join: inner equi-join of Left and Right
//   - Aggregate: one row per group of Input
//   - OrderLimit: the first Limit rows of Input in order
type Query interface {
	queryNode()
}

// Condition is a row predicate used by Filter.
//
// This is a sealed interface. Condition types:
//   - Compare: field <op> literal
//   - And: all conditions hold (empty = always true)
//   - Or: any condition holds (empty = never true)
type Condition interface {
	conditionNode()
}

// Table selects every row of a source.
type Table struct {
	Name string
}

func (Table) queryNode() {}

// Filter keeps rows of Input for which Where holds.
type Filter struct {
	Input Query
	Where Condition
}

func (Filter) queryNode() {}

// Project keeps only Fields of each row. Fields may be dotted paths; the
// output key is the path itself. Missing fields are omitted.
type Project struct {
	Input  Query
	Fields []string
}

func (Project) queryNode() {}

// Join pairs every Left row with every Right row where
// Left[LeftKey] == Right[RightKey]. The output is the left row with the
// right row nested under As. Rows whose key is null or missing never match.
//
// Example:
//
//	Join{
//	  Left:     Table{Name: "issue"},
//	  Right:    Table{Name: "user"},
//	  LeftKey:  "ownerID",
//	  RightKey: "id",
//	  As:       "owner",
//	}
type Join struct {
	Left     Query
	Right    Query
	LeftKey  string
	RightKey string
	As       string
}

func (Join) queryNode() {}

// AggFunc names an aggregate function.
type AggFunc string

const (
	Count AggFunc = "count"
	Sum   AggFunc = "sum"
	Min   AggFunc = "min"
	Max   AggFunc = "max"
)

// AggSpec computes one output column. Field is ignored by Count. Sum
// adds integer values and ignores the rest. Min and Max skip nulls and
// yield null for a group without values.
type AggSpec struct {
	Func  AggFunc
	Field string
	As    string
}

// Aggregate emits one row per distinct GroupBy tuple present in Input,
// holding the GroupBy fields and every aggregate. With no GroupBy all
// rows form one group. A group without rows produces no output row.
type Aggregate struct {
	Input   Query
	GroupBy []string
	Aggs    []AggSpec
}

func (Aggregate) queryNode() {}

// OrderField is one sort key.
type OrderField struct {
	Field string
	Desc  bool
}

// OrderLimit keeps the first Limit rows of Input sorted by OrderBy, ties
// broken by canonical row encoding. Limit 0 keeps every row.
type OrderLimit struct {
	Input   Query
	OrderBy []OrderField
	Limit   int
}

func (OrderLimit) queryNode() {}

// CompareOp is a comparison operator.
type CompareOp string

const (
	Eq CompareOp = "="
	Ne CompareOp = "!="
	Lt CompareOp = "<"
	Le CompareOp = "<="
	Gt CompareOp = ">"
	Ge CompareOp = ">="
)

// Compare tests a field against a literal. A missing field is null. Null
// only satisfies = null and != with a non-null literal; ordering
// comparisons involving null are false.
type Compare struct {
	Field string
	Op    CompareOp
	Value ir.Value
}

func (Compare) conditionNode() {}

// And holds when every condition holds.
type And struct {
	Conditions []Condition
}

func (And) conditionNode() {}

// Or holds when any condition holds.
type Or struct {
	Conditions []Condition
}

func (Or) conditionNode() {}
