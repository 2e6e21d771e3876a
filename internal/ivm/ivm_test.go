package ivm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

func row(kv ...any) Row {
	r := Row{}
	for i := 0; i < len(kv); i += 2 {
		r[kv[i].(string)] = ir.MustFromGo(kv[i+1])
	}
	return r
}

func canon(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, ir.CanonicalString(r))
	}
	return out
}

func TestAggregateCount_RemoveWithoutRescan(t *testing.T) {
	g := NewGraph()
	src := g.AddSource("t", "x")
	require.NoError(t, src.Apply(Change{Kind: Add, Row: row("x", 1)}))
	require.NoError(t, src.Apply(Change{Kind: Add, Row: row("x", 2)}))

	v, err := g.Materialize(Aggregate{
		Input: Table{Name: "t"},
		Aggs:  []AggSpec{{Func: Count, As: "n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{row("n", 2)}, v.Rows())

	var changes []Change
	v.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, src.Apply(Change{Kind: Remove, Row: row("x", 1)}))
	assert.Equal(t, []Row{row("n", 1)}, v.Rows())
	assert.Equal(t, []Change{{Kind: Edit, Old: row("n", 2), Row: row("n", 1)}}, changes)
}

func TestAggregate_TouchesOnlyChangedGroup(t *testing.T) {
	g := NewGraph()
	src := g.AddSource("issue", "id")
	for i, status := range []string{"open", "open", "closed"} {
		require.NoError(t, src.Apply(Change{Kind: Add, Row: row("id", i, "status", status, "prio", i)}))
	}

	v, err := g.Materialize(Aggregate{
		Input:   Table{Name: "issue"},
		GroupBy: []string{"status"},
		Aggs: []AggSpec{
			{Func: Count, As: "n"},
			{Func: Sum, Field: "prio", As: "total"},
			{Func: Max, Field: "prio", As: "top"},
		},
	})
	require.NoError(t, err)

	var changes []Change
	v.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, src.Apply(Change{Kind: Add, Row: row("id", 9, "status", "closed", "prio", 7)}))
	require.Len(t, changes, 1)
	assert.Equal(t, Edit, changes[0].Kind)
	assert.Equal(t, row("status", "closed", "n", 1, "total", 2, "top", 2), changes[0].Old)
	assert.Equal(t, row("status", "closed", "n", 2, "total", 9, "top", 7), changes[0].Row)

	// Removing the max falls back to the next value in the group.
	require.NoError(t, src.Apply(Change{Kind: Remove, Row: row("id", 9)}))
	assert.Equal(t, row("status", "closed", "n", 1, "total", 2, "top", 2), changes[1].Row)
}

func TestJoin_NestsRightRow(t *testing.T) {
	g := NewGraph()
	issues := g.AddSource("issue", "id")
	users := g.AddSource("user", "id")

	v, err := g.Materialize(Join{
		Left: Table{Name: "issue"}, Right: Table{Name: "user"},
		LeftKey: "owner", RightKey: "id", As: "user",
	})
	require.NoError(t, err)

	require.NoError(t, issues.Apply(Change{Kind: Add, Row: row("id", 1, "owner", 10)}))
	assert.Empty(t, v.Rows(), "join waits for a match")

	require.NoError(t, users.Apply(Change{Kind: Add, Row: row("id", 10, "name", "ana")}))
	assert.Equal(t, []Row{row("id", 1, "owner", 10, "user", map[string]any{"id": 10, "name": "ana"})}, v.Rows())

	require.NoError(t, users.Apply(Change{Kind: Add, Row: row("id", 10, "name", "bo")}))
	assert.Equal(t, []Row{row("id", 1, "owner", 10, "user", map[string]any{"id": 10, "name": "bo"})}, v.Rows())

	require.NoError(t, issues.Apply(Change{Kind: Add, Row: row("id", 2, "owner", nil)}))
	assert.Len(t, v.Rows(), 1, "null keys never match")
}

func TestOrderLimit_RefillsWhenVisibleRowLeaves(t *testing.T) {
	g := NewGraph()
	src := g.AddSource("t", "id")
	for i := range 5 {
		require.NoError(t, src.Apply(Change{Kind: Add, Row: row("id", i)}))
	}

	v, err := g.Materialize(OrderLimit{
		Input:   Table{Name: "t"},
		OrderBy: []OrderField{{Field: "id"}},
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{row("id", 0), row("id", 1)}, v.Rows())

	var changes []Change
	v.OnChange(func(c Change) { changes = append(changes, c) })

	// Beyond the boundary: no output.
	require.NoError(t, src.Apply(Change{Kind: Remove, Row: row("id", 4)}))
	assert.Empty(t, changes)

	require.NoError(t, src.Apply(Change{Kind: Remove, Row: row("id", 0)}))
	assert.Equal(t, []Row{row("id", 1), row("id", 2)}, v.Rows())
	assert.Equal(t, []Change{
		{Kind: Remove, Row: row("id", 0)},
		{Kind: Add, Row: row("id", 2)},
	}, changes)

	changes = nil
	require.NoError(t, src.Apply(Change{Kind: Add, Row: row("id", -1)}))
	assert.Equal(t, []Row{row("id", -1), row("id", 1)}, v.Rows())
	assert.Equal(t, []Change{
		{Kind: Remove, Row: row("id", 2)},
		{Kind: Add, Row: row("id", -1)},
	}, changes)
}

func TestOrderLimit_Desc(t *testing.T) {
	g := NewGraph()
	src := g.AddSource("t", "id")
	for i := range 4 {
		require.NoError(t, src.Apply(Change{Kind: Add, Row: row("id", i, "p", i%2)}))
	}
	v, err := g.Materialize(OrderLimit{
		Input:   Table{Name: "t"},
		OrderBy: []OrderField{{Field: "p", Desc: true}, {Field: "id"}},
		Limit:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{row("id", 1, "p", 1), row("id", 3, "p", 1), row("id", 0, "p", 0)}, v.Rows())
}

func TestMaterialize_SharesAndTearsDown(t *testing.T) {
	g := NewGraph()
	g.AddSource("issue", "id")

	open := Filter{Input: Table{Name: "issue"}, Where: Compare{Field: "status", Op: Eq, Value: ir.String("open")}}
	v1, err := g.Materialize(open)
	require.NoError(t, err)
	v2, err := g.Materialize(OrderLimit{Input: open, OrderBy: []OrderField{{Field: "id"}}, Limit: 1})
	require.NoError(t, err)

	// source, filter, order/limit
	assert.Equal(t, 3, g.Operators())
	assert.Equal(t, Fingerprint(open), v1.Fingerprint())

	require.NoError(t, g.Push("issue", Change{Kind: Add, Row: row("id", 1, "status", "open")}))
	assert.Len(t, v1.Rows(), 1)
	assert.Len(t, v2.Rows(), 1)

	v1.Destroy()
	assert.Equal(t, 3, g.Operators(), "filter still used by the ordered view")
	v2.Destroy()
	v2.Destroy()
	assert.Zero(t, g.Operators())

	require.NoError(t, g.Push("issue", Change{Kind: Add, Row: row("id", 2, "status", "open")}))
	assert.Len(t, v1.Rows(), 1, "destroyed views stop updating")
}

func TestMaterialize_UnknownTable(t *testing.T) {
	g := NewGraph()
	_, err := g.Materialize(Table{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTable)
	assert.ErrorIs(t, g.Push("nope", Change{Kind: Add, Row: row("id", 1)}), ErrUnknownTable)
}

func TestSource_Errors(t *testing.T) {
	g := NewGraph()
	src := g.AddSource("t", "id")
	assert.Error(t, src.Apply(Change{Kind: Add, Row: row("x", 1)}), "missing primary key")
	assert.Error(t, src.Apply(Change{Kind: Remove, Row: row("id", 1)}), "missing row")
	assert.Error(t, src.Apply(Change{Kind: Edit, Old: row("id", 1), Row: row("id", 1)}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		ok   bool
	}{
		{"table", Table{Name: "t"}, true},
		{"nil", nil, false},
		{"empty table", Table{}, false},
		{"filter without condition", Filter{Input: Table{Name: "t"}}, false},
		{"bad operator", Filter{Input: Table{Name: "t"}, Where: Compare{Field: "a", Op: "~", Value: ir.Int(1)}}, false},
		{"nested and/or", Filter{Input: Table{Name: "t"}, Where: Or{Conditions: []Condition{
			And{Conditions: []Condition{Compare{Field: "a", Op: Gt, Value: ir.Int(1)}}},
		}}}, true},
		{"project no fields", Project{Input: Table{Name: "t"}}, false},
		{"join no alias", Join{Left: Table{Name: "a"}, Right: Table{Name: "b"}, LeftKey: "x", RightKey: "y"}, false},
		{"sum without field", Aggregate{Input: Table{Name: "t"}, Aggs: []AggSpec{{Func: Sum, As: "s"}}}, false},
		{"duplicate column", Aggregate{Input: Table{Name: "t"}, GroupBy: []string{"n"}, Aggs: []AggSpec{{Func: Count, As: "n"}}}, false},
		{"unknown agg", Aggregate{Input: Table{Name: "t"}, Aggs: []AggSpec{{Func: "avg", Field: "x", As: "a"}}}, false},
		{"negative limit", OrderLimit{Input: Table{Name: "t"}, OrderBy: []OrderField{{Field: "x"}}, Limit: -1}, false},
		{"no order", OrderLimit{Input: Table{Name: "t"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestFingerprint_Structural(t *testing.T) {
	a := Filter{Input: Table{Name: "t"}, Where: Compare{Field: "x", Op: Eq, Value: ir.Int(1)}}
	b := Filter{Input: Table{Name: "t"}, Where: Compare{Field: "x", Op: Eq, Value: ir.Int(1)}}
	c := Filter{Input: Table{Name: "t"}, Where: Compare{Field: "x", Op: Eq, Value: ir.Int(2)}}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.NotEqual(t, Fingerprint(Table{Name: "t"}), Fingerprint(Table{Name: "u"}))
}

func TestFeedDiff_FromTree(t *testing.T) {
	ctx := context.Background()
	tr, err := btree.New(chunk.NewMemoryStore())
	require.NoError(t, err)

	w, err := tr.Write(ctx, chunk.Digest{})
	require.NoError(t, err)
	defer w.Close(ctx)
	require.NoError(t, w.Put(ctx, "issue/1", row("id", "1", "status", "open")))
	require.NoError(t, w.Put(ctx, "issue/2", row("id", "2", "status", "open")))
	require.NoError(t, w.Put(ctx, "meta/x", ir.Int(1)))
	r1, err := w.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, w.Put(ctx, "issue/1", row("id", "1", "status", "closed")))
	_, err = w.Delete(ctx, "issue/2")
	require.NoError(t, err)
	require.NoError(t, w.Put(ctx, "issue/3", row("id", "3", "status", "open")))
	r2, err := w.Commit(ctx)
	require.NoError(t, err)

	g := NewGraph()
	g.AddSource("issue", "id")
	v, err := g.Materialize(Filter{Input: Table{Name: "issue"}, Where: Compare{Field: "status", Op: Eq, Value: ir.String("open")}})
	require.NoError(t, err)

	d1, err := tr.DiffAll(ctx, chunk.Digest{}, r1)
	require.NoError(t, err)
	require.NoError(t, FeedDiff(g, d1))
	assert.Equal(t, []Row{row("id", "1", "status", "open"), row("id", "2", "status", "open")}, v.Rows())

	d2, err := tr.DiffAll(ctx, r1, r2)
	require.NoError(t, err)
	require.NoError(t, FeedDiff(g, d2))
	assert.Equal(t, []Row{row("id", "3", "status", "open")}, v.Rows())
}

func TestRowKey(t *testing.T) {
	assert.Equal(t, "issue/abc", RowKey("issue", ir.String("abc")))
	assert.Equal(t, "issue/7", RowKey("issue", ir.Int(7)))
	table, ok := SplitKey("issue/abc")
	assert.True(t, ok)
	assert.Equal(t, "issue", table)
	_, ok = SplitKey("nokey")
	assert.False(t, ok)
}

var equivalenceQueries = map[string]Query{
	"table":  Table{Name: "issue"},
	"filter": Filter{Input: Table{Name: "issue"}, Where: Compare{Field: "status", Op: Eq, Value: ir.String("open")}},
	"or": Filter{Input: Table{Name: "issue"}, Where: Or{Conditions: []Condition{
		Compare{Field: "prio", Op: Ge, Value: ir.Int(2)},
		Compare{Field: "status", Op: Ne, Value: ir.String("open")},
	}}},
	"project":   Project{Input: Table{Name: "issue"}, Fields: []string{"owner", "status"}},
	"join":      Join{Left: Table{Name: "issue"}, Right: Table{Name: "user"}, LeftKey: "owner", RightKey: "id", As: "user"},
	"self join": Join{Left: Table{Name: "issue"}, Right: Table{Name: "issue"}, LeftKey: "owner", RightKey: "prio", As: "peer"},
	"group": Aggregate{Input: Table{Name: "issue"}, GroupBy: []string{"status"}, Aggs: []AggSpec{
		{Func: Count, As: "n"}, {Func: Sum, Field: "prio", As: "sum"},
		{Func: Min, Field: "prio", As: "lo"}, {Func: Max, Field: "owner", As: "hi"},
	}},
	"count all": Aggregate{Input: Table{Name: "issue"}, Aggs: []AggSpec{{Func: Count, As: "n"}}},
	"top":       OrderLimit{Input: Table{Name: "issue"}, OrderBy: []OrderField{{Field: "prio", Desc: true}}, Limit: 3},
	"top open": OrderLimit{
		Input:   Filter{Input: Table{Name: "issue"}, Where: Compare{Field: "status", Op: Eq, Value: ir.String("open")}},
		OrderBy: []OrderField{{Field: "owner"}}, Limit: 2,
	},
	"filter of top": Filter{
		Input: OrderLimit{Input: Table{Name: "issue"}, OrderBy: []OrderField{{Field: "id"}}, Limit: 4},
		Where: Compare{Field: "prio", Op: Lt, Value: ir.Int(2)},
	},
	"by owner name": Aggregate{
		Input:   Join{Left: Table{Name: "issue"}, Right: Table{Name: "user"}, LeftKey: "owner", RightKey: "id", As: "user"},
		GroupBy: []string{"user.name"},
		Aggs:    []AggSpec{{Func: Count, As: "n"}},
	},
	"top projected": OrderLimit{
		Input:   Project{Input: Table{Name: "issue"}, Fields: []string{"status", "prio"}},
		OrderBy: []OrderField{{Field: "prio"}}, Limit: 4,
	},
	"top joined": OrderLimit{
		Input:   Join{Left: Table{Name: "issue"}, Right: Table{Name: "user"}, LeftKey: "owner", RightKey: "id", As: "user"},
		OrderBy: []OrderField{{Field: "user.name"}, {Field: "id"}}, Limit: 3,
	},
	"busiest group": OrderLimit{
		Input:   Aggregate{Input: Table{Name: "issue"}, GroupBy: []string{"owner"}, Aggs: []AggSpec{{Func: Count, As: "n"}}},
		OrderBy: []OrderField{{Field: "n", Desc: true}}, Limit: 1,
	},
}

func TestIncrementalMatchesEvaluate(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	g := NewGraph()
	issues := g.AddSource("issue", "id")
	users := g.AddSource("user", "id")

	model := map[string]map[int]Row{"issue": {}, "user": {}}

	// Some rows exist before the views are built, to exercise hydration.
	for i := range 6 {
		r := randomIssue(rng, i)
		model["issue"][i] = r
		require.NoError(t, issues.Apply(Change{Kind: Add, Row: r}))
	}

	views := map[string]*View{}
	for name, q := range equivalenceQueries {
		v, err := g.Materialize(q)
		require.NoError(t, err, name)
		views[name] = v
	}

	check := func(step int) {
		tables := map[string][]Row{}
		for name, rows := range model {
			tables[name] = []Row{}
			for _, r := range rows {
				tables[name] = append(tables[name], r)
			}
		}
		for name, q := range equivalenceQueries {
			want, err := Evaluate(q, tables)
			require.NoError(t, err)
			require.Equal(t, canon(want), canon(views[name].Rows()), "step %d query %q", step, name)
		}
	}
	check(0)

	for step := 1; step <= 400; step++ {
		table, src := "issue", issues
		if rng.IntN(4) == 0 {
			table, src = "user", users
		}
		id := rng.IntN(12)
		if table == "user" {
			id = rng.IntN(5)
		}
		existing, exists := model[table][id]

		next := randomIssue(rng, id)
		if table == "user" {
			next = row("id", id, "name", fmt.Sprintf("u%d", rng.IntN(3)))
		}

		switch {
		case !exists:
			require.NoError(t, src.Apply(Change{Kind: Add, Row: next}))
			model[table][id] = next
		case rng.IntN(2) == 0:
			require.NoError(t, src.Apply(Change{Kind: Remove, Row: existing}))
			delete(model[table], id)
		default:
			require.NoError(t, src.Apply(Change{Kind: Edit, Old: existing, Row: next}))
			model[table][id] = next
		}
		check(step)
	}
}

func randomIssue(rng *rand.Rand, id int) Row {
	var owner any = rng.IntN(5)
	if rng.IntN(6) == 0 {
		owner = nil
	}
	status := "open"
	if rng.IntN(3) == 0 {
		status = "closed"
	}
	return row("id", id, "owner", owner, "status", status, "prio", rng.IntN(4))
}
