package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareKindOrder(t *testing.T) {
	ordered := []Value{
		Null{},
		Bool(false),
		Bool(true),
		Int(-5),
		Int(7),
		String(""),
		String("a"),
		String("b"),
		Array{},
		Array{Int(1)},
		Array{Int(1), Int(2)},
		Object{},
		Object{"a": Int(1)},
		Object{"a": Int(2)},
		Object{"b": Int(0)},
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Equal(t, -1, got, "%v vs %v", ordered[i], ordered[j])
			case i > j:
				assert.Equal(t, 1, got, "%v vs %v", ordered[i], ordered[j])
			default:
				assert.Equal(t, 0, got)
			}
		}
	}
}

func TestEqualNested(t *testing.T) {
	a := Object{"x": Array{Int(1), Object{"y": String("z")}}}
	b := Object{"x": Array{Int(1), Object{"y": String("z")}}}
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, Object{"x": Array{Int(1)}}))
}

func TestObjectGetPath(t *testing.T) {
	row := Object{
		"id":     String("i1"),
		"author": Object{"name": String("ann")},
	}

	v, ok := row.Get("author.name")
	require.True(t, ok)
	assert.Equal(t, String("ann"), v)

	_, ok = row.Get("author.email")
	assert.False(t, ok)

	_, ok = row.Get("id.nested")
	assert.False(t, ok)
}

func TestObjectWithDoesNotMutate(t *testing.T) {
	row := Object{"a": Int(1)}
	next := row.With("b", Int(2))

	assert.Len(t, row, 1)
	assert.Len(t, next, 2)
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"n":   3,
		"s":   "x",
		"arr": []any{true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[true,null],"n":3,"s":"x"}`, CanonicalString(v))

	_, err = FromGo(1.5)
	assert.Error(t, err)

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}

func TestToGoRoundTrip(t *testing.T) {
	v := MustDecode(`{"a":[1,"two",false,null],"b":{"c":3}}`)
	back, err := FromGo(ToGo(v))
	require.NoError(t, err)
	assert.True(t, Equal(v, back))
}

func TestObjectJSONInterop(t *testing.T) {
	type wrapper struct {
		Row Object `json:"row"`
	}
	data, err := json.Marshal(wrapper{Row: Object{"b": Int(2), "a": Int(1)}})
	require.NoError(t, err)
	assert.Equal(t, `{"row":{"a":1,"b":2}}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal(data, &w))
	assert.Equal(t, Int(1), w.Row["a"])
}

func TestHashValueDomainSeparation(t *testing.T) {
	v := Object{"a": Int(1)}
	h1, err := HashValue(DomainChunk, v)
	require.NoError(t, err)
	h2, err := HashValue(DomainQuery, v)
	require.NoError(t, err)

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)

	again, err := HashValue(DomainChunk, Object{"a": Int(1)})
	require.NoError(t, err)
	assert.Equal(t, h1, again)
}
