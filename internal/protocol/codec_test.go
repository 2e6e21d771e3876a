package protocol

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/ir"
)

func TestJSONCodec_PullResponseGolden(t *testing.T) {
	resp := PullResponse{
		BaseCookie:      "3",
		Cookie:          "5",
		LastMutationIDs: map[string]uint64{"c2": 1, "c1": 7},
		Patch: []PatchOp{
			Put("todo/1", ir.MustDecode(`{"title":"write tests","id":"1","done":false}`)),
			Del("todo/2"),
		},
	}
	data, err := JSONCodec{}.Encode(resp)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "pull_response", data)

	got, err := JSONCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestJSONCodec_NullCookieAndDefaultArgs(t *testing.T) {
	data := []byte(`{"type":"push","body":{"clientGroupID":"g","pushVersion":1,
		"mutations":[{"id":1,"clientID":"c","name":"noop","timestamp":5}]}}`)
	m, err := JSONCodec{}.Decode(data)
	require.NoError(t, err)
	push := m.(PushRequest)
	assert.Equal(t, ir.Null{}, push.Mutations[0].Args)

	out, err := JSONCodec{}.Encode(PullRequest{ClientGroupID: "g", ClientID: "c"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"cookie":null`)

	back, err := JSONCodec{}.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, Cookie(""), back.(PullRequest).Cookie)
}

func TestJSONCodec_LastMutationIDField(t *testing.T) {
	lmids := map[string]uint64{"c1": 3}
	tests := []struct {
		name string
		msg  Message
	}{
		{"pull", PullRequest{ClientGroupID: "g", ClientID: "c1", LastMutationIDs: lmids}},
		{"pull response", PullResponse{BaseCookie: "1", Cookie: "2", LastMutationIDs: lmids, Patch: []PatchOp{}}},
		{"poke", Poke{PullResponse{BaseCookie: "1", Cookie: "2", LastMutationIDs: lmids, Patch: []PatchOp{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := JSONCodec{}.Encode(tt.msg)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"lastMutationIDPerClient":{"c1":3}`)
		})
	}
}

func TestJSONCodec_Poke(t *testing.T) {
	poke := Poke{PullResponse{Cookie: "2", Patch: []PatchOp{Clear(), Put("a/1", ir.Object{"id": ir.String("1")})}}}
	data, err := JSONCodec{}.Encode(poke)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"poke"`)

	got, err := JSONCodec{}.Decode(data)
	require.NoError(t, err)
	require.IsType(t, Poke{}, got)
	assert.True(t, got.(Poke).IsReset())
}

func TestJSONCodec_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"hello","body":{}}`},
		{"unknown field", `{"type":"ping","body":{"x":1}}`},
		{"pull without client", `{"type":"pull","body":{"clientGroupID":"g","cookie":null}}`},
		{"push out of order", `{"type":"push","body":{"clientGroupID":"g","pushVersion":1,"mutations":[
			{"id":2,"clientID":"c","name":"m","args":null,"timestamp":0},
			{"id":2,"clientID":"c","name":"m","args":null,"timestamp":0}]}}`},
		{"push version", `{"type":"push","body":{"clientGroupID":"g","pushVersion":9,"mutations":[]}}`},
		{"float args", `{"type":"push","body":{"clientGroupID":"g","pushVersion":1,"mutations":[
			{"id":1,"clientID":"c","name":"m","args":1.5,"timestamp":0}]}}`},
		{"response without cookie", `{"type":"pullResponse","body":{"baseCookie":"1","cookie":null,"patch":[]}}`},
		{"clear not first", `{"type":"pullResponse","body":{"baseCookie":"1","cookie":"2","patch":[{"op":"del","key":"a"},{"op":"clear"}]}}`},
		{"reset without clear", `{"type":"poke","body":{"baseCookie":null,"cookie":"2","patch":[]}}`},
		{"unknown op", `{"type":"poke","body":{"baseCookie":"1","cookie":"2","patch":[{"op":"upsert","key":"a"}]}}`},
		{"unknown error kind", `{"type":"error","body":{"kind":"Oops","message":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, KindInvalidMessage, KindOf(err))
		})
	}
}

func TestJSONCodec_EncodeValidates(t *testing.T) {
	_, err := JSONCodec{}.Encode(PullResponse{})
	assert.Equal(t, KindInvalidMessage, KindOf(err))
}

func TestError_Kinds(t *testing.T) {
	err := fmt.Errorf("pull: %w", Errorf(KindStaleCookie, "cookie %q is gone", "3"))
	assert.True(t, IsStaleCookie(err))
	assert.False(t, IsUnauthorized(err))
	assert.False(t, AsError(err).Terminal())
	assert.Equal(t, `StaleCookie: cookie "3" is gone`, AsError(err).Error())

	internal := AsError(fmt.Errorf("disk full"))
	assert.Equal(t, KindInternal, internal.Kind)
	assert.True(t, internal.Terminal())
	assert.True(t, Errorf(KindUnauthorized, "no").Terminal())
}
