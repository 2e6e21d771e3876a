package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSequence(t *testing.T) {
	seq := NewIDSequence("conn")
	assert.Equal(t, "conn-1", seq.Next())
	assert.Equal(t, "conn-2", seq.Next())

	assert.Equal(t, "id-1", NewIDSequence("").Next())
}

func TestFixedID(t *testing.T) {
	gen := FixedID("client-a")
	assert.Equal(t, "client-a", gen())
	assert.Equal(t, "client-a", gen())
}
