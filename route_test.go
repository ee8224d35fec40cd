package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLongestPrefix(t *testing.T) {
	routes := map[string]string{
		"a.b.c.d.e": "Q1",
		"a.b.c":     "Q2",
		"a":         "Q3",
	}

	queue, err := Resolve("a.b.c.d.e.f", routes)
	require.NoError(t, err)
	assert.Equal(t, "Q1", queue)

	queue, err = Resolve("a.b.c.x", routes)
	require.NoError(t, err)
	assert.Equal(t, "Q2", queue)

	queue, err = Resolve("a.z", routes)
	require.NoError(t, err)
	assert.Equal(t, "Q3", queue)
}

func TestResolveDoubleColonNormalization(t *testing.T) {
	routes := map[string]string{
		"m::do_thing": "SQ",
		"m":           "GQ",
	}

	queue, err := Resolve("m.do_thing", routes)
	require.NoError(t, err)
	assert.Equal(t, "SQ", queue)

	queue, err = Resolve("m.other_thing", routes)
	require.NoError(t, err)
	assert.Equal(t, "GQ", queue)
}

func TestResolveFailsWhenNothingMatches(t *testing.T) {
	_, err := Resolve("unrelated.task", map[string]string{"a": "Q"})
	assert.Error(t, err)
}

func TestLongestPrefixPolicyDelegatesToResolve(t *testing.T) {
	policy := LongestPrefixPolicy{}
	queue, err := policy.Resolve("a.b", map[string]string{"a": "Q"})
	require.NoError(t, err)
	assert.Equal(t, "Q", queue)
}
