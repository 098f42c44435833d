package graphutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertAcyclic_AcceptsDAG(t *testing.T) {
	adjacency := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": {},
	}
	assert.NoError(t, AssertAcyclic(adjacency, "test"))
}

func TestAssertAcyclic_RejectsDirectCycle(t *testing.T) {
	adjacency := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	err := AssertAcyclic(adjacency, "test")
	require.Error(t, err)
	var cycleErr *CircularDependencyError[string]
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "test", cycleErr.Context)
}

func TestAssertAcyclic_RejectsSelfLoop(t *testing.T) {
	adjacency := map[string][]string{"a": {"a"}}
	require.Error(t, AssertAcyclic(adjacency, "test"))
}

func TestAssertAcyclic_RejectsLongerCycle(t *testing.T) {
	adjacency := map[int64][]int64{
		1: {2},
		2: {3},
		3: {1},
	}
	require.Error(t, AssertAcyclic(adjacency, "test"))
}

func TestAssertAcyclic_EmptyGraph(t *testing.T) {
	assert.NoError(t, AssertAcyclic(map[string][]string{}, "test"))
}
