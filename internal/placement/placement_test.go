package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidates() []Candidate {
	return []Candidate{
		{NodeID: "n1", FreeBytes: 100},
		{NodeID: "n2", FreeBytes: 300},
		{NodeID: "n3", FreeBytes: 200},
		{NodeID: "n4", FreeBytes: 50},
	}
}

func TestSelectLeastLoadedOrdersByFreeBytes(t *testing.T) {
	out, err := Select(StrategyLeastLoaded, candidates(), 2, nil, Constraints{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3"}, out)
}

func TestSelectExcludesSet(t *testing.T) {
	exclude := map[string]struct{}{"n2": {}}
	out, err := Select(StrategyLeastLoaded, candidates(), 2, exclude, Constraints{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"n3", "n1"}, out)
}

func TestSelectInsufficientCapacity(t *testing.T) {
	out, err := Select(StrategyLeastLoaded, candidates(), 10, nil, Constraints{})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.Len(t, out, 4)
}

func TestSelectMinFreeBytesConstraint(t *testing.T) {
	out, err := Select(StrategyLeastLoaded, candidates(), 3, nil, Constraints{MinFreeBytes: 150})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.ElementsMatch(t, []string{"n2", "n3"}, out)
}

func TestSelectDiverseIsDeterministic(t *testing.T) {
	out1, _ := Select(StrategyDiverse, candidates(), 4, nil, Constraints{})
	out2, _ := Select(StrategyDiverse, candidates(), 4, nil, Constraints{})
	assert.Equal(t, out1, out2)
	assert.ElementsMatch(t, []string{"n1", "n2", "n3", "n4"}, out1)
}

func TestSelectRandomReturnsAllRequested(t *testing.T) {
	out, err := Select(StrategyRandom, candidates(), 3, nil, Constraints{})
	assert.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestLeastUtilised(t *testing.T) {
	cands := []Candidate{
		{NodeID: "n1", Utilisation: 500},
		{NodeID: "n2", Utilisation: 100},
		{NodeID: "n3", Utilisation: 300},
	}
	best, ok := LeastUtilised(cands)
	assert.True(t, ok)
	assert.Equal(t, "n2", best.NodeID)
}

func TestLeastUtilisedEmpty(t *testing.T) {
	_, ok := LeastUtilised(nil)
	assert.False(t, ok)
}
