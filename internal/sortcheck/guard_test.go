package sortcheck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmhistory-go/internal/osmhist"
)

func sortedKeys() []Key {
	return []Key{
		{osmhist.TypeNode, 1, 1},
		{osmhist.TypeNode, 1, 2},
		{osmhist.TypeNode, 1, 2}, // duplicate versions are tolerated
		{osmhist.TypeNode, 5, 1},
		{osmhist.TypeNode, 1000, 7},
		{osmhist.TypeWay, 1, 1},
		{osmhist.TypeWay, 1, 3},
		{osmhist.TypeWay, 2, 1},
		{osmhist.TypeRelation, 1, 1},
	}
}

func TestGuardAcceptsSortedInput(t *testing.T) {
	var g Guard
	for _, k := range sortedKeys() {
		require.NoError(t, g.Enforce(k), "key %s", k)
	}
	assert.Equal(t, int64(len(sortedKeys())), g.Seen())
	assert.Equal(t, Key{osmhist.TypeRelation, 1, 1}, g.Last())
}

func TestGuardRejectsAtInjectedPair(t *testing.T) {
	keys := sortedKeys()
	for swap := 0; swap < len(keys)-1; swap++ {
		if keys[swap] == keys[swap+1] {
			continue
		}
		input := append([]Key(nil), keys...)
		input[swap], input[swap+1] = input[swap+1], input[swap]

		var g Guard
		var rejectedAt = -1
		var err error
		for i, k := range input {
			if err = g.Enforce(k); err != nil {
				rejectedAt = i
				break
			}
		}
		require.Error(t, err, "swap at %d", swap)
		assert.Equal(t, swap+1, rejectedAt, "swap at %d", swap)

		var sortErr *SortError
		require.True(t, errors.As(err, &sortErr))
		assert.Equal(t, input[swap+1], sortErr.Offending)
		assert.Equal(t, input[swap], sortErr.Prior)
		assert.True(t, errors.Is(err, ErrUnsorted))
	}
}

func TestGuardMessage(t *testing.T) {
	var g Guard
	require.NoError(t, g.Enforce(Key{osmhist.TypeWay, 10, 2}))
	err := g.Enforce(Key{osmhist.TypeNode, 3, 1})
	require.Error(t, err)
	assert.Equal(t, "incorrect sorting in input file detected: node 3 v1 came after way 10 v2", err.Error())
	// the rejected key is not remembered
	assert.Equal(t, Key{osmhist.TypeWay, 10, 2}, g.Last())
}

func TestCheckDoesNotAdvance(t *testing.T) {
	var g Guard
	assert.True(t, g.Check(Key{osmhist.TypeWay, 1, 1}))
	assert.True(t, g.Check(Key{osmhist.TypeNode, 1, 1}))
	assert.Equal(t, Key{}, g.Last())
}
