package mapslicehelp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Empty(t, SortedKeys(map[int]bool{}))
}

func TestAsKeys(t *testing.T) {
	keys := AsKeys([]string{"a", "b", "a"})
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "a")
}
