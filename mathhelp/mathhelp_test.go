package mathhelp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want int
	}{
		{v: -1, lo: 0, hi: 7, want: 0},
		{v: 3, lo: 0, hi: 7, want: 3},
		{v: 8, lo: 0, hi: 7, want: 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp(tt.v, tt.lo, tt.hi))
	}
}

func TestPow2(t *testing.T) {
	assert.Equal(t, uint(1), Pow2(0))
	assert.Equal(t, uint(1<<23), Pow2(23))
}
