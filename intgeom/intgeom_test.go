package intgeom

import (
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGeomOrd(t *testing.T) {
	tests := []struct {
		in   float64
		want M
	}{
		{in: 0, want: 0},
		{in: 1, want: One},
		{in: 0.5, want: Half},
		{in: -180, want: -180 * One},
		{in: 0.1 + 0.2, want: 3000000000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromGeomOrd(tt.in), "%v", tt.in)
		assert.InDelta(t, tt.in, ToGeomOrd(FromGeomOrd(tt.in)), 1e-9)
	}
}

func TestSafeFromGeomOrd(t *testing.T) {
	_, err := SafeFromGeomOrd(math.NaN())
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = SafeFromGeomOrd(1e12)
	require.ErrorIs(t, err, ErrOutOfRange)
	o, err := SafeFromGeomOrd(90)
	require.NoError(t, err)
	assert.Equal(t, M(90*One), o)
}

func TestFloorMulDiv(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		want    int64
	}{
		{name: "exact", a: 10, b: 4, c: 5, want: 8},
		{name: "floor", a: 170 * One, b: 8, c: 360 * One, want: 3},
		{name: "would overflow int64", a: 400750166855784000, b: 1 << 24, c: 400750166855784000, want: 1 << 24},
		{name: "zero", a: 0, b: 1 << 30, c: 7, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FloorMulDiv(tt.a, tt.b, tt.c))
		})
	}
}

func TestExtent(t *testing.T) {
	e, err := SafeFromGeomExtent(geom.Extent{-10, -10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, M(20*One), e.XSpan())
	assert.Equal(t, M(20*One), e.YSpan())
	assert.False(t, e.IsEmpty())
	assert.True(t, Extent{1, 1, 0, 2}.IsEmpty())
	assert.True(t, e.Intersects(Extent{10 * One, 10 * One, 20 * One, 20 * One}))
	assert.False(t, e.Intersects(Extent{11 * One, 0, 20 * One, 1}))
	assert.Equal(t, geom.Extent{-10, -10, 10, 10}, e.ToGeomExtent())
}
