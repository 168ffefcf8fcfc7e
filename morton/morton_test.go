package morton

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToZ(t *testing.T) {
	tests := []struct {
		x     uint
		y     uint
		z     Z
		notOK bool
	}{
		{x: 0b0, y: 0b0, z: 0b0},
		{x: 0b1, y: 0b1, z: 0b11},
		{x: 0b11, y: 0b0, z: 0b0101},
		{x: 0b1111111111111111, y: 0b0, z: 0b01010101010101010101010101010101},
		{x: 0b11111111111111111111111111111111, y: 0b0, z: 0b0101010101010101010101010101010101010101010101010101010101010101},
		{x: 0b100000000000000000000000000000000, notOK: true},
	}
	for _, tt := range tests {
		name := fmt.Sprintf(`ToZ(%b, %b)`, tt.x, tt.y)
		t.Run(name, func(t *testing.T) {
			got, ok := ToZ(tt.x, tt.y)
			if tt.notOK {
				require.False(t, ok)
			} else {
				require.Equalf(t, tt.z, got, `%032b and %032b should interleave into: %064b, got: %064b`, tt.x, tt.y, tt.z, got)
			}
		})
	}
}

func TestFromZ(t *testing.T) {
	tests := []struct {
		z Z
		x uint
		y uint
	}{
		{z: 0b0, x: 0b0, y: 0b0},
		{z: 0b11, x: 0b1, y: 0b1},
		{z: 0b0101, x: 0b11, y: 0b0},
		{z: 0b01010101010101010101010101010101, x: 0b1111111111111111, y: 0b0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf(`FromZ(%b)`, tt.z), func(t *testing.T) {
			gotX, gotY := FromZ(tt.z)
			require.Equal(t, [2]uint{tt.x, tt.y}, [2]uint{gotX, gotY})
		})
	}
}

func TestTileZOrder(t *testing.T) {
	type rc struct{ row, col int }
	tiles := []rc{{1, 1}, {0, 1}, {1, 0}, {0, 0}, {2, 0}}
	slices.SortFunc(tiles, func(a, b rc) int {
		return int(TileZ(a.row, a.col)) - int(TileZ(b.row, b.col))
	})
	assert.Equal(t, []rc{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}}, tiles)
	for _, tile := range tiles {
		row, col := Tile(TileZ(tile.row, tile.col))
		assert.Equal(t, tile, rc{row, col})
	}
}
