package tiling

import (
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tegel/crs"
)

func mustBuiltin(t *testing.T, id string) Scheme {
	t.Helper()
	s, err := NewRegistryBuilder().Build().Get(id)
	require.NoError(t, err)
	return s
}

func TestBuiltinSchemes(t *testing.T) {
	tests := []struct {
		id                     string
		crs                    crs.Code
		maxLevel               int
		matrixWidth, matHeight uint
		scaleDenominator       float64
		cellSize               float64
	}{
		{id: WebMercatorQuad, crs: crs.EPSG3857, maxLevel: 24, matrixWidth: 1, matHeight: 1, scaleDenominator: 559082264.028717, cellSize: 156543.033928041},
		{id: WorldCRS84Quad, crs: crs.CRS84, maxLevel: 23, matrixWidth: 2, matHeight: 1, scaleDenominator: 279541132.014358, cellSize: 0.703125},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s := mustBuiltin(t, tt.id)
			assert.Equal(t, tt.crs, s.CRS())
			assert.Equal(t, tt.maxLevel, s.MaxLevel())
			assert.Equal(t, uint(256), s.TileSize())
			tm, err := s.TileMatrix(0)
			require.NoError(t, err)
			assert.Equal(t, tt.matrixWidth, tm.MatrixWidth)
			assert.Equal(t, tt.matHeight, tm.MatrixHeight)
			assert.InDelta(t, tt.scaleDenominator, tm.ScaleDenominator, 1e-6)
			assert.InDelta(t, tt.cellSize, tm.CellSize, 1e-6)
			_, err = s.TileMatrix(tt.maxLevel + 1)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMatrixDoublingAndScaleHalving(t *testing.T) {
	for _, s := range BuiltinSchemes() {
		t.Run(s.ID(), func(t *testing.T) {
			def := s.Definition()
			for level := 0; level <= s.MaxLevel(); level++ {
				f := math.Pow(2, float64(level))
				assert.Equal(t, def.InitialMatrixWidth*uint(f), s.MatrixWidth(level))
				assert.Equal(t, def.InitialMatrixHeight*uint(f), s.MatrixHeight(level))
				assert.InEpsilon(t, def.InitialScaleDenominator/f, s.ScaleDenominator(level), 1e-12)
			}
		})
	}
}

func TestTileBoundingBox(t *testing.T) {
	s := mustBuiltin(t, WorldCRS84Quad)
	tests := []struct {
		level, row, col int
		want            geom.Extent
		wantErr         bool
	}{
		{level: 0, row: 0, col: 0, want: geom.Extent{-180, -90, 0, 90}},
		{level: 0, row: 0, col: 1, want: geom.Extent{0, -90, 180, 90}},
		{level: 2, row: 1, col: 3, want: geom.Extent{-45, 0, 0, 45}},
		{level: 0, row: 1, col: 0, wantErr: true},
		{level: 24, row: 0, col: 0, wantErr: true},
	}
	for _, tt := range tests {
		got, err := s.TileBoundingBox(tt.level, tt.row, tt.col)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrNotFound)
			continue
		}
		require.NoError(t, err)
		for i := range got {
			assert.InDelta(t, tt.want[i], got[i], 1e-9)
		}
	}
}

func TestNewSchemeInvalid(t *testing.T) {
	base := Definition{
		ID:                      "Custom",
		CRS:                     crs.EPSG3857,
		BoundingBox:             [4]float64{0, 0, 100, 100},
		InitialScaleDenominator: 1000,
		MaxLevel:                4,
	}
	s, err := NewScheme(base)
	require.NoError(t, err)
	assert.Equal(t, uint(256), s.TileSize(), "defaults are applied")
	assert.Equal(t, uint(1), s.MatrixWidth(0))

	tests := []struct {
		name   string
		modify func(d *Definition)
	}{
		{name: "no id", modify: func(d *Definition) { d.ID = "" }},
		{name: "empty bbox", modify: func(d *Definition) { d.BoundingBox = [4]float64{0, 0, 0, 100} }},
		{name: "not square", modify: func(d *Definition) { d.InitialMatrixWidth = 2 }},
		{name: "too deep", modify: func(d *Definition) { d.MaxLevel = 31 }},
		{name: "no scale", modify: func(d *Definition) { d.InitialScaleDenominator = 0 }},
		{name: "bad crs", modify: func(d *Definition) { d.CRS = "3857" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.modify(&d)
			_, err := NewScheme(d)
			require.Error(t, err)
		})
	}
}
