// Package tiling models quadtree tile matrix sets, the addresses of their
// tiles and the tile ranges that cover an extent.
package tiling

import (
	"errors"
	"fmt"
	"math"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/intgeom"
	"github.com/pdok/tegel/mathhelp"
)

// MaxSupportedLevel keeps matrix sizes and Z-order keys within 32 bits.
const MaxSupportedLevel = 30

// Definition holds the base parameters of a quadtree tiling scheme.
// Every level is derived from level 0 by doubling the matrix size and halving the scale denominator.
type Definition struct {
	ID                string   `json:"id" validate:"required"`
	Title             string   `json:"title,omitempty"`
	URI               string   `json:"uri,omitempty" validate:"omitempty,uri"`
	WellKnownScaleSet string   `json:"wellKnownScaleSet,omitempty" validate:"omitempty,uri"`
	CRS               crs.Code `json:"crs" validate:"required"`
	OrderedAxes       []string `json:"orderedAxes,omitempty" validate:"omitempty,len=2"`
	// minx, miny, maxx, maxy in CRS units
	BoundingBox             [4]float64 `json:"boundingBox"`
	InitialMatrixWidth      uint       `json:"initialMatrixWidth" default:"1" validate:"min=1"`
	InitialMatrixHeight     uint       `json:"initialMatrixHeight" default:"1" validate:"min=1"`
	InitialScaleDenominator float64    `json:"initialScaleDenominator" validate:"gt=0"`
	TileSize                uint       `json:"tileSize" default:"256" validate:"min=1"`
	MaxLevel                int        `json:"maxLevel" validate:"min=0,max=30"`
}

// Scheme is an immutable tiling scheme. Use NewScheme to create one.
type Scheme struct {
	def   Definition
	world intgeom.Extent
}

// TileMatrix is the derived view of one level of a Scheme.
type TileMatrix struct {
	Level            int
	MatrixWidth      uint
	MatrixHeight     uint
	ScaleDenominator float64
	// CellSize is the size of one pixel in CRS units
	CellSize float64
	// TileWidth and TileHeight are in pixels
	TileWidth     uint
	TileHeight    uint
	TopLeftCorner [2]float64
}

func NewScheme(def Definition) (Scheme, error) {
	if err := defaults.Set(&def); err != nil {
		return Scheme{}, err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(def); err != nil {
		return Scheme{}, fmt.Errorf("invalid tiling scheme %q: %w", def.ID, err)
	}
	c, err := crs.Parse(def.CRS.String())
	if err != nil {
		return Scheme{}, err
	}
	def.CRS = c
	bb := def.BoundingBox
	if !(bb[0] < bb[2] && bb[1] < bb[3]) {
		return Scheme{}, fmt.Errorf("invalid tiling scheme %q: empty bounding box %v", def.ID, bb)
	}
	world, err := intgeom.SafeFromGeomExtent(geom.Extent(bb))
	if err != nil {
		return Scheme{}, fmt.Errorf("invalid tiling scheme %q: %w", def.ID, err)
	}
	tileW := (bb[2] - bb[0]) / float64(def.InitialMatrixWidth)
	tileH := (bb[3] - bb[1]) / float64(def.InitialMatrixHeight)
	if math.Abs(tileW-tileH) > 1e-9*math.Max(tileW, tileH) {
		return Scheme{}, errors.New("invalid tiling scheme " + def.ID + ": tiles are not square")
	}
	def.OrderedAxes = append([]string(nil), def.OrderedAxes...)
	return Scheme{def: def, world: world}, nil
}

func (s Scheme) ID() string { return s.def.ID }

func (s Scheme) CRS() crs.Code { return s.def.CRS }

func (s Scheme) MaxLevel() int { return s.def.MaxLevel }

func (s Scheme) TileSize() uint { return s.def.TileSize }

// Definition returns a copy of the parameters the scheme was built from.
func (s Scheme) Definition() Definition {
	def := s.def
	def.OrderedAxes = append([]string(nil), s.def.OrderedAxes...)
	return def
}

func (s Scheme) BoundingBox() geom.Extent {
	return geom.Extent(s.def.BoundingBox)
}

// Levels is the full zoom range of the scheme.
func (s Scheme) Levels() MinMax {
	return MinMax{Min: 0, Max: s.def.MaxLevel}
}

func (s Scheme) HasLevel(level int) bool {
	return level >= 0 && level <= s.def.MaxLevel
}

func (s Scheme) MatrixWidth(level int) uint {
	return s.def.InitialMatrixWidth * mathhelp.Pow2(uint(level))
}

func (s Scheme) MatrixHeight(level int) uint {
	return s.def.InitialMatrixHeight * mathhelp.Pow2(uint(level))
}

func (s Scheme) ScaleDenominator(level int) float64 {
	return s.def.InitialScaleDenominator / float64(mathhelp.Pow2(uint(level)))
}

// Resolution is the size of one pixel in CRS units.
func (s Scheme) Resolution(level int) float64 {
	return (s.def.BoundingBox[2] - s.def.BoundingBox[0]) / float64(s.MatrixWidth(level)*s.def.TileSize)
}

func (s Scheme) TileMatrix(level int) (TileMatrix, error) {
	if !s.HasLevel(level) {
		return TileMatrix{}, fmt.Errorf("%w: level %d of %s", ErrNotFound, level, s.def.ID)
	}
	return TileMatrix{
		Level:            level,
		MatrixWidth:      s.MatrixWidth(level),
		MatrixHeight:     s.MatrixHeight(level),
		ScaleDenominator: s.ScaleDenominator(level),
		CellSize:         s.Resolution(level),
		TileWidth:        s.def.TileSize,
		TileHeight:       s.def.TileSize,
		TopLeftCorner:    [2]float64{s.def.BoundingBox[0], s.def.BoundingBox[3]},
	}, nil
}

// Contains reports whether level, row and col lie within the matrix.
func (s Scheme) Contains(level, row, col int) bool {
	return s.HasLevel(level) &&
		row >= 0 && uint(row) < s.MatrixHeight(level) &&
		col >= 0 && uint(col) < s.MatrixWidth(level)
}

// TileBoundingBox is the extent of one tile in CRS units. Rows count from the top.
func (s Scheme) TileBoundingBox(level, row, col int) (geom.Extent, error) {
	if !s.Contains(level, row, col) {
		return geom.Extent{}, fmt.Errorf("%w: tile %d/%d/%d of %s", ErrNotFound, level, row, col, s.def.ID)
	}
	mw, mh := int64(s.MatrixWidth(level)), int64(s.MatrixHeight(level))
	spanX, spanY := s.world.XSpan(), s.world.YSpan()
	e := intgeom.Extent{
		s.world.MinX() + intgeom.FloorMulDiv(spanX, int64(col), mw),
		s.world.MaxY() - intgeom.FloorMulDiv(spanY, int64(row)+1, mh),
		s.world.MinX() + intgeom.FloorMulDiv(spanX, int64(col)+1, mw),
		s.world.MaxY() - intgeom.FloorMulDiv(spanY, int64(row), mh),
	}
	return e.ToGeomExtent(), nil
}
