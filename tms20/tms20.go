// Package tms20 implements the document model of the OGC Tile Matrix Set standard (v2.0).
// See https://www.ogc.org/standard/tms/
//
// Documents are rendered from tiling schemes for the tileMatrixSets endpoints,
// and user supplied quadtree documents are turned into tiling scheme definitions.
package tms20

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/tiling"
)

// relative tolerance when checking that levels double
const quadtreeTolerance = 1e-6

var ErrNotQuadtree = errors.New("tile matrix set is not a supported quadtree")

// LoadJSONTileMatrixSet reads a tile matrix set document from disk.
func LoadJSONTileMatrixSet(path string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	tmsJSON, err := os.ReadFile(path)
	if err != nil {
		return tms, err
	}
	if err = json.Unmarshal(tmsJSON, &tms); err != nil {
		return tms, fmt.Errorf("could not read tile matrix set %s: %w", path, err)
	}
	return tms, nil
}

// Register loads the quadtree documents at paths and adds them to builder.
func Register(builder *tiling.RegistryBuilder, paths ...string) error {
	for _, path := range paths {
		tms, err := LoadJSONTileMatrixSet(path)
		if err != nil {
			return err
		}
		def, err := tms.ToDefinition()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		scheme, err := tiling.NewScheme(def)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err = builder.Register(scheme); err != nil {
			return err
		}
	}
	return nil
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier. Implementation of 'identifier'
	ID string `validate:"required" json:"id"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this tile matrix set, normally available for display to a human
	Description string `json:"description,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitempty,len=2" json:"orderedAxes,omitempty"`
	// Coordinate Reference System (CRS)
	CRS CRS `validate:"required" json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Minimum bounding rectangle surrounding the tile matrix set, in the supported CRS
	BoundingBox *TwoDBoundingBox `json:"boundingBox,omitempty"`
	// Describes scale levels and its tile matrices, by level
	TileMatrices map[int]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) MarshalJSON() ([]byte, error) {
	levels := make([]int, 0, len(tms.TileMatrices))
	for level := range tms.TileMatrices {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	tileMatrices := make([]TileMatrix, len(levels))
	for i, level := range levels {
		tileMatrices[i] = tms.TileMatrices[level]
	}
	type plain TileMatrixSet // drops the methods, no recursion
	return json.Marshal(struct {
		plain
		SpecialCRS          CRS          `json:"crs"`
		SpecialTileMatrices []TileMatrix `json:"tileMatrices"`
	}{
		plain:               plain(*tms),
		SpecialCRS:          tms.CRS,
		SpecialTileMatrices: tileMatrices,
	})
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	if err := defaults.Set(tms); err != nil {
		return err
	}
	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	if tms.CRS, err = unmarshalCRS(rawCrs); err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	if tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices); err != nil {
		return err
	}

	return validator.New(validator.WithRequiredStructEnabled()).Struct(tms)
}

func unmarshalTileMatrices(rawTileMatrices any) (map[int]TileMatrix, error) {
	rawList, ok := rawTileMatrices.([]any)
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[int]TileMatrix, len(rawList))
	for _, raw := range rawList {
		rawMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should be objects`)
		}
		var tm TileMatrix
		if err := tm.UnmarshalJSONFromMap(rawMap); err != nil {
			return nil, err
		}
		level, err := strconv.Atoi(tm.ID)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		if _, dup := tileMatrices[level]; dup {
			return nil, fmt.Errorf("duplicate tile matrix %q", tm.ID)
		}
		tileMatrices[level] = tm
	}
	return tileMatrices, nil
}

// CRS is the crs member of a document. It is either a plain URI string
// or an object with a uri or a ProjJSON wkt carrying an id.
type CRS struct {
	Code        crs.Code `validate:"required"`
	Description string
	uri         string
	wkt         map[string]any
	// marshal as just a string
	asString bool
}

// NewCRS returns the plain URI form.
func NewCRS(code crs.Code) CRS {
	return CRS{Code: code, uri: code.URI(), asString: true}
}

func (c CRS) MarshalJSON() ([]byte, error) {
	if c.asString {
		return json.Marshal(c.uri)
	}
	if c.wkt != nil {
		return json.Marshal(struct {
			Description string         `json:"description,omitempty"`
			WKT         map[string]any `json:"wkt"`
		}{Description: c.Description, WKT: c.wkt})
	}
	return json.Marshal(struct {
		Description string `json:"description,omitempty"`
		URI         string `json:"uri"`
	}{Description: c.Description, URI: c.uri})
}

// projJSONID is the part of a ProjJSON document that identifies the CRS
type projJSONID struct {
	ID struct {
		Authority string `validate:"required" json:"authority"`
		Code      any    `validate:"required" json:"code"`
	} `validate:"required" json:"id"`
}

func unmarshalCRS(rawCrs any) (CRS, error) {
	var c CRS
	if uri, ok := rawCrs.(string); ok {
		code, err := crs.Parse(uri)
		if err != nil {
			return c, err
		}
		return CRS{Code: code, uri: uri, asString: true}, nil
	}
	rawMap, ok := rawCrs.(map[string]any)
	if !ok {
		return c, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
	}
	if rawDescription, ok := rawMap["description"]; ok {
		if c.Description, ok = rawDescription.(string); !ok {
			return c, fmt.Errorf(`description property is not a string but a %T`, rawDescription)
		}
	}
	switch {
	case rawMap["uri"] != nil:
		uri, ok := rawMap["uri"].(string)
		if !ok {
			return c, fmt.Errorf(`uri property is not a string but a %T`, rawMap["uri"])
		}
		code, err := crs.Parse(uri)
		if err != nil {
			return c, err
		}
		c.Code, c.uri = code, uri
	case rawMap["wkt"] != nil:
		if c.wkt, ok = rawMap["wkt"].(map[string]any); !ok {
			return c, fmt.Errorf(`wkt property is not an object but a %T`, rawMap["wkt"])
		}
		var id projJSONID
		if _, err := marshmallow.UnmarshalFromJSONMap(c.wkt, &id); err != nil {
			return c, fmt.Errorf(`could not parse wkt as ProjJSON: %w`, err)
		}
		if err := validator.New(validator.WithRequiredStructEnabled()).Struct(id); err != nil {
			return c, fmt.Errorf(`wkt has no usable id: %w`, err)
		}
		c.Code = crs.New(id.ID.Authority, fmt.Sprint(id.ID.Code))
	default:
		return c, errors.New(`crs should have a "uri" or a "wkt", referenceSystem is not supported`)
	}
	return c, nil
}

// Minimum bounding rectangle surrounding a 2D resource in the CRS indicated elsewhere
type TwoDBoundingBox struct {
	LowerLeft   TwoDPoint `validate:"required" json:"lowerLeft"`
	UpperRight  TwoDPoint `validate:"required" json:"upperRight"`
	CRS         *CRS      `json:"-"`
	OrderedAxes []string  `validate:"omitempty,len=2" json:"orderedAxes,omitempty"`
}

func (bb *TwoDBoundingBox) MarshalJSON() ([]byte, error) {
	type plain TwoDBoundingBox
	return json.Marshal(struct {
		plain
		SpecialCRS *CRS `json:"crs,omitempty"`
	}{
		plain:      plain(*bb),
		SpecialCRS: bb.CRS,
	})
}

func (bb *TwoDBoundingBox) UnmarshalJSON(data []byte) error {
	specials, err := marshmallow.Unmarshal(data, bb, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}
	if rawCrs, ok := specials["crs"]; ok {
		c, err := unmarshalCRS(rawCrs)
		if err != nil {
			return err
		}
		bb.CRS = &c
	}
	return validator.New(validator.WithRequiredStructEnabled()).Struct(bb)
}

// A 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

// A tile matrix, usually corresponding to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet and representing the scaleDenominator the tile.
	ID string `validate:"required" json:"id"`
	// Title of this tile matrix, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the origin for numbering tile rows and columns.
	CornerOfOrigin CornerOfOrigin `default:"topLeft" validate:"oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Precise position in CRS coordinates of the corner of origin (e.g. the top-left corner) for this tile matrix.
	PointOfOrigin TwoDPoint `validate:"required" json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
	// Describes the rows that have variable matrix width
	VariableMatrixWidths []VariableMatrixWidth `json:"variableMatrixWidths,omitempty"`
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data any) error {
	if err := defaults.Set(tm); err != nil {
		return err
	}
	dataMap, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}
	if _, err := marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true)); err != nil {
		return err
	}
	return validator.New(validator.WithRequiredStructEnabled()).Struct(tm)
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

// Variable Matrix Width data structure
type VariableMatrixWidth struct {
	// Number of tiles in width that coalesce in a single tile for these rows
	Coalesce uint `validate:"required,min=2" json:"coalesce"`
	// First tile row where the coalescence factor applies for this tilematrix
	MinTileRow uint `json:"minTileRow"`
	// Last tile row where the coalescence factor applies for this tilematrix
	MaxTileRow uint `json:"maxTileRow"`
}

// FromScheme renders every level of a tiling scheme as a document.
func FromScheme(s tiling.Scheme) TileMatrixSet {
	def := s.Definition()
	tms := TileMatrixSet{
		ID:                def.ID,
		Title:             def.Title,
		URI:               def.URI,
		OrderedAxes:       def.OrderedAxes,
		CRS:               NewCRS(def.CRS),
		WellKnownScaleSet: def.WellKnownScaleSet,
		BoundingBox: &TwoDBoundingBox{
			LowerLeft:  TwoDPoint{def.BoundingBox[0], def.BoundingBox[1]},
			UpperRight: TwoDPoint{def.BoundingBox[2], def.BoundingBox[3]},
		},
		TileMatrices: make(map[int]TileMatrix, s.MaxLevel()+1),
	}
	for level := 0; level <= s.MaxLevel(); level++ {
		m, _ := s.TileMatrix(level)
		tms.TileMatrices[level] = TileMatrix{
			ID:               strconv.Itoa(level),
			ScaleDenominator: m.ScaleDenominator,
			CellSize:         m.CellSize,
			CornerOfOrigin:   TopLeft,
			PointOfOrigin:    m.TopLeftCorner,
			TileWidth:        m.TileWidth,
			TileHeight:       m.TileHeight,
			MatrixWidth:      m.MatrixWidth,
			MatrixHeight:     m.MatrixHeight,
		}
	}
	return tms
}

// ToDefinition turns a document into a tiling scheme definition. Only quadtrees are
// supported: levels 0..n, top-left origin, square tiles, no variable matrix widths,
// and every level doubles the matrix and halves the scale of the previous one.
func (tms *TileMatrixSet) ToDefinition() (tiling.Definition, error) {
	var def tiling.Definition
	base, ok := tms.TileMatrices[0]
	if !ok {
		return def, fmt.Errorf("%w: %s has no tile matrix 0", ErrNotQuadtree, tms.ID)
	}
	maxLevel := len(tms.TileMatrices) - 1
	for level := 0; level <= maxLevel; level++ {
		tm, ok := tms.TileMatrices[level]
		if !ok {
			return def, fmt.Errorf("%w: %s misses tile matrix %d", ErrNotQuadtree, tms.ID, level)
		}
		if err := checkQuadtreeLevel(base, tm, level); err != nil {
			return def, fmt.Errorf("%w: %s: %w", ErrNotQuadtree, tms.ID, err)
		}
	}
	tileSpan := base.CellSize * float64(base.TileWidth)
	minX, maxY := base.PointOfOrigin[0], base.PointOfOrigin[1]
	def = tiling.Definition{
		ID:                tms.ID,
		Title:             tms.Title,
		URI:               tms.URI,
		WellKnownScaleSet: tms.WellKnownScaleSet,
		CRS:               tms.CRS.Code,
		OrderedAxes:       tms.OrderedAxes,
		BoundingBox: [4]float64{
			minX,
			maxY - tileSpan*float64(base.MatrixHeight),
			minX + tileSpan*float64(base.MatrixWidth),
			maxY,
		},
		InitialMatrixWidth:      base.MatrixWidth,
		InitialMatrixHeight:     base.MatrixHeight,
		InitialScaleDenominator: base.ScaleDenominator,
		TileSize:                base.TileWidth,
		MaxLevel:                maxLevel,
	}
	return def, nil
}

func checkQuadtreeLevel(base, tm TileMatrix, level int) error {
	switch {
	case tm.CornerOfOrigin == BottomLeft:
		return fmt.Errorf("tile matrix %d has a bottom left origin", level)
	case len(tm.VariableMatrixWidths) > 0:
		return fmt.Errorf("tile matrix %d has variable matrix widths", level)
	case tm.TileWidth != tm.TileHeight || tm.TileWidth != base.TileWidth:
		return fmt.Errorf("tile matrix %d has tiles of %dx%d pixels", level, tm.TileWidth, tm.TileHeight)
	case tm.PointOfOrigin != base.PointOfOrigin:
		return fmt.Errorf("tile matrix %d has another point of origin", level)
	}
	f := 1 << level
	if tm.MatrixWidth != base.MatrixWidth*uint(f) || tm.MatrixHeight != base.MatrixHeight*uint(f) {
		return fmt.Errorf("tile matrix %d is %dx%d, not a doubling of level 0", level, tm.MatrixWidth, tm.MatrixHeight)
	}
	if !almostEqual(tm.ScaleDenominator, base.ScaleDenominator/float64(f)) {
		return fmt.Errorf("tile matrix %d has scale denominator %v, not a halving of level 0", level, tm.ScaleDenominator)
	}
	return nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= quadtreeTolerance*math.Max(math.Abs(a), math.Abs(b))
}
