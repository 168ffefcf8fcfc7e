// Package tilegen produces the vector tile payloads of single-layer and multi-layer tiles.
package tilegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/geomhelp"
	"github.com/pdok/tegel/processing"
	"github.com/pdok/tegel/sieve"
	"github.com/pdok/tegel/tiling"
)

const warningWktMaxLen = 200

// Options tune the encoding of tiles.
type Options struct {
	// Extent of the pixel grid of a layer
	Extent uint32 `default:"4096"`
	// Buffer around the tile in grid units, geometries are clipped to it
	Buffer uint32 `default:"64"`
	// SieveArea drops rings smaller than this many square pixels of the tile
	SieveArea float64
	// SimplifyTolerance in grid units, 0 disables simplification
	SimplifyTolerance float64 `default:"1"`
}

// Tile is a generated payload.
type Tile struct {
	Data  []byte
	Empty bool
	// Features counts the features per layer
	Features map[string]int
}

func emptyTile() Tile {
	return Tile{Data: EmptyTile, Empty: true, Features: map[string]int{}}
}

// Generator generates the tiles of the collections of one feature source.
type Generator struct {
	registry    *tiling.Registry
	transformer crs.Transformer
	source      features.Source
	opts        Options
	log         *zap.Logger
}

func NewGenerator(registry *tiling.Registry, transformer crs.Transformer, source features.Source, opts Options, log *zap.Logger) *Generator {
	if opts.Extent == 0 {
		opts.Extent = DefaultExtent
	}
	return &Generator{
		registry:    registry,
		transformer: transformer,
		source:      source,
		opts:        opts,
		log:         log,
	}
}

// GenerateSingleLayer queries the features of addr.Collection within the tile and encodes
// them into one layer named after the collection. Features that cannot be encoded are
// logged and left out.
func (g *Generator) GenerateSingleLayer(ctx context.Context, addr tiling.Address, q features.Query) (Tile, error) {
	if addr.IsDataset() {
		return Tile{}, &GenerationError{Address: addr, Err: errors.New("single-layer tile needs a collection")}
	}
	scheme, err := g.registry.Get(addr.Scheme)
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: err}
	}
	bounds, err := scheme.TileBoundingBox(addr.Level, addr.Row, addr.Col)
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: err}
	}
	desc, err := g.source.Describe(ctx, addr.Collection)
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: err}
	}
	native := desc.CRS
	if native == "" {
		native = scheme.CRS()
	}

	grid := pixelGrid{
		bounds:    bounds,
		extent:    float64(g.opts.Extent),
		buffer:    float64(g.opts.Buffer),
		tolerance: g.opts.SimplifyTolerance,
	}
	queryBox := buffered(bounds, float64(g.opts.Buffer)/float64(g.opts.Extent))
	offset := scheme.Resolution(addr.Level)
	if !native.Equivalent(scheme.CRS()) {
		nativeBox, err := g.transformer.TransformBox(queryBox, scheme.CRS(), native)
		if err != nil {
			return Tile{}, &GenerationError{Address: addr, Err: err}
		}
		offset *= (nativeBox.MaxX() - nativeBox.MinX()) / (queryBox.MaxX() - queryBox.MinX())
		queryBox = nativeBox
	}
	q.Collection = addr.Collection
	q.BBox = queryBox
	q.MaxAllowableOffset = offset

	results, stats, err := processing.ProcessFeatures[[]*geojson.Feature](ctx, g.source, q, func(f features.Feature) ([]*geojson.Feature, bool) {
		encoded := g.toTileFeatures(addr, scheme.CRS(), native, grid, f)
		return encoded, len(encoded) > 0
	})
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: err}
	}

	fc := geojson.NewFeatureCollection()
	for _, r := range results {
		fc.Features = append(fc.Features, r...)
	}
	g.log.Debug("features processed",
		zap.String("collection", addr.Collection), zap.String("tms", addr.Scheme),
		zap.Int("level", addr.Level), zap.Int("row", addr.Row), zap.Int("col", addr.Col),
		zap.Uint64("total", stats.Total), zap.Uint64("dropped", stats.Dropped()),
		zap.Uint64("polygons", stats.Polygons), zap.Uint64("multipolygons", stats.MultiPolygons),
		zap.Uint64("others", stats.NonPolygons))
	if len(fc.Features) == 0 {
		return emptyTile(), nil
	}

	layer := mvt.NewLayer(addr.Collection, fc)
	layer.Extent = g.opts.Extent
	data, err := mvt.MarshalGzipped(mvt.Layers{layer})
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: fmt.Errorf("could not encode tile: %w", err)}
	}
	return Tile{Data: data, Features: map[string]int{addr.Collection: len(fc.Features)}}, nil
}

// GenerateMultiLayer composes single-layer payloads into one tile, in the order of sources.
// Sources without features contribute no layer.
func (g *Generator) GenerateMultiLayer(_ context.Context, addr tiling.Address, sources *orderedmap.OrderedMap[string, []byte]) (Tile, error) {
	var out mvt.Layers
	counts := make(map[string]int)
	for pair := sources.Oldest(); pair != nil; pair = pair.Next() {
		layers, err := decode(pair.Value)
		if err != nil {
			return Tile{}, &GenerationError{Address: addr, Err: fmt.Errorf("could not decode tile of collection %s: %w", pair.Key, err)}
		}
		for _, l := range layers {
			if len(l.Features) == 0 {
				continue
			}
			out = append(out, l)
			counts[l.Name] += len(l.Features)
		}
	}
	if len(out) == 0 {
		return emptyTile(), nil
	}
	data, err := mvt.MarshalGzipped(out)
	if err != nil {
		return Tile{}, &GenerationError{Address: addr, Err: fmt.Errorf("could not encode tile: %w", err)}
	}
	return Tile{Data: data, Features: counts}, nil
}

// toTileFeatures turns one source feature into zero or more MVT features in grid coordinates.
// Collections become one MVT feature per member.
func (g *Generator) toTileFeatures(addr tiling.Address, schemeCRS, native crs.Code, grid pixelGrid, f features.Feature) []*geojson.Feature {
	if f.Geometry == nil {
		g.warn(GeometryWarning{Address: addr, FeatureID: f.ID, Reason: "feature without geometry"})
		return nil
	}
	geometry := f.Geometry
	if !native.Equivalent(schemeCRS) {
		var err error
		geometry, err = g.transformer.TransformGeometry(geometry, native, schemeCRS)
		if err != nil {
			g.warn(GeometryWarning{Address: addr, FeatureID: f.ID, Reason: err.Error(), Geometry: geomhelp.WktMustEncode(f.Geometry, warningWktMaxLen)})
			return nil
		}
	}
	og, err := geomhelp.ToOrb(geometry)
	if err != nil {
		g.warn(GeometryWarning{Address: addr, FeatureID: f.ID, Reason: err.Error()})
		return nil
	}
	var parts []orb.Geometry
	if c, ok := og.(orb.Collection); ok {
		parts = c
	} else {
		parts = []orb.Geometry{og}
	}

	id, hasID := featureID(f.ID)
	props := properties(f.Properties)
	var out []*geojson.Feature
	for _, part := range parts {
		part = g.dropDegenerate(addr, f, part)
		if part == nil {
			continue
		}
		tg := grid.toTileGeometry(part, g.opts.SieveArea)
		if tg == nil {
			continue
		}
		feature := geojson.NewFeature(tg)
		if hasID {
			feature.ID = id
		}
		feature.Properties = props
		out = append(out, feature)
	}
	return out
}

// dropDegenerate removes rings that have no area in the source data and warns about them.
func (g *Generator) dropDegenerate(addr tiling.Address, f features.Feature, part orb.Geometry) orb.Geometry {
	original := part
	var report sieve.Report
	switch v := part.(type) {
	case orb.Polygon:
		var p orb.Polygon
		p, report = sieve.Polygon(v, 0)
		if p != nil {
			part = p
		} else {
			part = nil
		}
	case orb.MultiPolygon:
		var mp orb.MultiPolygon
		mp, report = sieve.MultiPolygon(v, 0)
		if len(mp) > 0 {
			part = mp
		} else {
			part = nil
		}
	case orb.LineString:
		if len(dedupe(v)) < 2 {
			g.warn(GeometryWarning{Address: addr, FeatureID: f.ID, Reason: "degenerate line", Geometry: orbWkt(original)})
			return nil
		}
	}
	if report.Degenerate > 0 {
		g.warn(GeometryWarning{
			Address:   addr,
			FeatureID: f.ID,
			Reason:    fmt.Sprintf("%d degenerate or zero-area ring(s) dropped", report.Degenerate),
			Geometry:  orbWkt(original),
		})
	}
	return part
}

func orbWkt(g orb.Geometry) string {
	gg, err := geomhelp.FromOrb(g)
	if err != nil {
		return ""
	}
	return geomhelp.WktMustEncode(gg, warningWktMaxLen)
}

func (g *Generator) warn(w GeometryWarning) {
	g.log.Warn("geometry skipped",
		zap.String("collection", w.Address.Collection), zap.String("tms", w.Address.Scheme),
		zap.Int("level", w.Address.Level), zap.Int("row", w.Address.Row), zap.Int("col", w.Address.Col),
		zap.Any("feature", w.FeatureID), zap.String("reason", w.Reason), zap.String("wkt", w.Geometry))
}

// buffered grows e by ratio of its size on every side.
func buffered(e geom.Extent, ratio float64) geom.Extent {
	dx := (e.MaxX() - e.MinX()) * ratio
	dy := (e.MaxY() - e.MinY()) * ratio
	return geom.Extent{e.MinX() - dx, e.MinY() - dy, e.MaxX() + dx, e.MaxY() + dy}
}
