package tilegen

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/sieve"
)

const (
	DefaultExtent = 4096
	DefaultBuffer = 64
)

var gzipMagic = []byte{0x1f, 0x8b}

// EmptyTile is the payload of a tile without features: a gzipped MVT without layers.
var EmptyTile = mustEncode(nil)

func mustEncode(layers mvt.Layers) []byte {
	data, err := mvt.MarshalGzipped(layers)
	if err != nil {
		panic(err)
	}
	return data
}

// IsEmptyTile reports whether data has no layers with features.
func IsEmptyTile(data []byte) bool {
	if bytes.Equal(data, EmptyTile) {
		return true
	}
	counts, err := FeatureCounts(data)
	return err == nil && len(counts) == 0
}

// FeatureCounts decodes a payload and counts the features per layer. Layers without features are left out.
func FeatureCounts(data []byte) (map[string]int, error) {
	layers, err := decode(data)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(layers))
	for _, l := range layers {
		if len(l.Features) > 0 {
			counts[l.Name] += len(l.Features)
		}
	}
	return counts, nil
}

func decode(data []byte) (mvt.Layers, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(data, gzipMagic) {
		return mvt.UnmarshalGzipped(data)
	}
	return mvt.Unmarshal(data)
}

// pixelGrid maps CRS coordinates of one tile onto the integer grid of an MVT layer, y down.
type pixelGrid struct {
	bounds    geom.Extent
	extent    float64
	buffer    float64
	tolerance float64
}

func (p pixelGrid) toPixel(pt orb.Point) orb.Point {
	return orb.Point{
		(pt[0] - p.bounds.MinX()) / (p.bounds.MaxX() - p.bounds.MinX()) * p.extent,
		(p.bounds.MaxY() - pt[1]) / (p.bounds.MaxY() - p.bounds.MinY()) * p.extent,
	}
}

// quantize rounds half away from zero, the same input always gives the same output.
func quantize(pt orb.Point) orb.Point {
	return orb.Point{math.Round(pt[0]), math.Round(pt[1])}
}

// toTileGeometry projects g onto the pixel grid, clips it to the buffered tile,
// simplifies and quantizes it. A nil result means nothing is left.
func (p pixelGrid) toTileGeometry(g orb.Geometry, sieveArea float64) orb.Geometry {
	g = project.Geometry(g, p.toPixel)
	g = clip.Geometry(orb.Bound{
		Min: orb.Point{-p.buffer, -p.buffer},
		Max: orb.Point{p.extent + p.buffer, p.extent + p.buffer},
	}, g)
	if g == nil {
		return nil
	}
	if p.tolerance > 0 {
		g = simplify.DouglasPeucker(p.tolerance).Simplify(g)
		if g == nil {
			return nil
		}
	}
	g = project.Geometry(g, quantize)
	return cleanup(g, sieveArea)
}

// cleanup removes repeated points and the parts that collapsed while quantizing.
func cleanup(g orb.Geometry, sieveArea float64) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return v
	case orb.MultiPoint:
		if len(v) == 0 {
			return nil
		}
		return v
	case orb.LineString:
		ls := orb.LineString(dedupe(v))
		if len(ls) < 2 {
			return nil
		}
		return ls
	case orb.MultiLineString:
		var mls orb.MultiLineString
		for _, l := range v {
			if ls := dedupe(l); len(ls) >= 2 {
				mls = append(mls, ls)
			}
		}
		return single(mls)
	case orb.Ring:
		return cleanup(orb.Polygon{v}, sieveArea)
	case orb.Polygon:
		p, _ := sieve.Polygon(dedupePolygon(v), sieveArea)
		if p == nil {
			return nil
		}
		return p
	case orb.MultiPolygon:
		mp := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			mp = append(mp, dedupePolygon(p))
		}
		mp, _ = sieve.MultiPolygon(mp, sieveArea)
		if len(mp) == 0 {
			return nil
		}
		if len(mp) == 1 {
			return mp[0]
		}
		return mp
	default:
		return nil
	}
}

func single(mls orb.MultiLineString) orb.Geometry {
	switch len(mls) {
	case 0:
		return nil
	case 1:
		return mls[0]
	default:
		return mls
	}
}

func dedupe[S ~[]orb.Point](s S) S {
	if len(s) == 0 {
		return s
	}
	out := make(S, 0, len(s))
	out = append(out, s[0])
	for _, pt := range s[1:] {
		if pt != out[len(out)-1] {
			out = append(out, pt)
		}
	}
	return out
}

func dedupePolygon(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i := range p {
		out[i] = dedupe(p[i])
	}
	return out
}

// featureID returns the id as an MVT feature id, ok is false when it cannot be one.
func featureID(id any) (uint64, bool) {
	switch v := id.(type) {
	case int:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case float64:
		return uint64(v), v >= 0 && v == math.Trunc(v)
	default:
		return 0, false
	}
}

// properties turns feature properties into MVT values.
func properties(props map[string]any) geojson.Properties {
	out := make(geojson.Properties, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case nil:
			continue
		case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[k] = v
		case []byte:
			out[k] = string(v)
		case time.Time:
			out[k] = v.Format(time.RFC3339)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
