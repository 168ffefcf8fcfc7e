package geomhelp

import (
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
	"github.com/paulmach/orb"
)

// ToOrb converts a go-spatial geometry into its paulmach/orb counterpart.
func ToOrb(g geom.Geometry) (orb.Geometry, error) {
	switch v := g.(type) {
	case geom.Point:
		return orb.Point(v), nil
	case *geom.Point:
		return orb.Point(*v), nil
	case geom.MultiPoint:
		return orbPoints[orb.MultiPoint](v), nil
	case geom.LineString:
		return orbPoints[orb.LineString](v), nil
	case geom.MultiLineString:
		mls := make(orb.MultiLineString, len(v))
		for i := range v {
			mls[i] = orbPoints[orb.LineString](v[i])
		}
		return mls, nil
	case geom.Polygon:
		return orbPolygon(v), nil
	case *geom.Polygon:
		return orbPolygon(*v), nil
	case geom.MultiPolygon:
		mp := make(orb.MultiPolygon, len(v))
		for i := range v {
			mp[i] = orbPolygon(v[i])
		}
		return mp, nil
	case geom.Collection:
		c := make(orb.Collection, 0, len(v))
		for i := range v {
			og, err := ToOrb(v[i])
			if err != nil {
				return nil, err
			}
			c = append(c, og)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", g)
	}
}

// FromOrb converts a paulmach/orb geometry into its go-spatial counterpart.
func FromOrb(g orb.Geometry) (geom.Geometry, error) {
	switch v := g.(type) {
	case orb.Point:
		return geom.Point(v), nil
	case orb.MultiPoint:
		return geom.MultiPoint(floatPoints(v)), nil
	case orb.LineString:
		return geom.LineString(floatPoints(v)), nil
	case orb.MultiLineString:
		mls := make(geom.MultiLineString, len(v))
		for i := range v {
			mls[i] = floatPoints(v[i])
		}
		return mls, nil
	case orb.Ring:
		return geom.Polygon{floatPoints(v)}, nil
	case orb.Polygon:
		return geom.Polygon(floatPolygon(v)), nil
	case orb.MultiPolygon:
		mp := make(geom.MultiPolygon, len(v))
		for i := range v {
			mp[i] = floatPolygon(v[i])
		}
		return mp, nil
	case orb.Collection:
		c := make(geom.Collection, 0, len(v))
		for i := range v {
			gg, err := FromOrb(v[i])
			if err != nil {
				return nil, err
			}
			c = append(c, gg)
		}
		return c, nil
	case orb.Bound:
		return FromOrb(v.ToPolygon())
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", g)
	}
}

func orbPoints[S ~[]orb.Point](pts [][2]float64) S {
	s := make(S, len(pts))
	for i := range pts {
		s[i] = pts[i]
	}
	return s
}

func orbPolygon(p [][][2]float64) orb.Polygon {
	poly := make(orb.Polygon, len(p))
	for i := range p {
		poly[i] = orbPoints[orb.Ring](p[i])
	}
	return poly
}

func floatPoints[S ~[]orb.Point](s S) [][2]float64 {
	pts := make([][2]float64, len(s))
	for i := range s {
		pts[i] = s[i]
	}
	return pts
}

func floatPolygon(p orb.Polygon) [][][2]float64 {
	poly := make([][][2]float64, len(p))
	for i := range p {
		poly[i] = floatPoints(p[i])
	}
	return poly
}

// WktMustEncode renders a geometry for a log line. Polygons with rings too short
// to be encoded as rings get those rings appended as lines or points instead.
func WktMustEncode(g geom.Geometry, maxLen uint) (s string) {
	p, isPoly := g.(geom.Polygon)
	if !isPoly {
		return wktMustEncodeTruncated(g, maxLen)
	}

	var lines []geom.LineString
	var points []geom.Point
	pp := make(geom.Polygon, 0, len(p))
	for r := range p {
		switch len(p[r]) {
		case 0:
		case 1:
			points = append(points, p[r][0])
		case 2:
			lines = append(lines, p[r])
		default:
			pp = append(pp, p[r])
		}
	}

	if len(pp) > 0 {
		s = wktMustEncodeTruncated(pp, maxLen)
	}
	for i := range lines {
		s += wktMustEncodeTruncated(lines[i], maxLen)
	}
	for i := range points {
		s += wktMustEncodeTruncated(points[i], maxLen)
	}
	return s
}

func wktMustEncodeTruncated(g geom.Geometry, width uint) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("%T(%v)", g, g)
		}
	}()
	s = wkt.MustEncode(g)
	if width == 0 {
		return s
	}
	return truncate.StringWithTail(s, width, "...")
}
