package crs

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/proj"
)

const (
	// maxMercatorLatitude is the latitude at which a square web mercator world ends.
	maxMercatorLatitude = 85.05112877980659
	defaultDensify      = 20
)

var ErrUnsupported = errors.New("unsupported crs")

// Transformer reprojects bounding boxes and geometries.
type Transformer interface {
	TransformBox(box geom.Extent, from, to Code) (geom.Extent, error)
	TransformGeometry(g geom.Geometry, from, to Code) (geom.Geometry, error)
}

// TransformError is returned when a bounding box or geometry cannot be reprojected.
type TransformError struct {
	BBox geom.Extent
	From Code
	To   Code
	Err  error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("could not transform %v from %v to %v: %v", e.BBox, e.From, e.To, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// ProjTransformer converts between lon/lat and the projections supported by go-spatial/proj.
type ProjTransformer struct {
	// points per bbox edge, a reprojected rectangle is not a rectangle
	densify int
}

func NewProjTransformer() *ProjTransformer {
	return &ProjTransformer{densify: defaultDensify}
}

func (t *ProjTransformer) TransformBox(box geom.Extent, from, to Code) (geom.Extent, error) {
	if from.Equivalent(to) {
		return box, nil
	}
	if !validBox(box) {
		return box, &TransformError{BBox: box, From: from, To: to, Err: errors.New("invalid bounding box")}
	}
	n := t.densify
	pts := make([]float64, 0, 8*n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n)
		x := box.MinX() + f*(box.MaxX()-box.MinX())
		y := box.MinY() + f*(box.MaxY()-box.MinY())
		pts = append(pts,
			x, box.MinY(),
			x, box.MaxY(),
			box.MinX(), y,
			box.MaxX(), y,
		)
	}
	pts = append(pts, box.MaxX(), box.MaxY())
	out, err := t.transform(pts, from, to)
	if err != nil {
		return box, &TransformError{BBox: box, From: from, To: to, Err: err}
	}
	result := geom.Extent{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i+1 < len(out); i += 2 {
		result[0] = math.Min(result[0], out[i])
		result[1] = math.Min(result[1], out[i+1])
		result[2] = math.Max(result[2], out[i])
		result[3] = math.Max(result[3], out[i+1])
	}
	if !validBox(result) {
		return box, &TransformError{BBox: box, From: from, To: to, Err: errors.New("transformed bounding box is degenerate")}
	}
	return result, nil
}

func (t *ProjTransformer) TransformGeometry(g geom.Geometry, from, to Code) (geom.Geometry, error) {
	if from.Equivalent(to) {
		return g, nil
	}
	fail := func(err error) (geom.Geometry, error) {
		var box geom.Extent
		if ext, extErr := geom.NewExtentFromGeometry(g); extErr == nil {
			box = *ext
		}
		return nil, &TransformError{BBox: box, From: from, To: to, Err: err}
	}
	points := func(pts [][2]float64) ([][2]float64, error) {
		flat := make([]float64, 0, 2*len(pts))
		for _, pt := range pts {
			flat = append(flat, pt[0], pt[1])
		}
		out, err := t.transform(flat, from, to)
		if err != nil {
			return nil, err
		}
		res := make([][2]float64, len(pts))
		for i := range res {
			res[i] = [2]float64{out[2*i], out[2*i+1]}
		}
		return res, nil
	}
	rings := func(rs [][][2]float64) ([][][2]float64, error) {
		res := make([][][2]float64, len(rs))
		for i, r := range rs {
			var err error
			if res[i], err = points(r); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	switch v := g.(type) {
	case geom.Point:
		pts, err := points([][2]float64{v})
		if err != nil {
			return fail(err)
		}
		return geom.Point(pts[0]), nil
	case geom.MultiPoint:
		pts, err := points(v)
		if err != nil {
			return fail(err)
		}
		return geom.MultiPoint(pts), nil
	case geom.LineString:
		pts, err := points(v)
		if err != nil {
			return fail(err)
		}
		return geom.LineString(pts), nil
	case geom.MultiLineString:
		lines, err := rings(v)
		if err != nil {
			return fail(err)
		}
		return geom.MultiLineString(lines), nil
	case geom.Polygon:
		rs, err := rings(v)
		if err != nil {
			return fail(err)
		}
		return geom.Polygon(rs), nil
	case geom.MultiPolygon:
		mp := make(geom.MultiPolygon, len(v))
		for i, p := range v {
			rs, err := rings(p)
			if err != nil {
				return fail(err)
			}
			mp[i] = rs
		}
		return mp, nil
	case geom.Collection:
		c := make(geom.Collection, len(v))
		for i, member := range v {
			var err error
			if c[i], err = t.TransformGeometry(member, from, to); err != nil {
				return nil, err
			}
		}
		return c, nil
	default:
		return fail(fmt.Errorf("unsupported geometry type %T", g))
	}
}

// transform converts a flat x,y list, always via lon/lat.
func (t *ProjTransformer) transform(pts []float64, from, to Code) ([]float64, error) {
	lonLat := pts
	if !from.Geographic() {
		src, err := projCode(from)
		if err != nil {
			return nil, err
		}
		if lonLat, err = proj.Inverse(src, pts); err != nil {
			return nil, err
		}
	}
	if to.Geographic() {
		return checkFinite(lonLat)
	}
	dst, err := projCode(to)
	if err != nil {
		return nil, err
	}
	clamped := make([]float64, len(lonLat))
	copy(clamped, lonLat)
	if dst == proj.EPSGCode(3857) || dst == proj.EPSGCode(3395) {
		for i := 1; i < len(clamped); i += 2 {
			clamped[i] = math.Max(-maxMercatorLatitude, math.Min(maxMercatorLatitude, clamped[i]))
		}
	}
	out, err := proj.Convert(dst, clamped)
	if err != nil {
		return nil, err
	}
	return checkFinite(out)
}

func projCode(c Code) (proj.EPSGCode, error) {
	if c.Authority() != "EPSG" {
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, c)
	}
	srid, err := c.SRID()
	if err != nil {
		return 0, err
	}
	switch srid {
	case 3857, 3395, 4087:
		return proj.EPSGCode(srid), nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, c)
	}
}

func checkFinite(pts []float64) ([]float64, error) {
	for _, v := range pts {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("transformation produced non-finite coordinates")
		}
	}
	return pts, nil
}

func validBox(box geom.Extent) bool {
	for _, v := range box {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return box.MinX() <= box.MaxX() && box.MinY() <= box.MaxY()
}
