package intgeom

import (
	"github.com/go-spatial/geom"
)

// Extent represents the minx, miny, maxx and maxy
type Extent [4]int64

func (e Extent) ToGeomExtent() geom.Extent {
	return geom.Extent{
		ToGeomOrd(e[0]),
		ToGeomOrd(e[1]),
		ToGeomOrd(e[2]),
		ToGeomOrd(e[3]),
	}
}

// SafeFromGeomExtent rejects extents that cannot be represented.
func SafeFromGeomExtent(e geom.Extent) (Extent, error) {
	var ie Extent
	for i := range e {
		o, err := SafeFromGeomOrd(e[i])
		if err != nil {
			return ie, err
		}
		ie[i] = o
	}
	return ie, nil
}

// MaxX is the larger of the x values.
func (e Extent) MaxX() int64 {
	return e[2]
}

// MinX  is the smaller of the x values.
func (e Extent) MinX() int64 {
	return e[0]
}

// MaxY is the larger of the y values.
func (e Extent) MaxY() int64 {
	return e[3]
}

// MinY is the smaller of the y values.
func (e Extent) MinY() int64 {
	return e[1]
}

// XSpan is the distance of the Extent in X
func (e Extent) XSpan() int64 {
	return e[2] - e[0]
}

// YSpan is the distance of the Extent in Y
func (e Extent) YSpan() int64 {
	return e[3] - e[1]
}

// IsEmpty is true when the extent has no area and is not a single point either.
func (e Extent) IsEmpty() bool {
	return e.MinX() > e.MaxX() || e.MinY() > e.MaxY()
}

// Intersects is true when both extents share at least one point.
func (e Extent) Intersects(o Extent) bool {
	return e.MinX() <= o.MaxX() && o.MinX() <= e.MaxX() && e.MinY() <= o.MaxY() && o.MinY() <= e.MaxY()
}
