package tiling

import (
	"context"
	"errors"
	"math"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/intgeom"
	"github.com/pdok/tegel/mathhelp"
)

// BoundingBox is an extent together with the CRS of its ordinates.
type BoundingBox struct {
	Extent geom.Extent
	CRS    crs.Code
}

// IsDegenerate is true for extents that cannot cover anything.
func (b BoundingBox) IsDegenerate() bool {
	for _, v := range b.Extent {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return b.Extent.MinX() > b.Extent.MaxX() || b.Extent.MinY() > b.Extent.MaxY()
}

// LimitsResolver computes which tiles of a scheme cover an extent.
type LimitsResolver struct {
	registry    *Registry
	transformer crs.Transformer
}

func NewLimitsResolver(registry *Registry, transformer crs.Transformer) *LimitsResolver {
	return &LimitsResolver{registry: registry, transformer: transformer}
}

func (r *LimitsResolver) Registry() *Registry {
	return r.registry
}

// Resolve returns one Limits per level in levels, ascending. The box is reprojected
// into the CRS of the scheme first; a failed reprojection returns a *crs.TransformError.
// Degenerate boxes, boxes outside the scheme and level ranges outside the scheme
// yield no limits and no error.
func (r *LimitsResolver) Resolve(ctx context.Context, box BoundingBox, schemeID string, levels MinMax) ([]Limits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scheme, err := r.registry.Get(schemeID)
	if err != nil {
		return nil, err
	}
	levels, ok := levels.Intersect(scheme.Levels())
	if !ok || box.IsDegenerate() {
		return nil, nil
	}

	extent := box.Extent
	if box.CRS != "" && !box.CRS.Equivalent(scheme.CRS()) {
		extent, err = r.transformer.TransformBox(box.Extent, box.CRS, scheme.CRS())
		if err != nil {
			var te *crs.TransformError
			if !errors.As(err, &te) {
				err = &crs.TransformError{BBox: box.Extent, From: box.CRS, To: scheme.CRS(), Err: err}
			}
			return nil, err
		}
	}
	fixed, err := intgeom.SafeFromGeomExtent(extent)
	if err != nil {
		return nil, &crs.TransformError{BBox: box.Extent, From: box.CRS, To: scheme.CRS(), Err: err}
	}
	if fixed.IsEmpty() || !fixed.Intersects(scheme.world) {
		return nil, nil
	}

	result := make([]Limits, 0, levels.Max-levels.Min+1)
	for level := levels.Min; level <= levels.Max; level++ {
		result = append(result, scheme.limits(level, fixed))
	}
	return result, nil
}

// limits computes the covering tile range for an extent that intersects the world.
// Rows are counted from the top of the world.
func (s Scheme) limits(level int, e intgeom.Extent) Limits {
	w := s.world
	mw, mh := int64(s.MatrixWidth(level)), int64(s.MatrixHeight(level))
	index := func(offset, span, size int64) int {
		i := intgeom.FloorMulDiv(max(offset, 0), size, span)
		return int(mathhelp.Clamp(i, 0, size-1))
	}
	return Limits{
		TileMatrix: level,
		MinCol:     index(e.MinX()-w.MinX(), w.XSpan(), mw),
		MaxCol:     index(e.MaxX()-w.MinX(), w.XSpan(), mw),
		MinRow:     index(w.MaxY()-e.MaxY(), w.YSpan(), mh),
		MaxRow:     index(w.MaxY()-e.MinY(), w.YSpan(), mh),
	}
}
