package processing

import (
	"context"
	"errors"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
)

type failingSource struct{ *features.MemorySource }

func (failingSource) Query(_ context.Context, _ features.Query, out chan<- features.Feature) error {
	close(out)
	return errors.New("upstream outage")
}

func TestProcessFeatures(t *testing.T) {
	source := features.NewMemorySource()
	source.Add("mixed", crs.CRS84,
		features.Feature{ID: 1, Geometry: geom.Point{1, 1}},
		features.Feature{ID: 2, Geometry: geom.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}},
		features.Feature{ID: 3, Geometry: geom.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}}},
		features.Feature{ID: 4, Geometry: geom.LineString{{0, 0}, {2, 2}}},
	)
	q := features.Query{Collection: "mixed", BBox: geom.Extent{-10, -10, 10, 10}}

	ids, stats, err := ProcessFeatures(context.Background(), source, q, func(f features.Feature) (int, bool) {
		id := f.ID.(int)
		return id * 10, id%2 == 0
	})
	require.NoError(t, err)
	assert.Equal(t, []int{20, 40}, ids, "order of the source is kept")
	assert.Equal(t, Stats{Total: 4, Kept: 2, Polygons: 1, MultiPolygons: 1, NonPolygons: 2}, stats)
	assert.Equal(t, uint64(2), stats.Dropped())
}

func TestProcessFeaturesSourceFails(t *testing.T) {
	_, _, err := ProcessFeatures(context.Background(), failingSource{}, features.Query{}, func(f features.Feature) (features.Feature, bool) {
		return f, true
	})
	require.ErrorContains(t, err, "upstream outage")
}

func TestProcessFeaturesCancelled(t *testing.T) {
	source := features.NewMemorySource()
	for i := 0; i < 100; i++ {
		source.Add("points", crs.CRS84, features.Feature{ID: i, Geometry: geom.Point{0, 0}})
	}
	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := ProcessFeatures(ctx, source, features.Query{Collection: "points", BBox: geom.Extent{-1, -1, 1, 1}}, func(f features.Feature) (features.Feature, bool) {
		if f.ID.(int) == 10 {
			cancel()
		}
		return f, true
	})
	require.ErrorIs(t, err, context.Canceled)
}
