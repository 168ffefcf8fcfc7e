package tilegen

import (
	"context"
	"errors"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap/zaptest"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/tiling"
)

func newTestGenerator(t *testing.T, source features.Source) *Generator {
	t.Helper()
	registry := tiling.NewRegistryBuilder().Build()
	return NewGenerator(registry, crs.NewProjTransformer(), source, Options{Extent: DefaultExtent, Buffer: DefaultBuffer}, zaptest.NewLogger(t))
}

func testSource() *features.MemorySource {
	source := features.NewMemorySource()
	source.Add("places", crs.CRS84,
		features.Feature{ID: int64(1), Geometry: geom.Point{-90, 0}, Properties: map[string]any{"name": "a"}},
		features.Feature{ID: int64(2), Geometry: geom.Point{-45, 45}, Properties: map[string]any{"name": "b"}},
		features.Feature{ID: int64(3), Geometry: geom.Point{90, 0}, Properties: map[string]any{"name": "c"}},
	)
	source.Add("areas", crs.CRS84,
		features.Feature{ID: int64(10), Geometry: geom.Polygon{{{-100, -10}, {-80, -10}, {-80, 10}, {-100, 10}, {-100, -10}}}},
		// degenerate, only three points
		features.Feature{ID: int64(11), Geometry: geom.Polygon{{{-100, -10}, {-80, -10}, {-100, -10}}}},
	)
	source.Add("nothing", crs.CRS84,
		features.Feature{ID: int64(20), Geometry: geom.Point{120, 60}},
	)
	return source
}

func decodeLayers(t *testing.T, data []byte) mvt.Layers {
	t.Helper()
	layers, err := mvt.UnmarshalGzipped(data)
	require.NoError(t, err)
	return layers
}

func TestGenerateSingleLayer(t *testing.T) {
	g := newTestGenerator(t, testSource())
	west := tiling.Address{Scheme: tiling.WorldCRS84Quad, Level: 0, Row: 0, Col: 0}

	tests := []struct {
		name       string
		addr       tiling.Address
		wantEmpty  bool
		wantCount  int
		wantPoints []orb.Point
	}{
		{
			name:       "points in the western tile",
			addr:       west.ForCollection("places"),
			wantCount:  2,
			wantPoints: []orb.Point{{2048, 2048}, {3072, 1024}},
		},
		{
			name:      "degenerate polygon is dropped",
			addr:      west.ForCollection("areas"),
			wantCount: 1,
		},
		{
			name:      "no features in tile",
			addr:      west.ForCollection("nothing"),
			wantEmpty: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tile, err := g.GenerateSingleLayer(context.Background(), tt.addr, features.Query{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmpty, tile.Empty)
			require.NotEmpty(t, tile.Data)
			if tt.wantEmpty {
				assert.Equal(t, EmptyTile, tile.Data)
				assert.Empty(t, tile.Features)
				assert.True(t, IsEmptyTile(tile.Data))
				return
			}
			assert.Equal(t, map[string]int{tt.addr.Collection: tt.wantCount}, tile.Features)
			layers := decodeLayers(t, tile.Data)
			require.Len(t, layers, 1)
			assert.Equal(t, tt.addr.Collection, layers[0].Name)
			assert.Equal(t, uint32(DefaultExtent), layers[0].Extent)
			require.Len(t, layers[0].Features, tt.wantCount)
			for i, want := range tt.wantPoints {
				assert.Equal(t, want, layers[0].Features[i].Geometry)
			}
		})
	}
}

func TestGenerateSingleLayerReprojects(t *testing.T) {
	source := features.NewMemorySource()
	source.Add("places", crs.CRS84, features.Feature{ID: 1, Geometry: geom.Point{0, 0}})
	g := newTestGenerator(t, source)

	addr := tiling.Address{Collection: "places", Scheme: tiling.WebMercatorQuad}
	tile, err := g.GenerateSingleLayer(context.Background(), addr, features.Query{})
	require.NoError(t, err)
	layers := decodeLayers(t, tile.Data)
	require.Len(t, layers, 1)
	require.Len(t, layers[0].Features, 1)
	assert.Equal(t, orb.Point{2048, 2048}, layers[0].Features[0].Geometry)
}

func TestGenerateSingleLayerIsDeterministic(t *testing.T) {
	g := newTestGenerator(t, testSource())
	addr := tiling.Address{Collection: "places", Scheme: tiling.WorldCRS84Quad, Level: 1, Row: 0, Col: 1}

	first, err := g.GenerateSingleLayer(context.Background(), addr, features.Query{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := g.GenerateSingleLayer(context.Background(), addr, features.Query{})
		require.NoError(t, err)
		assert.Equal(t, first.Data, again.Data)
	}
}

func TestGenerateSingleLayerErrors(t *testing.T) {
	g := newTestGenerator(t, testSource())

	tests := []struct {
		name    string
		addr    tiling.Address
		wantErr error
	}{
		{
			name:    "unknown collection",
			addr:    tiling.Address{Collection: "unknown", Scheme: tiling.WorldCRS84Quad},
			wantErr: features.ErrUnknownCollection,
		},
		{
			name:    "unknown scheme",
			addr:    tiling.Address{Collection: "places", Scheme: "unknown"},
			wantErr: tiling.ErrNotFound,
		},
		{
			name:    "outside of the matrix",
			addr:    tiling.Address{Collection: "places", Scheme: tiling.WorldCRS84Quad, Level: 0, Row: 1, Col: 0},
			wantErr: tiling.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.GenerateSingleLayer(context.Background(), tt.addr, features.Query{})
			var genErr *GenerationError
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.addr, genErr.Address)
			assert.True(t, errors.Is(err, tt.wantErr))
		})
	}
}

func TestGenerateMultiLayer(t *testing.T) {
	g := newTestGenerator(t, testSource())
	key := tiling.Address{Scheme: tiling.WorldCRS84Quad, Level: 0, Row: 0, Col: 0}

	sources := orderedmap.New[string, []byte]()
	want := map[string]int{}
	for _, collection := range []string{"places", "nothing", "areas"} {
		tile, err := g.GenerateSingleLayer(context.Background(), key.ForCollection(collection), features.Query{})
		require.NoError(t, err)
		sources.Set(collection, tile.Data)
		for name, n := range tile.Features {
			want[name] = n
		}
	}

	tile, err := g.GenerateMultiLayer(context.Background(), key, sources)
	require.NoError(t, err)
	assert.False(t, tile.Empty)
	assert.Equal(t, want, tile.Features)

	counts, err := FeatureCounts(tile.Data)
	require.NoError(t, err)
	assert.Equal(t, want, counts)

	layers := decodeLayers(t, tile.Data)
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"places", "areas"}, names)
}

func TestGenerateMultiLayerWithoutContent(t *testing.T) {
	g := newTestGenerator(t, testSource())
	sources := orderedmap.New[string, []byte]()
	sources.Set("a", EmptyTile)
	sources.Set("b", nil)

	tile, err := g.GenerateMultiLayer(context.Background(), tiling.Address{Scheme: tiling.WebMercatorQuad}, sources)
	require.NoError(t, err)
	assert.True(t, tile.Empty)
	assert.Equal(t, EmptyTile, tile.Data)
}

func TestGenerateMultiLayerCorruptSource(t *testing.T) {
	g := newTestGenerator(t, testSource())
	sources := orderedmap.New[string, []byte]()
	sources.Set("a", []byte{0x1f, 0x8b, 0x00})

	_, err := g.GenerateMultiLayer(context.Background(), tiling.Address{Scheme: tiling.WebMercatorQuad}, sources)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
}
