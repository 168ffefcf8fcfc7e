package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/seeding"
	"github.com/pdok/tegel/tilecache"
	"github.com/pdok/tegel/tilegen"
	"github.com/pdok/tegel/tiles"
	"github.com/pdok/tegel/tiling"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	source := features.NewMemorySource()
	source.Add("places", crs.CRS84,
		features.Feature{ID: 1, Geometry: geom.Point{-90, 0}, Properties: map[string]any{"kind": "city"}},
		features.Feature{ID: 2, Geometry: geom.Point{-45, 45}, Properties: map[string]any{"kind": "village"}},
	)
	source.Add("areas", crs.CRS84,
		features.Feature{ID: 10, Geometry: geom.Polygon{{{-100, -10}, {-80, -10}, {-80, 10}, {-100, 10}, {-100, -10}}}},
	)
	levels := map[string]tiling.MinMax{tiling.WorldCRS84Quad: {Min: 0, Max: 3}}
	api := config.API{
		ID:           "test",
		DatasetTiles: true,
		Collections: []config.Collection{
			{ID: "places", TilesEnabled: true, ZoomLevels: levels, Seeding: map[string]tiling.MinMax{tiling.WorldCRS84Quad: {Min: 0, Max: 1}}},
			{ID: "areas", TilesEnabled: true, ZoomLevels: levels},
		},
	}

	registry := tiling.NewRegistryBuilder().Build()
	transformer := crs.NewProjTransformer()
	resolver := tiling.NewLimitsResolver(registry, transformer)
	cache := tilecache.New(tilecache.NewMemory(0), resolver, tilecache.TemporaryOptions{}, log)
	t.Cleanup(func() { _ = cache.Close() })
	generator := tilegen.NewGenerator(registry, transformer, source, tilegen.Options{Extent: tilegen.DefaultExtent, Buffer: tilegen.DefaultBuffer}, log)
	providers := map[string]*tiles.Provider{
		api.ID: tiles.NewProvider(api, registry, cache, generator, source, tiles.Options{DefaultLimit: 1000}, log),
	}
	scheduler := seeding.NewScheduler(providers, resolver, config.Seeding{Workers: 2}, log)
	t.Cleanup(scheduler.CancelAll)
	return New(providers, registry, scheduler, log)
}

func get(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTiles(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCounts map[string]int
	}{
		{
			name:       "collection tile",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/0",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"places": 2},
		},
		{
			name:       "collection tile with extension",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/0.mvt",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"places": 2},
		},
		{
			name:       "filtered",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/0?filter.kind=city",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"places": 1},
		},
		{
			name:       "limited",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/0?limit=1",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"places": 1},
		},
		{
			name:       "empty",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/1",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "dataset tile",
			target:     "/test/tiles/WorldCRS84Quad/0/0/0",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"places": 2, "areas": 1},
		},
		{
			name:       "dataset tile subset",
			target:     "/test/tiles/WorldCRS84Quad/0/0/0?collections=areas",
			wantStatus: http.StatusOK,
			wantCounts: map[string]int{"areas": 1},
		},
		{
			name:       "unknown api",
			target:     "/other/tiles/WorldCRS84Quad/0/0/0",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown collection",
			target:     "/test/collections/roads/tiles/WorldCRS84Quad/0/0/0",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown tiling scheme",
			target:     "/test/collections/places/tiles/EuropeanETRS89_LAEAQuad/0/0/0",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "level not served",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/4/0/0",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "outside of the matrix",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/0/2",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid row",
			target:     "/test/collections/places/tiles/WorldCRS84Quad/0/-1/0",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid limit",
			target:     "/test/tiles/WorldCRS84Quad/0/0/0?limit=many",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, http.MethodGet, tt.target)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCounts == nil {
				return
			}
			assert.Equal(t, MediaTypeMVT, rec.Header().Get("Content-Type"))
			assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
			counts, err := tilegen.FeatureCounts(rec.Body.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.wantCounts, counts)
		})
	}
}

func TestTileMatrixSets(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, http.MethodGet, "/tileMatrixSets")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		TileMatrixSets []tileMatrixSetLink `json:"tileMatrixSets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.TileMatrixSets, 2)
	assert.Equal(t, tiling.WebMercatorQuad, list.TileMatrixSets[0].ID)
	assert.Equal(t, tiling.WorldCRS84Quad, list.TileMatrixSets[1].ID)

	rec = get(t, s, http.MethodGet, "/tileMatrixSets/WorldCRS84Quad")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, tiling.WorldCRS84Quad, doc["id"])
	assert.Len(t, doc["tileMatrices"], 24)

	rec = get(t, s, http.MethodGet, "/tileMatrixSets/Unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeeding(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, http.MethodPost, "/seeding/test")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started runStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "test", started.API)
	assert.NotEmpty(t, started.Run)

	runs := s.scheduler.Runs()
	require.Len(t, runs, 1)
	select {
	case <-runs[0].Done():
	case <-time.After(10 * time.Second):
		t.Fatal("seeding did not finish")
	}

	rec = get(t, s, http.MethodGet, "/seeding")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []runStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, started.Run, statuses[0].Run)
	assert.Equal(t, seeding.Completed.String(), statuses[0].State)
	assert.Positive(t, statuses[0].Generated)

	// seeded tiles are served from the cache
	exists, err := s.providers["test"].Cache().Exists(context.Background(), tiling.Address{Collection: "places", Scheme: tiling.WorldCRS84Quad, Level: 1, Row: 0, Col: 1})
	require.NoError(t, err)
	assert.True(t, exists)

	rec = get(t, s, http.MethodPost, "/seeding/other")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanup(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, http.MethodGet, "/test/collections/places/tiles/WorldCRS84Quad/0/0/0?properties=kind")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = get(t, s, http.MethodGet, "/test/collections/places/tiles/WorldCRS84Quad/0/0/0")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, http.MethodPost, "/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())

	rec = get(t, s, http.MethodPost, "/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":0}`, rec.Body.String())
}
