package config

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/tiling"
)

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mbtiles", cfg.Cache.Type)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TemporaryTTL)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Seeding.TileTimeout)
	require.NotNil(t, cfg.Seeding.RunOnStartup)
	assert.True(t, *cfg.Seeding.RunOnStartup)
	assert.Equal(t, uint32(4096), cfg.Tiles.Extent)
	assert.Equal(t, uint32(64), cfg.Tiles.Buffer)
	assert.Equal(t, 1.5, cfg.Tiles.SieveArea)
	assert.Equal(t, 100000, cfg.Tiles.DefaultLimit)
	require.Len(t, cfg.APIs, 1)
	require.Len(t, cfg.APIs[0].Collections, 3)
}

func TestLoadInvalid(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
cache:
  type: floppy
`)))
	_, err := load(v)
	assert.ErrorContains(t, err, "invalid config")
}

func TestResolve(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)
	resolved, err := cfg.Resolve(tiling.NewRegistryBuilder().Build())
	require.NoError(t, err)

	assert.Equal(t, 4, resolved.Seeding.Workers)
	api, ok := resolved.API("topography")
	require.True(t, ok)
	assert.True(t, api.DatasetTiles)

	roads, err := api.Collection("roads")
	require.NoError(t, err)
	assert.Equal(t, features.Table{Name: "road_segments"}, roads.Table)
	assert.Equal(t, &tiling.BoundingBox{Extent: geom.Extent{3.2, 50.7, 7.3, 53.6}, CRS: crs.CRS84}, roads.Extent)
	assert.Equal(t, map[string]tiling.MinMax{
		tiling.WebMercatorQuad: {Min: 5, Max: 18},
		tiling.WorldCRS84Quad:  {Min: 4, Max: 17},
	}, roads.ZoomLevels)
	// seeding is limited to the served levels
	assert.Equal(t, map[string]tiling.MinMax{
		tiling.WebMercatorQuad: {Min: 5, Max: 10},
		tiling.WorldCRS84Quad:  {Min: 4, Max: 6},
	}, roads.Seeding)
	assert.Equal(t, []string{tiling.WebMercatorQuad, tiling.WorldCRS84Quad}, roads.SeedingSchemes())
	assert.True(t, roads.Serves(tiling.WorldCRS84Quad, 17))
	assert.False(t, roads.Serves(tiling.WorldCRS84Quad, 18))

	buildings, err := api.Collection("buildings")
	require.NoError(t, err)
	assert.Equal(t, features.Table{Name: "buildings"}, buildings.Table)
	assert.Nil(t, buildings.Extent)
	assert.Equal(t, map[string]tiling.MinMax{tiling.WebMercatorQuad: {Min: 12, Max: 16}}, buildings.ZoomLevels)
	assert.Equal(t, map[string]tiling.MinMax{tiling.WebMercatorQuad: {Min: 14, Max: 16}}, buildings.Seeding)

	water, err := api.Collection("water")
	require.NoError(t, err)
	assert.False(t, water.TilesEnabled)
	assert.Empty(t, water.Seeding)
	assert.False(t, water.Serves(tiling.WebMercatorQuad, 0))

	_, err = api.Collection("unknown")
	assert.True(t, errors.Is(err, ErrUnknownCollection))
}

func TestResolveDefaults(t *testing.T) {
	cfg := &Config{APIs: []APIConfig{{
		ID:          "api",
		Collections: []CollectionConfig{{ID: "a", Tiles: CollectionTilesConfig{SeedingEnabled: true}}},
	}}}
	resolved, err := cfg.Resolve(tiling.NewRegistryBuilder().Build())
	require.NoError(t, err)

	assert.Equal(t, runtime.NumCPU(), resolved.Seeding.Workers)
	c := resolved.APIs[0].Collections[0]
	assert.True(t, c.TilesEnabled)
	assert.Equal(t, map[string]tiling.MinMax{tiling.WebMercatorQuad: {Min: 0, Max: 23}}, c.ZoomLevels)
	assert.Equal(t, c.ZoomLevels, c.Seeding)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name    string
		apis    []APIConfig
		wantErr string
	}{
		{
			name:    "duplicate api",
			apis:    []APIConfig{{ID: "a"}, {ID: "a"}},
			wantErr: "duplicate api id a",
		},
		{
			name:    "duplicate collection",
			apis:    []APIConfig{{ID: "a", Collections: []CollectionConfig{{ID: "c"}, {ID: "c"}}}},
			wantErr: "duplicate collection id c",
		},
		{
			name:    "collection named like multi-layer tiles",
			apis:    []APIConfig{{ID: "a", Collections: []CollectionConfig{{ID: "_"}}}},
			wantErr: `collection _: invalid collection id: "_" is reserved`,
		},
		{
			name:    "collection id with key separator",
			apis:    []APIConfig{{ID: "a", Collections: []CollectionConfig{{ID: "roads:main"}}}},
			wantErr: "invalid collection id",
		},
		{
			name: "unknown scheme",
			apis: []APIConfig{{ID: "a", Collections: []CollectionConfig{{ID: "c", Tiles: CollectionTilesConfig{
				ZoomLevels: map[string]tiling.MinMax{"NetherlandsRDNewQuad": {Min: 0, Max: 12}},
			}}}}},
			wantErr: "NetherlandsRDNewQuad",
		},
		{
			name: "invalid range",
			apis: []APIConfig{{ID: "a", Collections: []CollectionConfig{{ID: "c", Tiles: CollectionTilesConfig{
				ZoomLevels: map[string]tiling.MinMax{"webmercatorquad": {Min: 10, Max: 2}},
			}}}}},
			wantErr: "invalid range 10..2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{APIs: tt.apis}
			_, err := cfg.Resolve(tiling.NewRegistryBuilder().Build())
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
