package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/mapslicehelp"
	"github.com/pdok/tegel/tiling"
)

// Resolved is the configuration after Resolve: defaults filled in, deprecated
// settings translated and every scheme and level range checked against the registry.
type Resolved struct {
	LogLevel       string
	Server         Server
	Cache          Cache
	TileMatrixSets []string
	Seeding        Seeding
	Tiles          Tiles
	APIs           []API
}

// API is a set of collections served from one source.
type API struct {
	ID           string
	DatasetTiles bool
	Source       Source
	// Collections in configuration order, which is also the layer order of dataset tiles
	Collections []Collection
}

type Collection struct {
	ID    string
	Table features.Table
	// Extent is nil when it has to be taken from the source
	Extent       *tiling.BoundingBox
	TilesEnabled bool
	// ZoomLevels are the served levels per tiling scheme
	ZoomLevels map[string]tiling.MinMax
	// Seeding are the seeded levels per tiling scheme, always within ZoomLevels
	Seeding map[string]tiling.MinMax
}

// Collection returns the collection with id.
func (a API) Collection(id string) (Collection, error) {
	for _, c := range a.Collections {
		if c.ID == id {
			return c, nil
		}
	}
	return Collection{}, fmt.Errorf("%w: %s in api %s", ErrUnknownCollection, id, a.ID)
}

// Tables maps collection ids onto the tables of the source.
func (a API) Tables() map[string]features.Table {
	tables := make(map[string]features.Table, len(a.Collections))
	for _, c := range a.Collections {
		tables[c.ID] = c.Table
	}
	return tables
}

// Serves tells whether the collection has tiles at level of scheme.
func (c Collection) Serves(scheme string, level int) bool {
	levels, ok := c.ZoomLevels[scheme]
	return c.TilesEnabled && ok && levels.Contains(level)
}

// SeedingSchemes returns the ids of the seeded schemes, sorted.
func (c Collection) SeedingSchemes() []string {
	return mapslicehelp.SortedKeys(c.Seeding)
}

// Resolve checks the configuration against registry and returns it in resolved form.
func (cfg *Config) Resolve(registry *tiling.Registry) (*Resolved, error) {
	resolved := &Resolved{
		LogLevel:       cfg.LogLevel,
		Server:         cfg.Server,
		Cache:          cfg.Cache,
		TileMatrixSets: cfg.TileMatrixSets,
		Seeding:        cfg.Seeding,
		Tiles:          cfg.Tiles,
	}
	if resolved.Seeding.Workers == 0 {
		resolved.Seeding.Workers = runtime.NumCPU()
	}
	apiIDs := make(map[string]struct{}, len(cfg.APIs))
	for _, apiCfg := range cfg.APIs {
		if _, ok := apiIDs[apiCfg.ID]; ok {
			return nil, fmt.Errorf("duplicate api id %s", apiCfg.ID)
		}
		apiIDs[apiCfg.ID] = struct{}{}
		api, err := resolveAPI(apiCfg, registry)
		if err != nil {
			return nil, fmt.Errorf("api %s: %w", apiCfg.ID, err)
		}
		resolved.APIs = append(resolved.APIs, api)
	}
	return resolved, nil
}

// API returns the api with id.
func (r *Resolved) API(id string) (API, bool) {
	for _, api := range r.APIs {
		if api.ID == id {
			return api, true
		}
	}
	return API{}, false
}

func resolveAPI(cfg APIConfig, registry *tiling.Registry) (API, error) {
	api := API{ID: cfg.ID, DatasetTiles: cfg.DatasetTiles, Source: cfg.Source}
	ids := make(map[string]struct{}, len(cfg.Collections))
	for _, collectionCfg := range cfg.Collections {
		if _, ok := ids[collectionCfg.ID]; ok {
			return API{}, fmt.Errorf("duplicate collection id %s", collectionCfg.ID)
		}
		ids[collectionCfg.ID] = struct{}{}
		c, err := resolveCollection(collectionCfg, registry)
		if err != nil {
			return API{}, fmt.Errorf("collection %s: %w", collectionCfg.ID, err)
		}
		api.Collections = append(api.Collections, c)
	}
	return api, nil
}

func resolveCollection(cfg CollectionConfig, registry *tiling.Registry) (Collection, error) {
	if err := tiling.ValidateCollectionID(cfg.ID); err != nil {
		return Collection{}, err
	}
	c := Collection{
		ID: cfg.ID,
		Table: features.Table{
			Name:           cfg.Table,
			GeometryColumn: cfg.GeometryColumn,
			IDColumn:       cfg.IDColumn,
		},
		TilesEnabled: cfg.Tiles.Enabled == nil || *cfg.Tiles.Enabled,
	}
	if c.Table.Name == "" {
		c.Table.Name = cfg.ID
	}
	if cfg.Extent != nil {
		code := crs.CRS84
		if cfg.Extent.CRS != "" {
			var err error
			if code, err = crs.Parse(cfg.Extent.CRS); err != nil {
				return Collection{}, err
			}
		}
		c.Extent = &tiling.BoundingBox{
			Extent: geom.Extent{cfg.Extent.BBox[0], cfg.Extent.BBox[1], cfg.Extent.BBox[2], cfg.Extent.BBox[3]},
			CRS:    code,
		}
	}

	zoomLevels := cfg.Tiles.ZoomLevels
	if len(zoomLevels) == 0 {
		zoomLevels = map[string]tiling.MinMax{tiling.WebMercatorQuad: deprecatedRange(cfg.Tiles.MinZoom, cfg.Tiles.MaxZoom, defaultMaxZoom)}
	}
	var err error
	if c.ZoomLevels, err = resolveRanges(zoomLevels, registry); err != nil {
		return Collection{}, err
	}

	c.Seeding = make(map[string]tiling.MinMax)
	if !c.TilesEnabled || !cfg.Tiles.SeedingEnabled {
		return c, nil
	}
	seeding := cfg.Tiles.Seeding
	if len(seeding) == 0 && (cfg.Tiles.SeedingMinZoom != nil || cfg.Tiles.SeedingMaxZoom != nil) {
		served := c.ZoomLevels[tiling.WebMercatorQuad]
		seeding = map[string]tiling.MinMax{tiling.WebMercatorQuad: deprecatedRange(cfg.Tiles.SeedingMinZoom, cfg.Tiles.SeedingMaxZoom, served.Max)}
	}
	if len(seeding) == 0 {
		// seeding enabled without ranges seeds everything that is served
		seeding = c.ZoomLevels
	}
	seeding, err = resolveRanges(seeding, registry)
	if err != nil {
		return Collection{}, err
	}
	// seeding outside of the served levels is dropped
	for id, levels := range seeding {
		served, ok := c.ZoomLevels[id]
		if !ok {
			continue
		}
		if r, ok := levels.Intersect(served); ok {
			c.Seeding[id] = r
		}
	}
	return c, nil
}

const defaultMaxZoom = 23

func deprecatedRange(minZoom, maxZoom *int, defaultMax int) tiling.MinMax {
	r := tiling.MinMax{Min: 0, Max: defaultMax}
	if minZoom != nil {
		r.Min = *minZoom
	}
	if maxZoom != nil {
		r.Max = *maxZoom
	}
	return r
}

// resolveRanges checks every range and limits it to the levels of its scheme.
// Scheme ids are matched regardless of case, configuration keys lose their case.
func resolveRanges(ranges map[string]tiling.MinMax, registry *tiling.Registry) (map[string]tiling.MinMax, error) {
	resolved := make(map[string]tiling.MinMax, len(ranges))
	for key, levels := range ranges {
		id, err := schemeID(key, registry)
		if err != nil {
			return nil, err
		}
		if err := levels.Validate(); err != nil {
			return nil, fmt.Errorf("tiling scheme %s: %w", id, err)
		}
		scheme, err := registry.Get(id)
		if err != nil {
			return nil, err
		}
		r, ok := levels.Intersect(scheme.Levels())
		if !ok {
			return nil, fmt.Errorf("tiling scheme %s has no levels %v", id, levels)
		}
		resolved[id] = r
	}
	return resolved, nil
}

func schemeID(key string, registry *tiling.Registry) (string, error) {
	for _, id := range registry.IDs() {
		if strings.EqualFold(id, key) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: tiling scheme %s", tiling.ErrNotFound, key)
}
