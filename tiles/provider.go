// Package tiles serves the tiles of an api: from the cache when possible, generated on the spot otherwise.
package tiles

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/features"
	"github.com/pdok/tegel/mapslicehelp"
	"github.com/pdok/tegel/tilecache"
	"github.com/pdok/tegel/tilegen"
	"github.com/pdok/tegel/tiling"
)

// Params are the query parameters of a tile request that shape its content.
type Params struct {
	// Collections of a dataset tile, empty means all
	Collections []string
	// Properties to include, empty means all
	Properties []string
	// Filter keeps features whose property equals the value
	Filter map[string]string
	// Limit on the number of features per collection, 0 means the default
	Limit int
}

// cacheable is true when the tile is the same for every request without parameters.
func (p Params) cacheable(defaultLimit int) bool {
	return len(p.Collections) == 0 && len(p.Properties) == 0 && len(p.Filter) == 0 &&
		(p.Limit == 0 || p.Limit == defaultLimit)
}

func (p Params) query(defaultLimit int) features.Query {
	q := features.Query{Filter: p.Filter, Limit: p.Limit}
	if len(p.Properties) > 0 {
		q.Properties = p.Properties
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	return q
}

// key identifies the content of a tile requested with p.
func (p Params) key(addr tiling.Address) string {
	v := url.Values{}
	if len(p.Collections) > 0 {
		v.Set("collections", strings.Join(p.Collections, ","))
	}
	if len(p.Properties) > 0 {
		v.Set("properties", strings.Join(p.Properties, ","))
	}
	for name, value := range p.Filter {
		v.Set("filter."+name, value)
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	return addr.String() + "?" + v.Encode()
}

// Options for a Provider.
type Options struct {
	DefaultLimit int
	// TileTimeout bounds the generation of one tile, 0 is no bound
	TileTimeout time.Duration
}

// Provider serves the tiles of one api.
type Provider struct {
	api       config.API
	registry  *tiling.Registry
	cache     *tilecache.Cache
	generator *tilegen.Generator
	source    features.Source
	opts      Options
	log       *zap.Logger

	inflight singleflight.Group
}

func NewProvider(api config.API, registry *tiling.Registry, cache *tilecache.Cache, generator *tilegen.Generator,
	source features.Source, opts Options, log *zap.Logger) *Provider {
	return &Provider{
		api:       api,
		registry:  registry,
		cache:     cache,
		generator: generator,
		source:    source,
		opts:      opts,
		log:       log.With(zap.String("api", api.ID)),
	}
}

func (p *Provider) API() config.API {
	return p.api
}

func (p *Provider) Cache() *tilecache.Cache {
	return p.cache
}

// CollectionTile returns the single-layer tile at addr.
func (p *Provider) CollectionTile(ctx context.Context, addr tiling.Address, params Params) (tilecache.Entry, error) {
	if err := p.checkCollectionTile(addr); err != nil {
		return tilecache.Entry{}, err
	}
	params.Collections = nil
	generate := func(ctx context.Context) (tilegen.Tile, error) {
		return p.generator.GenerateSingleLayer(ctx, addr, params.query(p.opts.DefaultLimit))
	}
	if params.cacheable(p.opts.DefaultLimit) {
		return p.getOrGenerate(ctx, addr, generate)
	}
	return p.temporary(ctx, params.key(addr), generate)
}

// DatasetTile returns the multi-layer tile at addr, with a layer per collection that has features.
func (p *Provider) DatasetTile(ctx context.Context, addr tiling.Address, params Params) (tilecache.Entry, error) {
	if !p.api.DatasetTiles {
		return tilecache.Entry{}, fmt.Errorf("%w: api %s has no dataset tiles", tiling.ErrNotFound, p.api.ID)
	}
	if !addr.IsDataset() {
		return tilecache.Entry{}, fmt.Errorf("dataset tile address %v has a collection", addr)
	}
	if err := p.checkAddress(addr); err != nil {
		return tilecache.Entry{}, err
	}
	collections, err := p.datasetCollections(addr, params.Collections)
	if err != nil {
		return tilecache.Entry{}, err
	}
	if len(collections) == 0 {
		return tilecache.Entry{}, fmt.Errorf("%w: no collection has tile %v", tiling.ErrNotFound, addr)
	}
	layerParams := params
	layerParams.Collections = nil
	generate := func(ctx context.Context) (tilegen.Tile, error) {
		return p.compose(ctx, addr, collections, func(ctx context.Context, layer tiling.Address) (tilecache.Entry, error) {
			return p.CollectionTile(ctx, layer, layerParams)
		})
	}
	if params.cacheable(p.opts.DefaultLimit) {
		return p.getOrGenerate(ctx, addr, generate)
	}
	return p.temporary(ctx, params.key(addr), generate)
}

// datasetCollections returns the requested collections that serve addr, in api order.
func (p *Provider) datasetCollections(addr tiling.Address, requested []string) ([]string, error) {
	wanted := mapslicehelp.AsKeys(requested)
	for _, id := range requested {
		if _, err := p.api.Collection(id); err != nil {
			return nil, err
		}
	}
	var collections []string
	for _, c := range p.api.Collections {
		if _, ok := wanted[c.ID]; len(wanted) > 0 && !ok {
			continue
		}
		if c.Serves(addr.Scheme, addr.Level) {
			collections = append(collections, c.ID)
		}
	}
	return collections, nil
}

func (p *Provider) checkCollectionTile(addr tiling.Address) error {
	if addr.IsDataset() {
		return fmt.Errorf("collection tile address %v has no collection", addr)
	}
	c, err := p.api.Collection(addr.Collection)
	if err != nil {
		return err
	}
	if err := p.checkAddress(addr); err != nil {
		return err
	}
	if !c.Serves(addr.Scheme, addr.Level) {
		return fmt.Errorf("%w: collection %s has no tiles at %s level %d", tiling.ErrNotFound, c.ID, addr.Scheme, addr.Level)
	}
	return nil
}

func (p *Provider) checkAddress(addr tiling.Address) error {
	scheme, err := p.registry.Get(addr.Scheme)
	if err != nil {
		return err
	}
	return addr.Validate(scheme)
}

// getOrGenerate returns the cached tile or generates and caches it. Concurrent misses
// for one address share a single generation.
func (p *Provider) getOrGenerate(ctx context.Context, addr tiling.Address, generate func(context.Context) (tilegen.Tile, error)) (tilecache.Entry, error) {
	if e, ok, err := p.cache.GetEntry(ctx, addr); err != nil || ok {
		return e, err
	}
	v, err, _ := p.inflight.Do(addr.String(), func() (any, error) {
		e, _, err := p.generateAndStore(ctx, addr, generate)
		return e, err
	})
	if err != nil {
		return tilecache.Entry{}, err
	}
	return v.(tilecache.Entry), nil
}

// generateAndStore generates the tile at addr under a reservation. When another writer
// was first its tile is returned, stored reports whether this tile was stored.
func (p *Provider) generateAndStore(ctx context.Context, addr tiling.Address, generate func(context.Context) (tilegen.Tile, error)) (tilecache.Entry, bool, error) {
	r := p.cache.Begin(addr)
	defer r.Release()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tile, err := generate(ctx)
	if err != nil {
		return tilecache.Entry{}, false, err
	}
	e := tilecache.Entry{Data: tile.Data, Empty: tile.Empty}
	stored, err := r.Commit(ctx, e)
	if err != nil {
		return tilecache.Entry{}, false, err
	}
	if !stored {
		if cached, ok, err := p.cache.GetEntry(ctx, addr); err == nil && ok {
			return cached, false, nil
		}
	}
	return e, stored, nil
}

// temporary serves tiles of requests that may not be cached from the temporary store.
func (p *Provider) temporary(ctx context.Context, key string, generate func(context.Context) (tilegen.Tile, error)) (tilecache.Entry, error) {
	if e, ok := p.cache.GetTemporary(key); ok {
		return e, nil
	}
	v, err, _ := p.inflight.Do(key, func() (any, error) {
		ctx, cancel := p.withTimeout(ctx)
		defer cancel()
		tile, err := generate(ctx)
		if err != nil {
			return nil, err
		}
		e := tilecache.Entry{Data: tile.Data, Empty: tile.Empty}
		p.cache.PutTemporary(key, e)
		return e, nil
	})
	if err != nil {
		return tilecache.Entry{}, err
	}
	return v.(tilecache.Entry), nil
}

// compose builds the dataset tile at key from the tiles of collections, fetched with layer.
func (p *Provider) compose(ctx context.Context, key tiling.Address, collections []string,
	layer func(context.Context, tiling.Address) (tilecache.Entry, error)) (tilegen.Tile, error) {
	sources := orderedmap.New[string, []byte](len(collections))
	for _, id := range collections {
		e, err := layer(ctx, key.ForCollection(id))
		if err != nil {
			return tilegen.Tile{}, err
		}
		if !e.Empty {
			sources.Set(id, e.Data)
		}
	}
	return p.generator.GenerateMultiLayer(ctx, key, sources)
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	// the generation may be shared with other requests, so it does not end with this one
	ctx = context.WithoutCancel(ctx)
	if p.opts.TileTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.TileTimeout)
}

// Outcome tells what seeding one tile did.
type Outcome struct {
	// Existing is true when the tile was already cached and nothing was generated
	Existing bool
	// Stored is true when the generated tile was stored
	Stored bool
	Empty  bool
}

// SeedCollectionTile generates and stores the single-layer tile at addr unless it is cached.
func (p *Provider) SeedCollectionTile(ctx context.Context, addr tiling.Address) (Outcome, error) {
	if err := p.checkCollectionTile(addr); err != nil {
		return Outcome{}, err
	}
	return p.seed(ctx, addr, func(ctx context.Context) (tilegen.Tile, error) {
		return p.generator.GenerateSingleLayer(ctx, addr, Params{}.query(p.opts.DefaultLimit))
	})
}

// SeedDatasetTile composes and stores the multi-layer tile at key from the tiles of contributors,
// unless it is cached. Contributors that are not cached yet are generated first.
func (p *Provider) SeedDatasetTile(ctx context.Context, key tiling.Address, contributors []string) (Outcome, error) {
	if err := p.checkAddress(key); err != nil {
		return Outcome{}, err
	}
	return p.seed(ctx, key.DatasetKey(), func(ctx context.Context) (tilegen.Tile, error) {
		return p.compose(ctx, key.DatasetKey(), contributors, func(ctx context.Context, layer tiling.Address) (tilecache.Entry, error) {
			return p.getOrGenerate(ctx, layer, func(ctx context.Context) (tilegen.Tile, error) {
				return p.generator.GenerateSingleLayer(ctx, layer, Params{}.query(p.opts.DefaultLimit))
			})
		})
	})
}

func (p *Provider) seed(ctx context.Context, addr tiling.Address, generate func(context.Context) (tilegen.Tile, error)) (Outcome, error) {
	if empty, ok, err := p.cache.IsEmpty(ctx, addr); err != nil {
		return Outcome{}, err
	} else if ok {
		return Outcome{Existing: true, Empty: empty}, nil
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	e, stored, err := p.generateAndStore(ctx, addr, generate)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Existing: !stored, Stored: stored, Empty: e.Empty}, nil
}

// Extent is the extent of collection: as configured, or else as known by the source.
// Without either the whole world is returned.
func (p *Provider) Extent(ctx context.Context, collection string) (tiling.BoundingBox, error) {
	c, err := p.api.Collection(collection)
	if err != nil {
		return tiling.BoundingBox{}, err
	}
	if c.Extent != nil {
		return *c.Extent, nil
	}
	desc, err := p.source.Describe(ctx, collection)
	if err != nil {
		return tiling.BoundingBox{}, err
	}
	if desc.Extent == nil {
		return tiling.BoundingBox{Extent: geom.Extent{-180, -90, 180, 90}, CRS: crs.CRS84}, nil
	}
	return tiling.BoundingBox{Extent: *desc.Extent, CRS: desc.CRS}, nil
}

// Collections returns the ids of the collections that serve tiles at level of scheme, in api order.
func (p *Provider) Collections(scheme string, level int) []string {
	var ids []string
	for _, c := range p.api.Collections {
		if c.Serves(scheme, level) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
