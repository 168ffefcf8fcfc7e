// Package tilecache stores generated tiles. Writes of generated tiles go through
// reservations so that every tile is stored at most once and never reappears after
// an invalidation that started later than its generation.
package tilecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"

	"github.com/pdok/tegel/tiling"
)

// Criteria select tiles to delete. Empty fields and a nil BBox match every tile.
type Criteria struct {
	Collection string
	Scheme     string
	BBox       *tiling.BoundingBox
}

type invalidation struct {
	seq   uint64
	match func(tiling.Address) bool
}

// Cache is the tile cache, backed by one Backend plus a bounded store of temporary tiles.
type Cache struct {
	backend   Backend
	resolver  *tiling.LimitsResolver
	temporary *ccache.Cache[Entry]
	ttl       time.Duration
	log       *zap.Logger

	mu            sync.Mutex
	seq           uint64
	invalidations []invalidation
	// number of open reservations per sequence number
	active map[uint64]int
}

// TemporaryOptions bound the store of tiles of requests that may not be cached.
type TemporaryOptions struct {
	TTL     time.Duration
	MaxSize int64
}

func New(backend Backend, resolver *tiling.LimitsResolver, temporary TemporaryOptions, log *zap.Logger) *Cache {
	if temporary.MaxSize <= 0 {
		temporary.MaxSize = 1000
	}
	if temporary.TTL <= 0 {
		temporary.TTL = 5 * time.Minute
	}
	return &Cache{
		backend:   backend,
		resolver:  resolver,
		temporary: ccache.New(ccache.Configure[Entry]().MaxSize(temporary.MaxSize)),
		ttl:       temporary.TTL,
		log:       log,
		active:    make(map[uint64]int),
	}
}

func (c *Cache) Exists(ctx context.Context, addr tiling.Address) (bool, error) {
	_, ok, err := c.backend.Stat(ctx, addr)
	if err != nil {
		return false, &IOError{Op: "stat", Address: addr, Err: err}
	}
	return ok, nil
}

// IsEmpty tells whether addr is cached and if so whether it has no features.
func (c *Cache) IsEmpty(ctx context.Context, addr tiling.Address) (empty bool, cached bool, err error) {
	empty, cached, err = c.backend.Stat(ctx, addr)
	if err != nil {
		return false, false, &IOError{Op: "stat", Address: addr, Err: err}
	}
	return empty, cached, nil
}

func (c *Cache) Get(ctx context.Context, addr tiling.Address) ([]byte, bool, error) {
	e, ok, err := c.GetEntry(ctx, addr)
	return e.Data, ok, err
}

func (c *Cache) GetEntry(ctx context.Context, addr tiling.Address) (Entry, bool, error) {
	e, ok, err := c.backend.Get(ctx, addr)
	if err != nil {
		return Entry{}, false, &IOError{Op: "get", Address: addr, Err: err}
	}
	return e, ok, nil
}

// Put stores a tile, replacing what is there. Generated tiles are stored with Begin and Commit.
func (c *Cache) Put(ctx context.Context, addr tiling.Address, data []byte, empty bool) error {
	if err := c.backend.Put(ctx, addr, Entry{Data: data, Empty: empty}); err != nil {
		return &IOError{Op: "put", Address: addr, Err: err}
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, addr tiling.Address) error {
	if err := c.backend.Delete(ctx, addr); err != nil {
		return &IOError{Op: "delete", Address: addr, Err: err}
	}
	return nil
}

// Reservation is the right to store one generated tile, taken before generating it.
type Reservation struct {
	cache *Cache
	addr  tiling.Address
	seq   uint64
	done  bool
}

// Begin reserves addr. The reservation must end with Commit or Release.
func (c *Cache) Begin(addr tiling.Address) *Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[c.seq]++
	return &Reservation{cache: c, addr: addr, seq: c.seq}
}

// Commit stores e unless the tile is already cached or was invalidated after Begin.
// It reports whether e was stored.
func (r *Reservation) Commit(ctx context.Context, e Entry) (bool, error) {
	defer r.Release()
	c := r.cache
	if c.invalidatedSince(r.seq, r.addr) {
		return false, nil
	}
	stored, err := c.backend.PutIfAbsent(ctx, r.addr, e)
	if err != nil {
		return false, &IOError{Op: "put", Address: r.addr, Err: err}
	}
	if stored && c.invalidatedSince(r.seq, r.addr) {
		// an invalidation started while writing and may have missed this tile
		if err := c.backend.Delete(ctx, r.addr); err != nil {
			return false, &IOError{Op: "delete", Address: r.addr, Err: err}
		}
		return false, nil
	}
	return stored, nil
}

// Release ends the reservation without storing anything. Calling it twice is harmless.
func (r *Reservation) Release() {
	c := r.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	c.active[r.seq]--
	if c.active[r.seq] <= 0 {
		delete(c.active, r.seq)
	}
	c.pruneInvalidations()
}

func (c *Cache) invalidatedSince(seq uint64, addr tiling.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inv := range c.invalidations {
		if inv.seq > seq && inv.match(addr) {
			return true
		}
	}
	return false
}

// pruneInvalidations forgets invalidations no open reservation predates. Caller holds mu.
func (c *Cache) pruneInvalidations() {
	if len(c.active) == 0 {
		c.invalidations = nil
		return
	}
	oldest := c.seq
	for seq := range c.active {
		oldest = min(oldest, seq)
	}
	kept := c.invalidations[:0]
	for _, inv := range c.invalidations {
		if inv.seq > oldest {
			kept = append(kept, inv)
		}
	}
	c.invalidations = kept
}

// DeleteWhere deletes every cached tile matching criteria and returns how many were deleted.
// Tiles generated under a reservation that began before the call are not stored afterwards.
func (c *Cache) DeleteWhere(ctx context.Context, criteria Criteria) (int, error) {
	if criteria.Collection != "" {
		if err := tiling.ValidateCollectionID(criteria.Collection); err != nil {
			return 0, err
		}
	}
	match, err := c.matcher(ctx, criteria)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.seq++
	c.invalidations = append(c.invalidations, invalidation{seq: c.seq, match: match})
	c.mu.Unlock()

	filter := Filter{Scheme: criteria.Scheme}
	if criteria.Collection != "" {
		filter.Collection = collectionKey(criteria.Collection)
	}
	var matching []tiling.Address
	err = c.backend.Walk(ctx, filter, func(addr tiling.Address) error {
		if match(addr) {
			matching = append(matching, addr)
		}
		return nil
	})
	if err != nil {
		return 0, &IOError{Op: "list", Err: err}
	}
	if batch, ok := c.backend.(BatchDeleter); ok {
		if err := batch.DeleteAll(ctx, matching); err != nil {
			return 0, &IOError{Op: "delete", Err: err}
		}
	} else {
		for i, addr := range matching {
			if err := c.backend.Delete(ctx, addr); err != nil {
				return i, &IOError{Op: "delete", Address: addr, Err: err}
			}
		}
	}
	c.mu.Lock()
	c.pruneInvalidations()
	c.mu.Unlock()
	c.log.Info("tiles deleted from cache", zap.String("collection", criteria.Collection),
		zap.String("tms", criteria.Scheme), zap.Int("count", len(matching)))
	return len(matching), nil
}

// matcher turns criteria into a predicate on addresses. A bounding box is resolved into
// tile limits for every level of every scheme it applies to.
func (c *Cache) matcher(ctx context.Context, criteria Criteria) (func(tiling.Address) bool, error) {
	var limits map[string]map[int]tiling.Limits
	if criteria.BBox != nil {
		if c.resolver == nil {
			return nil, errors.New("cache cannot delete by bounding box without a limits resolver")
		}
		schemes := c.resolver.Registry().IDs()
		if criteria.Scheme != "" {
			schemes = []string{criteria.Scheme}
		}
		limits = make(map[string]map[int]tiling.Limits, len(schemes))
		for _, id := range schemes {
			scheme, err := c.resolver.Registry().Get(id)
			if err != nil {
				return nil, err
			}
			resolved, err := c.resolver.Resolve(ctx, *criteria.BBox, id, scheme.Levels())
			if err != nil {
				return nil, err
			}
			perLevel := make(map[int]tiling.Limits, len(resolved))
			for _, l := range resolved {
				perLevel[l.TileMatrix] = l
			}
			limits[id] = perLevel
		}
	}
	return func(addr tiling.Address) bool {
		if criteria.Collection != "" && addr.Collection != criteria.Collection {
			return false
		}
		if criteria.Scheme != "" && addr.Scheme != criteria.Scheme {
			return false
		}
		if limits == nil {
			return true
		}
		l, ok := limits[addr.Scheme][addr.Level]
		return ok && l.Contains(addr.Row, addr.Col)
	}, nil
}

// GetTemporary returns a tile of a request that may not be cached, stored with PutTemporary.
func (c *Cache) GetTemporary(key string) (Entry, bool) {
	item := c.temporary.Get(key)
	if item == nil || item.Expired() {
		return Entry{}, false
	}
	return item.Value(), true
}

func (c *Cache) PutTemporary(key string, e Entry) {
	c.temporary.Set(key, e, c.ttl)
}

// Cleanup removes all temporary tiles and returns how many there were.
func (c *Cache) Cleanup(_ context.Context) (int, error) {
	n := c.temporary.DeleteFunc(func(string, *ccache.Item[Entry]) bool {
		return true
	})
	c.log.Debug("temporary tiles removed", zap.Int("count", n))
	return n, nil
}

func (c *Cache) Backend() Backend {
	return c.backend
}

func (c *Cache) Close() error {
	c.temporary.Stop()
	return c.backend.Close()
}
