package seeding

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/mapslicehelp"
	"github.com/pdok/tegel/morton"
	"github.com/pdok/tegel/tiles"
	"github.com/pdok/tegel/tiling"
)

// Run is a handle on one seeding run of an api.
type Run struct {
	id       string
	api      config.API
	provider *tiles.Provider
	resolver *tiling.LimitsResolver
	cfg      config.Seeding
	limiter  *rate.Limiter
	log      *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	status   Status
	failures []Failure
	report   Report
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) API() string {
	return r.api.ID
}

// Cancel stops the run after the tiles in progress. Every stored tile stays complete.
func (r *Run) Cancel() {
	r.cancel()
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has finished and returns its report.
func (r *Run) Wait() Report {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// tileRange are the tiles of a collection at one level.
type tileRange struct {
	collection string
	limits     tiling.Limits
}

// levelWork is everything to do for one level of one tiling scheme.
type levelWork struct {
	scheme string
	level  int
	// seeded collections
	seeded []tileRange
	// contributors are the collections that serve the level, seeded or not, in api order
	contributors []tileRange
	// composable is false when the tiles of a contributor are unknown
	composable bool
}

// contributorsOf returns the collections whose tiles include row, col.
func (w levelWork) contributorsOf(row, col int) []string {
	var ids []string
	for _, c := range w.contributors {
		if c.limits.Contains(row, col) {
			ids = append(ids, c.collection)
		}
	}
	return ids
}

func (r *Run) execute(ctx context.Context) {
	defer close(r.done)
	defer r.cancel()
	started := time.Now()
	r.update(func(s *Status) { s.State = Running })
	r.log.Info("seeding started", zap.Int("workers", r.cfg.Workers), zap.Bool("datasetTiles", r.api.DatasetTiles))

	for _, w := range r.plan(ctx) {
		if ctx.Err() != nil {
			break
		}
		r.seedLevel(ctx, w)
	}
	r.finish(ctx, started)
}

func (r *Run) finish(ctx context.Context, started time.Time) {
	r.mu.Lock()
	switch {
	case ctx.Err() != nil:
		r.status.State = Cancelled
	case r.status.Failed > 0 || r.status.SkippedLevels > 0:
		r.status.State = PartiallyFailed
	default:
		r.status.State = Completed
	}
	r.report = Report{
		RunID:    r.id,
		API:      r.api.ID,
		State:    r.status.State,
		Status:   r.status,
		Started:  started,
		Finished: time.Now(),
		Failures: r.failures,
	}
	s := r.status
	r.mu.Unlock()

	r.log.Info("seeding finished",
		zap.Stringer("state", s.State),
		zap.Int("planned", s.Planned),
		zap.Int("generated", s.Generated),
		zap.Int("existing", s.Existing),
		zap.Int("empty", s.Empty),
		zap.Int("failed", s.Failed),
		zap.Int("skippedLevels", s.SkippedLevels),
		zap.Duration("duration", time.Since(started)))
}

// plan builds the work of the run: per tiling scheme in id order, per level ascending,
// the tiles of every seeded collection. A level whose tiles cannot be resolved for a
// collection is skipped for that collection.
func (r *Run) plan(ctx context.Context) []levelWork {
	extents := make(map[string]tiling.BoundingBox)
	var work []levelWork
	for _, scheme := range r.schemes() {
		for _, level := range r.levels(scheme) {
			w := levelWork{scheme: scheme, level: level, composable: r.api.DatasetTiles}
			for _, id := range r.provider.Collections(scheme, level) {
				c, err := r.api.Collection(id)
				if err != nil {
					continue
				}
				seededLevels, ok := c.Seeding[scheme]
				seeded := ok && seededLevels.Contains(level)
				if !seeded && !r.api.DatasetTiles {
					continue
				}
				limits, ok, err := r.limits(ctx, extents, id, scheme, level)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					r.skipLevel(tiling.Address{Collection: id, Scheme: scheme, Level: level}, err)
					w.composable = false
					continue
				}
				if !ok {
					continue
				}
				t := tileRange{collection: id, limits: limits}
				if seeded {
					w.seeded = append(w.seeded, t)
					r.update(func(s *Status) { s.Planned += limits.Count() })
				}
				w.contributors = append(w.contributors, t)
			}
			if len(w.seeded) > 0 {
				work = append(work, w)
			}
		}
	}
	return work
}

// limits resolves the tiles that cover the extent of collection at one level.
func (r *Run) limits(ctx context.Context, extents map[string]tiling.BoundingBox, collection, scheme string, level int) (tiling.Limits, bool, error) {
	extent, ok := extents[collection]
	if !ok {
		var err error
		if extent, err = r.provider.Extent(ctx, collection); err != nil {
			return tiling.Limits{}, false, err
		}
		extents[collection] = extent
	}
	limits, err := r.resolver.Resolve(ctx, extent, scheme, tiling.MinMax{Min: level, Max: level})
	if err != nil || len(limits) == 0 {
		return tiling.Limits{}, false, err
	}
	return limits[0], true, nil
}

// schemes returns the ids of the tiling schemes seeded by any collection, sorted.
func (r *Run) schemes() []string {
	seen := make(map[string]struct{})
	for _, c := range r.api.Collections {
		for _, id := range c.SeedingSchemes() {
			seen[id] = struct{}{}
		}
	}
	return mapslicehelp.SortedKeys(seen)
}

// levels returns the levels of scheme seeded by any collection, ascending.
func (r *Run) levels(scheme string) []int {
	var all *tiling.MinMax
	for _, c := range r.api.Collections {
		m, ok := c.Seeding[scheme]
		if !ok {
			continue
		}
		if all == nil {
			all = &tiling.MinMax{Min: m.Min, Max: m.Max}
			continue
		}
		all.Min = min(all.Min, m.Min)
		all.Max = max(all.Max, m.Max)
	}
	if all == nil {
		return nil
	}
	var levels []int
	for level := all.Min; level <= all.Max; level++ {
		for _, c := range r.api.Collections {
			if m, ok := c.Seeding[scheme]; ok && m.Contains(level) {
				levels = append(levels, level)
				break
			}
		}
	}
	return levels
}

// seedLevel seeds the collection tiles of one level on the worker pool, waits for all
// of them and then composes the dataset tiles of that level.
func (r *Run) seedLevel(ctx context.Context, w levelWork) {
	log := r.log.With(zap.String("tms", w.scheme), zap.Int("level", w.level))
	log.Info("seeding level", zap.Int("collections", len(w.seeded)))

	failed := newKeySet()
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for _, t := range w.seeded {
		t.limits.Tiles(func(row, col int) bool {
			if ctx.Err() != nil {
				return false
			}
			addr := tiling.Address{Collection: t.collection, Scheme: w.scheme, Level: w.level, Row: row, Col: col}
			g.Go(func() error {
				ok := r.seedTile(ctx, addr, func(ctx context.Context) (tiles.Outcome, error) {
					return r.provider.SeedCollectionTile(ctx, addr)
				})
				if !ok {
					failed.add(morton.TileZ(row, col))
				}
				return nil
			})
			return true
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil || !r.api.DatasetTiles {
		return
	}
	if !w.composable {
		r.skipLevel(tiling.Address{Scheme: w.scheme, Level: w.level}, errContributorFailed)
		return
	}
	r.composeLevel(ctx, w, failed)
}

// composeLevel composes the dataset tiles of the keys seeded at one level, in Z-order.
func (r *Run) composeLevel(ctx context.Context, w levelWork, failed *keySet) {
	queue := zOrder(w.seeded)
	r.update(func(s *Status) { s.Planned += len(queue) })

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for _, z := range queue {
		if ctx.Err() != nil {
			break
		}
		row, col := morton.Tile(z)
		key := tiling.Address{Scheme: w.scheme, Level: w.level, Row: row, Col: col}
		if failed.has(z) {
			r.fail(key, errContributorFailed)
			continue
		}
		contributors := w.contributorsOf(row, col)
		g.Go(func() error {
			r.seedTile(ctx, key, func(ctx context.Context) (tiles.Outcome, error) {
				return r.provider.SeedDatasetTile(ctx, key, contributors)
			})
			return nil
		})
	}
	_ = g.Wait()
}

// zOrder returns the keys of all tiles in ranges once each, ascending.
func zOrder(ranges []tileRange) []morton.Z {
	n := 0
	for _, t := range ranges {
		n = max(n, t.limits.Count())
	}
	seen := make(map[morton.Z]struct{}, n)
	keys := make([]morton.Z, 0, n)
	for _, t := range ranges {
		t.limits.Tiles(func(row, col int) bool {
			z := morton.TileZ(row, col)
			if _, ok := seen[z]; !ok {
				seen[z] = struct{}{}
				keys = append(keys, z)
			}
			return true
		})
	}
	slices.Sort(keys)
	return keys
}

// seedTile runs one work item and records its outcome. It returns false when the tile is not cached afterwards.
func (r *Run) seedTile(ctx context.Context, addr tiling.Address, seed func(context.Context) (tiles.Outcome, error)) bool {
	if ctx.Err() != nil {
		return false
	}
	itemCtx := ctx
	if r.cfg.TileTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, r.cfg.TileTimeout)
		defer cancel()
	}
	if r.limiter != nil {
		// only generations count towards the rate
		if cached, err := r.provider.Cache().Exists(itemCtx, addr); err == nil && !cached {
			if err := r.limiter.Wait(itemCtx); err != nil {
				if ctx.Err() == nil {
					r.fail(addr, err)
				}
				return false
			}
		}
	}
	outcome, err := seed(itemCtx)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(addr, err)
		}
		return false
	}
	r.update(func(s *Status) {
		if outcome.Stored {
			s.Generated++
		} else {
			s.Existing++
		}
		if outcome.Empty {
			s.Empty++
		}
	})
	return true
}

func (r *Run) fail(addr tiling.Address, err error) {
	r.log.Error("tile not seeded", append(addressFields(addr), zap.Error(err))...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Failed++
	r.failures = append(r.failures, Failure{Address: addr, Err: err})
}

func (r *Run) skipLevel(addr tiling.Address, err error) {
	r.log.Warn("level skipped",
		zap.String("collection", addr.Collection),
		zap.String("tms", addr.Scheme),
		zap.Int("level", addr.Level),
		zap.Error(err))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.SkippedLevels++
	r.failures = append(r.failures, Failure{Address: addr, Level: true, Err: err})
}

func (r *Run) update(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func addressFields(addr tiling.Address) []zap.Field {
	return []zap.Field{
		zap.String("collection", addr.Collection),
		zap.String("tms", addr.Scheme),
		zap.Int("level", addr.Level),
		zap.Int("row", addr.Row),
		zap.Int("col", addr.Col),
	}
}

// keySet is a concurrency safe set of Z-order keys.
type keySet struct {
	mu   sync.Mutex
	keys map[morton.Z]struct{}
}

func newKeySet() *keySet {
	return &keySet{keys: make(map[morton.Z]struct{})}
}

func (s *keySet) add(z morton.Z) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[z] = struct{}{}
}

func (s *keySet) has(z morton.Z) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[z]
	return ok
}
