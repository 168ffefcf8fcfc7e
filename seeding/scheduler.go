// Package seeding fills the tile cache of an api ahead of requests: first the
// tiles of every seeded collection, then the dataset tiles composed from them.
package seeding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pdok/tegel/config"
	"github.com/pdok/tegel/tiles"
	"github.com/pdok/tegel/tiling"
)

// Scheduler starts seeding runs, at most one per api at a time.
type Scheduler struct {
	providers map[string]*tiles.Provider
	resolver  *tiling.LimitsResolver
	cfg       config.Seeding
	log       *zap.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewScheduler returns a scheduler for the apis of providers, keyed by api id.
func NewScheduler(providers map[string]*tiles.Provider, resolver *tiling.LimitsResolver, cfg config.Seeding, log *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		providers: providers,
		resolver:  resolver,
		cfg:       cfg,
		log:       log,
		runs:      make(map[string]*Run),
	}
}

// Start seeds api in the background. When api is being seeded already, the
// running run is returned. Cancelling ctx cancels the run.
func (s *Scheduler) Start(ctx context.Context, api config.API) (*Run, error) {
	provider, ok := s.providers[api.ID]
	if !ok {
		return nil, fmt.Errorf("no tiles for api %s", api.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[api.ID]; ok && !run.Status().State.Terminal() {
		return run, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	run := &Run{
		id:       id,
		api:      api,
		provider: provider,
		resolver: s.resolver,
		cfg:      s.cfg,
		log:      s.log.With(zap.String("api", api.ID), zap.String("run", id)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if s.cfg.MaxRequestsPerSecond > 0 {
		run.limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxRequestsPerSecond), 1)
	}
	s.runs[api.ID] = run
	go run.execute(ctx)
	return run, nil
}

// Runs returns the latest run of every api that was seeded, ordered by api id.
func (s *Scheduler) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].api.ID < runs[j].api.ID
	})
	return runs
}

// CancelAll cancels every run and waits for them to finish.
func (s *Scheduler) CancelAll() {
	for _, r := range s.Runs() {
		r.Cancel()
		r.Wait()
	}
}
