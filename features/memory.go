package features

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/crs"
)

// MemorySource keeps collections in memory. It is safe for concurrent use.
type MemorySource struct {
	mu          sync.RWMutex
	collections map[string]memoryCollection
}

type memoryCollection struct {
	crs      crs.Code
	features []Feature
}

func NewMemorySource() *MemorySource {
	return &MemorySource{collections: make(map[string]memoryCollection)}
}

// Add appends features to a collection, creating it when needed.
func (s *MemorySource) Add(collection string, c crs.Code, features ...Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := s.collections[collection]
	mc.crs = c
	mc.features = append(mc.features, features...)
	s.collections[collection] = mc
}

func (s *MemorySource) Query(ctx context.Context, q Query, out chan<- Feature) error {
	defer close(out)
	s.mu.RLock()
	mc, ok := s.collections[q.Collection]
	features := mc.features
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, q.Collection)
	}
	n := 0
	for _, f := range features {
		if q.Limit > 0 && n >= q.Limit {
			break
		}
		if !intersects(f.Geometry, q.BBox) || !matchesFilter(f.Properties, q.Filter) {
			continue
		}
		f.Properties = selectProperties(f.Properties, q)
		if err := send(ctx, out, f); err != nil {
			return err
		}
		n++
	}
	return nil
}

func (s *MemorySource) Describe(_ context.Context, collection string) (Description, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.collections[collection]
	if !ok {
		return Description{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	var ext *geom.Extent
	for _, f := range mc.features {
		if ext == nil {
			e, err := geom.NewExtentFromGeometry(f.Geometry)
			if err != nil {
				continue
			}
			ext = e
			continue
		}
		ext.AddGeometry(f.Geometry)
	}
	return Description{CRS: mc.crs, Extent: ext}, nil
}

func (s *MemorySource) Close() error {
	return nil
}
