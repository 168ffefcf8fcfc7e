// Package processing takes care of the logistics around reading features from a Source,
// processing them one by one and collecting the results. Not the processing operation(s) itself.
package processing

import (
	"context"

	"github.com/go-spatial/geom"
	"golang.org/x/sync/errgroup"

	"github.com/pdok/tegel/features"
)

// ProcessFunc turns a feature into a result. Features for which it returns false are dropped.
type ProcessFunc[T any] func(features.Feature) (T, bool)

// Stats counts what went through the pipeline.
type Stats struct {
	Total         uint64
	Kept          uint64
	Polygons      uint64
	MultiPolygons uint64
	NonPolygons   uint64
}

// Dropped is the number of features the ProcessFunc did not keep.
func (s Stats) Dropped() uint64 {
	return s.Total - s.Kept
}

// ProcessFeatures reads the features matching q from source, processes them in the
// order the source returns them and collects the kept results. The first failing stage
// stops the others.
func ProcessFeatures[T any](ctx context.Context, source features.Source, q features.Query, f ProcessFunc[T]) ([]T, Stats, error) {
	featuresBefore := make(chan features.Feature)
	featuresAfter := make(chan T)
	var stats Stats
	var results []T

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Query(ctx, q, featuresBefore)
	})
	g.Go(func() error {
		return processFeatures(ctx, featuresBefore, featuresAfter, f, &stats)
	})
	g.Go(func() error {
		for result := range featuresAfter {
			results = append(results, result)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	return results, stats, nil
}

// processFeatures applies f to every incoming feature and closes featuresOut when done.
func processFeatures[T any](ctx context.Context, featuresIn <-chan features.Feature, featuresOut chan<- T, f ProcessFunc[T], stats *Stats) error {
	defer close(featuresOut)
	for feature := range featuresIn {
		stats.Total++
		switch feature.Geometry.(type) {
		case geom.Polygon, *geom.Polygon:
			stats.Polygons++
		case geom.MultiPolygon, *geom.MultiPolygon:
			stats.MultiPolygons++
		default:
			stats.NonPolygons++
		}
		result, keep := f(feature)
		if !keep {
			continue
		}
		stats.Kept++
		select {
		case featuresOut <- result:
		case <-ctx.Done():
			// let the source notice and drain what it already sent
			for range featuresIn {
			}
			return ctx.Err()
		}
	}
	return nil
}
