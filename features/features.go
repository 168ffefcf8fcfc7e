// Package features reads the features of collections from upstream stores.
package features

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-spatial/geom"

	"github.com/pdok/tegel/crs"
)

var ErrUnknownCollection = errors.New("unknown collection")

// Feature is a geometry with its properties.
type Feature struct {
	ID         any
	Geometry   geom.Geometry
	Properties map[string]any
}

// Query selects the features of one collection.
type Query struct {
	Collection string
	// BBox is in the native CRS of the collection
	BBox geom.Extent
	// MaxAllowableOffset is a simplification tolerance in native CRS units, 0 means none
	MaxAllowableOffset float64
	// Properties limits the returned properties, nil means all
	Properties []string
	// Filter keeps features whose property equals the value
	Filter map[string]string
	// Limit is the maximum number of features, 0 means no limit
	Limit int
}

// Description tells what is known about a collection in its store.
type Description struct {
	CRS    crs.Code
	Extent *geom.Extent
}

// Source is a store of collections.
type Source interface {
	// Query sends the features matching q to out and closes out, also when it fails.
	Query(ctx context.Context, q Query, out chan<- Feature) error
	Describe(ctx context.Context, collection string) (Description, error)
	Close() error
}

// Table maps a collection onto a table of a database.
type Table struct {
	Name           string
	GeometryColumn string
	IDColumn       string
}

// selectProperties returns the subset of props that q asks for.
func selectProperties(props map[string]any, q Query) map[string]any {
	if q.Properties == nil {
		return props
	}
	selected := make(map[string]any, len(q.Properties))
	for _, name := range q.Properties {
		if v, ok := props[name]; ok {
			selected[name] = v
		}
	}
	return selected
}

func matchesFilter(props map[string]any, filter map[string]string) bool {
	for name, want := range filter {
		v, ok := props[name]
		if !ok || v == nil || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// intersects is an extent test, good enough to select features for a tile.
func intersects(g geom.Geometry, bbox geom.Extent) bool {
	ext, err := geom.NewExtentFromGeometry(g)
	if err != nil {
		return false
	}
	return ext.MinX() <= bbox.MaxX() && bbox.MinX() <= ext.MaxX() &&
		ext.MinY() <= bbox.MaxY() && bbox.MinY() <= ext.MaxY()
}

func send(ctx context.Context, out chan<- Feature, f Feature) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkColumns(known []string, names ...string) error {
	for _, name := range names {
		if !slices.Contains(known, name) {
			return fmt.Errorf("unknown column %q", name)
		}
	}
	return nil
}
