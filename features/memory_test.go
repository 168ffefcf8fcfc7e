package features

import (
	"context"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tegel/crs"
)

func collect(t *testing.T, s Source, q Query) []Feature {
	t.Helper()
	out := make(chan Feature)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Query(context.Background(), q, out) }()
	var result []Feature
	for f := range out {
		result = append(result, f)
	}
	require.NoError(t, <-errCh)
	return result
}

func newTestMemorySource() *MemorySource {
	s := NewMemorySource()
	s.Add("places", crs.CRS84,
		Feature{ID: 1, Geometry: geom.Point{5, 52}, Properties: map[string]any{"name": "Utrecht", "kind": "city"}},
		Feature{ID: 2, Geometry: geom.Point{4.9, 52.4}, Properties: map[string]any{"name": "Amsterdam", "kind": "city"}},
		Feature{ID: 3, Geometry: geom.Point{-70, -33}, Properties: map[string]any{"name": "Santiago", "kind": "city"}},
		Feature{ID: 4, Geometry: geom.Point{5.1, 52.1}, Properties: map[string]any{"name": "Bunnik", "kind": "village"}},
	)
	return s
}

func TestMemorySourceQuery(t *testing.T) {
	s := newTestMemorySource()
	europe := geom.Extent{0, 50, 10, 55}
	tests := []struct {
		name    string
		q       Query
		wantIDs []any
	}{
		{name: "bbox", q: Query{Collection: "places", BBox: europe}, wantIDs: []any{1, 2, 4}},
		{name: "filter", q: Query{Collection: "places", BBox: europe, Filter: map[string]string{"kind": "village"}}, wantIDs: []any{4}},
		{name: "limit", q: Query{Collection: "places", BBox: europe, Limit: 2}, wantIDs: []any{1, 2}},
		{name: "world", q: Query{Collection: "places", BBox: geom.Extent{-180, -90, 180, 90}}, wantIDs: []any{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []any
			for _, f := range collect(t, s, tt.q) {
				ids = append(ids, f.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestMemorySourceProperties(t *testing.T) {
	s := newTestMemorySource()
	got := collect(t, s, Query{Collection: "places", BBox: geom.Extent{4.8, 52.3, 5, 52.5}, Properties: []string{"name"}})
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"name": "Amsterdam"}, got[0].Properties)
}

func TestMemorySourceUnknownCollection(t *testing.T) {
	s := newTestMemorySource()
	out := make(chan Feature)
	err := s.Query(context.Background(), Query{Collection: "roads"}, out)
	require.ErrorIs(t, err, ErrUnknownCollection)
	_, open := <-out
	assert.False(t, open, "out is closed on failure")
}

func TestMemorySourceDescribe(t *testing.T) {
	s := newTestMemorySource()
	d, err := s.Describe(context.Background(), "places")
	require.NoError(t, err)
	assert.Equal(t, crs.CRS84, d.CRS)
	require.NotNil(t, d.Extent)
	assert.Equal(t, geom.Extent{-70, -33, 5.1, 52.4}, *d.Extent)
}

func TestMemorySourceCancel(t *testing.T) {
	s := newTestMemorySource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan Feature)
	err := s.Query(ctx, Query{Collection: "places", BBox: geom.Extent{-180, -90, 180, 90}}, out)
	require.ErrorIs(t, err, context.Canceled)
}
