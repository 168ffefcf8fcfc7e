package tilecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/tiling"
)

func newTestCache(t *testing.T, backend Backend) *Cache {
	t.Helper()
	resolver := tiling.NewLimitsResolver(tiling.NewRegistryBuilder().Build(), crs.NewProjTransformer())
	c := New(backend, resolver, TemporaryOptions{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCommitStoresAtMostOnce(t *testing.T) {
	ctx := context.Background()
	addr := tiling.Address{Collection: "roads", Scheme: tiling.WebMercatorQuad, Level: 5, Row: 10, Col: 12}

	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, b)
			var stored atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					r := c.Begin(addr)
					ok, err := r.Commit(ctx, Entry{Data: []byte(fmt.Sprintf("writer %02d", i))})
					assert.NoError(t, err)
					if ok {
						stored.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), stored.Load())

			data, ok, err := c.Get(ctx, addr)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Regexp(t, `^writer \d\d$`, string(data))
		})
	}
}

func TestCommitAfterInvalidationIsDiscarded(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, NewMemory(0))
	addr := tiling.Address{Collection: "roads", Scheme: tiling.WebMercatorQuad, Level: 1}

	r := c.Begin(addr)
	_, err := c.DeleteWhere(ctx, Criteria{Collection: "roads"})
	require.NoError(t, err)
	stored, err := r.Commit(ctx, Entry{Data: []byte("stale")})
	require.NoError(t, err)
	assert.False(t, stored)
	exists, err := c.Exists(ctx, addr)
	require.NoError(t, err)
	assert.False(t, exists)

	// an unrelated invalidation does not matter
	r = c.Begin(addr)
	_, err = c.DeleteWhere(ctx, Criteria{Collection: "rivers"})
	require.NoError(t, err)
	stored, err = r.Commit(ctx, Entry{Data: []byte("fresh")})
	require.NoError(t, err)
	assert.True(t, stored)

	// reservations taken after the invalidation are fine
	require.NoError(t, c.Delete(ctx, addr))
	r = c.Begin(addr)
	stored, err = r.Commit(ctx, Entry{Data: []byte("fresh")})
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Empty(t, c.invalidations)
}

func TestDeleteWhere(t *testing.T) {
	ctx := context.Background()
	wmq := func(collection string, level, row, col int) tiling.Address {
		return tiling.Address{Collection: collection, Scheme: tiling.WebMercatorQuad, Level: level, Row: row, Col: col}
	}
	crs84 := func(collection string, level, row, col int) tiling.Address {
		return tiling.Address{Collection: collection, Scheme: tiling.WorldCRS84Quad, Level: level, Row: row, Col: col}
	}
	all := []tiling.Address{
		wmq("x", 0, 0, 0), wmq("x", 1, 0, 0), wmq("x", 1, 1, 1),
		wmq("y", 1, 0, 0), wmq("", 1, 0, 0),
		crs84("x", 1, 0, 0), crs84("x", 1, 1, 3),
	}
	westernNorth := &tiling.BoundingBox{Extent: geom.Extent{-170, 10, -100, 80}, CRS: crs.CRS84}

	tests := []struct {
		name     string
		criteria Criteria
		deleted  []tiling.Address
	}{
		{
			name:     "everything",
			criteria: Criteria{},
			deleted:  all,
		},
		{
			name:     "by collection, leaves multi-layer tiles",
			criteria: Criteria{Collection: "x"},
			deleted:  []tiling.Address{wmq("x", 0, 0, 0), wmq("x", 1, 0, 0), wmq("x", 1, 1, 1), crs84("x", 1, 0, 0), crs84("x", 1, 1, 3)},
		},
		{
			name:     "by collection and scheme",
			criteria: Criteria{Collection: "x", Scheme: tiling.WorldCRS84Quad},
			deleted:  []tiling.Address{crs84("x", 1, 0, 0), crs84("x", 1, 1, 3)},
		},
		{
			name:     "by bounding box",
			criteria: Criteria{BBox: westernNorth},
			deleted:  []tiling.Address{wmq("x", 0, 0, 0), wmq("x", 1, 0, 0), wmq("y", 1, 0, 0), wmq("", 1, 0, 0), crs84("x", 1, 0, 0)},
		},
		{
			name:     "by bounding box and collection",
			criteria: Criteria{Collection: "y", BBox: westernNorth},
			deleted:  []tiling.Address{wmq("y", 1, 0, 0)},
		},
	}
	for _, tt := range tests {
		for name, b := range testBackends(t) {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				c := newTestCache(t, b)
				for _, addr := range all {
					require.NoError(t, c.Put(ctx, addr, []byte(addr.String()), false))
				}
				n, err := c.DeleteWhere(ctx, tt.criteria)
				require.NoError(t, err)
				assert.Equal(t, len(tt.deleted), n)

				deleted := make(map[tiling.Address]bool)
				for _, addr := range tt.deleted {
					deleted[addr] = true
				}
				for _, addr := range all {
					exists, err := c.Exists(ctx, addr)
					require.NoError(t, err)
					assert.Equal(t, !deleted[addr], exists, addr.String())
				}
			})
		}
	}
}

func TestIsEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, NewMemory(0))
	addr := tiling.Address{Collection: "roads", Scheme: tiling.WebMercatorQuad}

	_, cached, err := c.IsEmpty(ctx, addr)
	require.NoError(t, err)
	assert.False(t, cached)

	require.NoError(t, c.Put(ctx, addr, []byte{0x1f, 0x8b}, true))
	empty, cached, err := c.IsEmpty(ctx, addr)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.True(t, empty)
}

func TestTemporaryTiles(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, NewMemory(0))

	c.PutTemporary("a", Entry{Data: []byte("a")})
	c.PutTemporary("b", Entry{Data: []byte("b")})
	e, ok := c.GetTemporary("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), e.Data)

	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok = c.GetTemporary("a")
	assert.False(t, ok)
}
