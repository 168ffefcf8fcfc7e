package tilecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pdok/tegel/crs"
	"github.com/pdok/tegel/tiling"
)

// Entry is a cached tile.
type Entry struct {
	Data  []byte
	Empty bool
}

// Filter narrows Backend.Walk. Empty fields match everything.
type Filter struct {
	Collection string
	Scheme     string
}

func (f Filter) matches(a tiling.Address) bool {
	return (f.Collection == "" || f.Collection == collectionKey(a.Collection)) &&
		(f.Scheme == "" || f.Scheme == a.Scheme)
}

// Backend stores entries. Every operation on one key is atomic: readers see a whole entry or none.
type Backend interface {
	// Stat tells whether addr is stored and if so whether it is empty, without reading the payload.
	Stat(ctx context.Context, addr tiling.Address) (empty bool, ok bool, err error)
	Get(ctx context.Context, addr tiling.Address) (Entry, bool, error)
	// Put stores e, replacing what is there.
	Put(ctx context.Context, addr tiling.Address, e Entry) error
	// PutIfAbsent stores e only when nothing is stored under addr yet.
	PutIfAbsent(ctx context.Context, addr tiling.Address, e Entry) (bool, error)
	// Delete removes addr, a missing tile is no error.
	Delete(ctx context.Context, addr tiling.Address) error
	// Walk calls fn for every stored address matching f.
	Walk(ctx context.Context, f Filter, fn func(tiling.Address) error) error
	Close() error
}

// BatchDeleter is implemented by backends that delete many tiles cheaper at once than one by one.
type BatchDeleter interface {
	DeleteAll(ctx context.Context, addrs []tiling.Address) error
}

type Type string

const (
	TypeMemory  Type = "memory"
	TypeFiles   Type = "files"
	TypeMBTiles Type = "mbtiles"
	TypeRedis   Type = "redis"
)

// Options select and configure a backend.
type Options struct {
	Type           Type
	Dir            string
	MaxMemoryTiles int
	RedisAddr      string
	RedisPrefix    string
	RedisTTL       time.Duration
}

// NewBackend creates the backend named by opts.Type.
func NewBackend(ctx context.Context, opts Options, registry *tiling.Registry, transformer crs.Transformer, log *zap.Logger) (Backend, error) {
	switch opts.Type {
	case TypeMemory, "":
		log.Info("using memory cache", zap.Int("maxTiles", opts.MaxMemoryTiles))
		return NewMemory(opts.MaxMemoryTiles), nil
	case TypeFiles:
		log.Info("using file cache", zap.String("dir", opts.Dir))
		return NewFiles(opts.Dir)
	case TypeMBTiles:
		log.Info("using mbtiles cache", zap.String("dir", opts.Dir))
		return NewMBTiles(opts.Dir, registry, transformer)
	case TypeRedis:
		log.Info("using redis cache", zap.String("addr", opts.RedisAddr), zap.String("prefix", opts.RedisPrefix))
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPrefix, opts.RedisTTL)
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, files, mbtiles, redis)", opts.Type)
	}
}

func collectionKey(collection string) string {
	if collection == "" {
		return tiling.DatasetCollection
	}
	return collection
}

// storageKey is the path segment or key part of collection. Ids that could clash with
// multi-layer tiles or break up the key are refused.
func storageKey(collection string) (string, error) {
	if collection == "" {
		return tiling.DatasetCollection, nil
	}
	if err := tiling.ValidateCollectionID(collection); err != nil {
		return "", err
	}
	return collection, nil
}

// collectionFromKey reverses storageKey, keys it could not have produced are rejected.
func collectionFromKey(key string) (string, bool) {
	if key == tiling.DatasetCollection {
		return "", true
	}
	return key, tiling.ValidateCollectionID(key) == nil
}

const (
	headerContent byte = 0
	headerEmpty   byte = 1
)

// encodeEntry prefixes the payload with one byte telling whether the tile is empty.
func encodeEntry(e Entry) []byte {
	b := make([]byte, 0, len(e.Data)+1)
	if e.Empty {
		b = append(b, headerEmpty)
	} else {
		b = append(b, headerContent)
	}
	return append(b, e.Data...)
}

var errCorruptEntry = errors.New("corrupt cache entry")

func decodeEntry(b []byte) (Entry, error) {
	if len(b) == 0 || b[0] > headerEmpty {
		return Entry{}, errCorruptEntry
	}
	return Entry{Data: b[1:], Empty: b[0] == headerEmpty}, nil
}
