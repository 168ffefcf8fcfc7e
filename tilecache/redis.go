package tilecache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdok/tegel/tiling"
)

// Redis stores tiles under {prefix}:{collection}:{scheme}:{level}:{row}:{col}.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr, prefix string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisWithClient(client, prefix, ttl), nil
}

func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(addr tiling.Address) (string, error) {
	collection, err := storageKey(addr.Collection)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{r.prefix, collection, addr.Scheme,
		strconv.Itoa(addr.Level), strconv.Itoa(addr.Row), strconv.Itoa(addr.Col)}, ":"), nil
}

func (r *Redis) Stat(ctx context.Context, addr tiling.Address) (bool, bool, error) {
	key, err := r.key(addr)
	if err != nil {
		return false, false, err
	}
	header, err := r.client.GetRange(ctx, key, 0, 0).Result()
	if err != nil {
		return false, false, err
	}
	if header == "" {
		return false, false, nil
	}
	return header[0] == headerEmpty, true, nil
}

func (r *Redis) Get(ctx context.Context, addr tiling.Address) (Entry, bool, error) {
	key, err := r.key(addr)
	if err != nil {
		return Entry{}, false, err
	}
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	return e, err == nil, err
}

func (r *Redis) Put(ctx context.Context, addr tiling.Address, e Entry) error {
	key, err := r.key(addr)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, encodeEntry(e), r.ttl).Err()
}

func (r *Redis) PutIfAbsent(ctx context.Context, addr tiling.Address, e Entry) (bool, error) {
	key, err := r.key(addr)
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, key, encodeEntry(e), r.ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, addr tiling.Address) error {
	key, err := r.key(addr)
	if err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Walk(ctx context.Context, f Filter, fn func(tiling.Address) error) error {
	collection, scheme := "*", "*"
	if f.Collection != "" {
		collection = f.Collection
	}
	if f.Scheme != "" {
		scheme = f.Scheme
	}
	match := strings.Join([]string{r.prefix, collection, scheme, "*"}, ":")
	iter := r.client.Scan(ctx, 0, match, 1000).Iterator()
	for iter.Next(ctx) {
		addr, ok := r.parseKey(iter.Val())
		if !ok || !f.matches(addr) {
			continue
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) parseKey(key string) (tiling.Address, bool) {
	rest, ok := strings.CutPrefix(key, r.prefix+":")
	if !ok {
		return tiling.Address{}, false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return tiling.Address{}, false
	}
	collection, ok := collectionFromKey(parts[0])
	if !ok {
		return tiling.Address{}, false
	}
	nums := make([]int, 3)
	for i, s := range parts[2:] {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return tiling.Address{}, false
		}
		nums[i] = n
	}
	return tiling.Address{
		Collection: collection,
		Scheme:     parts[1],
		Level:      nums[0],
		Row:        nums[1],
		Col:        nums[2],
	}, true
}

func (r *Redis) Close() error {
	return r.client.Close()
}
