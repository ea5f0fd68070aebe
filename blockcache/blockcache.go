// Package blockcache is the optional outer cache sitting in front of the
// protection layer: a sharded in-process tier (grounded on the fixed-shard,
// sampled-eviction design used for this stack's general-purpose in-memory
// cache) with an optional Redis-backed second tier for deployments sharing
// one backend across processes, plus a bounded read-ahead worker pool. Cache
// itself implements blockshim.Store, wrapping an inner Store so it composes
// into the stack like any other layer.
package blockcache

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	log "log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/blockshim/blockshim"
)

const (
	shardCount       = 64
	maxItemsPerShard = 4096
)

type shard struct {
	mu    sync.Mutex
	items map[blockshim.BlockNum]shardItem
}

type shardItem struct {
	data       []byte
	expiration time.Time
}

// Cache is a blockshim.Store wrapping an inner Store with a read cache: a
// sharded, TTL-expiring local tier (grounded on the fixed-shard,
// sampled-eviction design used for this stack's general-purpose in-memory
// cache) plus an optional Redis-backed second tier for deployments sharing
// one backend across processes. ReadBlock serves cache hits directly;
// WriteBlock always delegates to the inner store and keeps the cache
// consistent with the result. It is safe for concurrent use.
type Cache struct {
	inner blockshim.Store

	shards [shardCount]*shard
	ttl    time.Duration
	redis  *redis.Client
}

// New wraps inner with a local cache tier, each entry held for ttl (a zero
// ttl means entries never expire on their own; eviction then relies only on
// the sampled-victim logic under capacity pressure).
func New(inner blockshim.Store, ttl time.Duration) *Cache {
	c := &Cache{inner: inner, ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[blockshim.BlockNum]shardItem)}
	}
	return c
}

// WithRedis attaches a Redis-backed second tier: misses in the local shard
// fall through to Redis before being reported as a cache miss, and stores
// are mirrored to Redis so other processes sharing the same backend observe
// the write.
func (c *Cache) WithRedis(client *redis.Client) *Cache {
	c.redis = client
	return c
}

func (c *Cache) shardFor(n blockshim.BlockNum) *shard {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
	return c.shards[h.Sum64()%shardCount]
}

// Get returns the cached content for n, fetching from the Redis tier on a
// local miss when one is configured.
func (c *Cache) Get(ctx context.Context, n blockshim.BlockNum) ([]byte, bool) {
	s := c.shardFor(n)
	s.mu.Lock()
	item, ok := s.items[n]
	s.mu.Unlock()
	if ok {
		if !item.expiration.IsZero() && blockshim.Now().After(item.expiration) {
			c.evict(n)
		} else {
			return item.data, true
		}
	}

	if c.redis == nil {
		return nil, false
	}
	val, err := c.redis.Get(ctx, redisKey(n)).Bytes()
	if err != nil {
		return nil, false
	}
	c.storeLocal(n, val)
	return val, true
}

// Put stores data for block n in the local tier and, if configured, mirrors
// it to the Redis tier.
func (c *Cache) Put(ctx context.Context, n blockshim.BlockNum, data []byte) {
	c.storeLocal(n, data)
	if c.redis != nil {
		if err := c.redis.Set(ctx, redisKey(n), data, c.ttl).Err(); err != nil {
			log.Warn("blockcache: redis mirror write failed", "block", n, "error", err)
		}
	}
}

// Evict removes n from both tiers.
func (c *Cache) Evict(ctx context.Context, n blockshim.BlockNum) {
	c.evict(n)
	if c.redis != nil {
		if err := c.redis.Del(ctx, redisKey(n)).Err(); err != nil {
			log.Warn("blockcache: redis mirror evict failed", "block", n, "error", err)
		}
	}
}

func (c *Cache) storeLocal(n blockshim.BlockNum, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	exp := time.Time{}
	if c.ttl > 0 {
		exp = blockshim.Now().Add(c.ttl)
	}

	s := c.shardFor(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= maxItemsPerShard {
		evictSampledVictim(s)
	}
	s.items[n] = shardItem{data: buf, expiration: exp}
}

func (c *Cache) evict(n blockshim.BlockNum) {
	s := c.shardFor(n)
	s.mu.Lock()
	delete(s.items, n)
	s.mu.Unlock()
}

// evictSampledVictim removes the entry with the earliest expiration found in
// a small sample of the shard, rather than scanning it in full. Must be
// called with s.mu held.
func evictSampledVictim(s *shard) {
	const sampleSize = 5
	var victim blockshim.BlockNum
	var minExp time.Time
	found := false
	count := 0
	for n, it := range s.items {
		if count >= sampleSize {
			break
		}
		count++
		exp := it.expiration
		if exp.IsZero() {
			exp = blockshim.Now().Add(100 * 365 * 24 * time.Hour)
		}
		if !found || exp.Before(minExp) {
			minExp = exp
			victim = n
			found = true
		}
	}
	if found {
		delete(s.items, victim)
	}
}

func redisKey(n blockshim.BlockNum) string {
	return "blockshim:block:" + strconv.FormatUint(uint64(n), 10)
}

// ReadBlock implements blockshim.Store. A cache hit is served directly,
// skipping the inner store entirely; a miss delegates to inner and, on
// success, populates the cache so the next read hits. expectMD5 is honored
// only on the miss path; WriteBlock never populates the cache, so a cached
// entry comes from Put, ReadAhead or an earlier successful inner read.
func (c *Cache) ReadBlock(ctx context.Context, n blockshim.BlockNum, dst []byte, expectMD5 *blockshim.MD5) error {
	if data, ok := c.Get(ctx, n); ok {
		copy(dst, data)
		return nil
	}

	if err := c.inner.ReadBlock(ctx, n, dst, expectMD5); err != nil {
		return err
	}
	c.Put(ctx, n, dst)
	return nil
}

// WriteBlock implements blockshim.Store. It always delegates to inner first;
// on success the stale cache entry is invalidated rather than refreshed in
// place, so a subsequent read repopulates it from the now-authoritative
// inner store (and goes through the usual zero-elision and stale-MD5 checks
// that path applies).
func (c *Cache) WriteBlock(ctx context.Context, n blockshim.BlockNum, src []byte, md5 *blockshim.MD5) error {
	if err := c.inner.WriteBlock(ctx, n, src, md5); err != nil {
		return err
	}
	c.Evict(ctx, n)
	return nil
}

// DetectSizes implements blockshim.Store by delegating to the inner store.
func (c *Cache) DetectSizes(ctx context.Context) (int64, uint32, error) {
	return c.inner.DetectSizes(ctx)
}

// Destroy implements blockshim.Store by delegating to the inner store.
func (c *Cache) Destroy(ctx context.Context) error {
	return c.inner.Destroy(ctx)
}

// ReadAhead launches a bounded pool of workers that prefetch the blocks in
// nums from store into the cache, stopping at the first error or when ctx is
// done. It is meant to warm the cache ahead of a predicted sequential scan.
func ReadAhead(ctx context.Context, c *Cache, store blockshim.Store, nums []blockshim.BlockNum, blockSize uint32, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, n := range nums {
		n := n
		g.Go(func() error {
			if _, ok := c.Get(gctx, n); ok {
				return nil
			}
			buf := make([]byte, blockSize)
			if err := store.ReadBlock(gctx, n, buf, nil); err != nil {
				return err
			}
			c.Put(gctx, n, buf)
			return nil
		})
	}
	return g.Wait()
}
