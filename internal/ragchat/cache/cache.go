// Package cache implements a namespaced, TTL-enforced
// key/value store backed by Redis when configured and reachable at startup,
// falling back to a process-local map otherwise. Any backend error degrades
// to a miss — callers never see cache errors, only absent values — following
// the same backend-degrades-to-miss discipline used throughout this package
// tree's dependency boundaries.
package cache

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"manifold/internal/config"
)

// Stats is a read-only diagnostic for one namespace prefix.
type Stats struct {
	Entries int
}

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is the Cache Layer. Zero value is not usable; construct with New.
type Cache struct {
	log zerolog.Logger

	mu    sync.RWMutex
	local map[string]entry

	redis redis.UniversalClient
}

// New constructs a Cache. When cfg.Enabled, it pings Redis once at startup;
// on failure it logs a warning and continues with the local map only.
func New(cfg config.RedisConfig, log zerolog.Logger) *Cache {
	c := &Cache{local: make(map[string]entry), log: log}
	if !cfg.Enabled {
		return c
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("cache_redis_unreachable_falling_back_to_local")
		return c
	}
	c.redis = client
	return c
}

// Key namespaces args under prefix as "{prefix}:{sha1(args)}".
func Key(prefix string, args ...string) string {
	h := sha1.New()
	for _, a := range args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h.Sum(nil)))
}

// Get returns the raw bytes stored at key, or false on miss/expiry/error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			return val, true
		}
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache_redis_get_error")
		}
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// GetJSON unmarshals a cached value into dst. Returns false on miss or
// malformed stored JSON (an integrity error, logged by the caller).
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache_integrity_malformed_json")
		return false
	}
	return true
}

// Set stores value under key with the given TTL. ttl<=0 means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache_redis_set_error")
		}
		return
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.local[key] = entry{value: value, expires: exp}
	c.mu.Unlock()
}

// SetJSON marshals v and stores it under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache_marshal_error")
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.redis != nil {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache_redis_del_error")
		}
		return
	}
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
}

// Clear removes every key under prefix (namespace-wide invalidation).
func (c *Cache) Clear(ctx context.Context, prefix string) {
	if c.redis != nil {
		pattern := prefix + ":*"
		iter := c.redis.Scan(ctx, 0, pattern, 200).Iterator()
		for iter.Next(ctx) {
			if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
				c.log.Warn().Err(err).Str("key", iter.Val()).Msg("cache_redis_clear_error")
			}
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	want := prefix + ":"
	for k := range c.local {
		if strings.HasPrefix(k, want) {
			delete(c.local, k)
		}
	}
}

// Stats reports per-prefix entry counts. Only meaningful for the local-map
// backend; Redis-backed caches return an empty map since a full SCAN to
// compute this would be an expensive diagnostic to run cheaply.
func (c *Cache) Stats() map[string]Stats {
	out := make(map[string]Stats)
	if c.redis != nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k := range c.local {
		prefix := k
		if idx := strings.Index(k, ":"); idx != -1 {
			prefix = k[:idx]
		}
		s := out[prefix]
		s.Entries++
		out[prefix] = s
	}
	return out
}
