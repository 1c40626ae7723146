/*
Copyright 2024 Vigia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/model"
)

// LookupCache maps a document id to the outcome computed for it during the
// current portal session.
type LookupCache interface {
	// Get returns the cached outcome and whether one was present.
	Get(ctx context.Context, documentID string) (model.Outcome, bool)

	// Put stores an outcome. Entries expire with the session.
	Put(ctx context.Context, documentID string, outcome model.Outcome)

	// Clear drops every entry. Called when the session is recreated or the
	// insurer changes.
	Clear(ctx context.Context)
}

// New builds the cache selected by cfg.Driver. client is only used by the
// redis driver.
func New(cfg config.CacheConfig, ttl time.Duration, client redis.UniversalClient) (LookupCache, error) {
	switch cfg.Driver {
	case "", config.CacheMemory:
		return NewMemoryCache(cfg.MaxEntries, ttl), nil
	case config.CacheRedis:
		if client == nil {
			return nil, errors.New("redis lookup cache requires a redis client")
		}
		return NewRedisCache(client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func normalizeKey(documentID string) string {
	return strings.TrimSpace(documentID)
}

// MemoryCache keeps outcomes in process. A maxEntries of 0 means unbounded.
type MemoryCache struct {
	lru *expirable.LRU[string, model.Outcome]
}

func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryCache{lru: expirable.NewLRU[string, model.Outcome](maxEntries, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, documentID string) (model.Outcome, bool) {
	return m.lru.Get(normalizeKey(documentID))
}

func (m *MemoryCache) Put(_ context.Context, documentID string, outcome model.Outcome) {
	m.lru.Add(normalizeKey(documentID), outcome)
}

func (m *MemoryCache) Clear(_ context.Context) {
	m.lru.Purge()
}

func (m *MemoryCache) Len() int {
	return m.lru.Len()
}

// localCacheSize bounds the in-process TinyLFU layer in front of Redis.
const localCacheSize = 1000

// RedisCache stores outcomes in Redis under a namespace that is fresh for each
// process and rotated by Clear. Entries written by an earlier process or
// session are never read back; they expire with their TTL.
type RedisCache struct {
	cache *cache.Cache
	ttl   time.Duration

	mu        sync.Mutex
	namespace string
	keys      map[string]struct{}
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	localTTL := time.Minute
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	return &RedisCache{
		cache: cache.New(&cache.Options{
			Redis:      client,
			LocalCache: cache.NewTinyLFU(localCacheSize, localTTL),
		}),
		ttl:       ttl,
		namespace: uuid.NewString(),
		keys:      make(map[string]struct{}),
	}
}

func (r *RedisCache) key(documentID string) string {
	return fmt.Sprintf("vigia:lookup:%s:%s", r.namespace, normalizeKey(documentID))
}

func (r *RedisCache) Get(ctx context.Context, documentID string) (model.Outcome, bool) {
	r.mu.Lock()
	key := r.key(documentID)
	r.mu.Unlock()

	var outcome model.Outcome
	err := r.cache.Get(ctx, key, &outcome)
	if errors.Is(err, cache.ErrCacheMiss) {
		return model.Outcome{}, false
	}
	if err != nil {
		logrus.WithError(err).Warn("lookup cache read failed, treating as miss")
		return model.Outcome{}, false
	}
	return outcome, true
}

func (r *RedisCache) Put(ctx context.Context, documentID string, outcome model.Outcome) {
	r.mu.Lock()
	key := r.key(documentID)
	r.keys[key] = struct{}{}
	r.mu.Unlock()

	err := r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: outcome,
		TTL:   r.ttl,
	})
	if err != nil {
		logrus.WithError(err).Warn("lookup cache write failed")
	}
}

// Clear deletes the keys written under the current namespace and moves to a
// fresh one, so entries that failed to delete are never read again.
func (r *RedisCache) Clear(ctx context.Context) {
	r.mu.Lock()
	keys := r.keys
	r.keys = make(map[string]struct{})
	r.namespace = uuid.NewString()
	r.mu.Unlock()

	for key := range keys {
		if err := r.cache.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			logrus.WithError(err).WithField("key", key).Warn("lookup cache delete failed")
		}
	}
}
