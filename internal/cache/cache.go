/*
Copyright 2024 Blnk Finance Authors.

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
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache is the read-through store in front of the integration registry.
type Cache interface {
	// Once decodes the value under key into dst. On a miss it calls load, caches the result for
	// ttl and decodes that instead. Concurrent misses on one key share a single load.
	Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func(ctx context.Context) (interface{}, error)) error

	Delete(ctx context.Context, key string) error
}

// RedisCache backs Cache with redis plus a small in-process TinyLFU layer.
type RedisCache struct {
	cache *cache.Cache
}

// localCacheSize is the number of partner configs kept in process memory.
const localCacheSize = 1024

// NewRedisCache wraps the shared client. localTTL bounds how stale the in-process copy can get
// on nodes that missed a registry notification.
func NewRedisCache(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &RedisCache{cache: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localCacheSize, localTTL),
	})}
}

func (r *RedisCache) Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func(ctx context.Context) (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: dst,
		TTL:   ttl,
		Do: func(item *cache.Item) (interface{}, error) {
			return load(item.Context())
		},
	})
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
