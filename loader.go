/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
/*
 * Copyright 2012 Google Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ember

import (
	"context"
	"sync"
	"time"
)

// loaderShards is the number of independent singleflight shards a Loader
// spreads its in-flight calls across, so that loads for unrelated keys never
// contend on the same mutex.
const loaderShards = 256

// LoadFunc computes the value for a key that missed the cache. It is called
// at most once concurrently per key, however many goroutines are waiting on
// that key at the same time.
type LoadFunc[K any, V any] func(ctx context.Context, key K) (V, error)

// loader is the interface fulfilled by all loader implementations in this
// file.
type loader[K any, V any] interface {
	// Do runs and returns the results of the given function, making sure
	// that only one execution is running for a given key at a time. If a
	// duplicate comes in, the duplicate caller waits for the original to
	// complete and receives the same result.
	Do(ctx context.Context, key K, keyHash uint64, fn LoadFunc[K, V]) (V, error)
}

// newLoader returns the default loader implementation.
func newLoader[K any, V any]() loader[K, V] {
	return newShardedCaller[K, V]()
}

type shardedCaller[K any, V any] struct {
	shards []*lockedCaller[K, V]
}

func newShardedCaller[K any, V any]() *shardedCaller[K, V] {
	sm := &shardedCaller[K, V]{
		shards: make([]*lockedCaller[K, V], loaderShards),
	}
	for i := range sm.shards {
		sm.shards[i] = newLockedCaller[K, V]()
	}
	return sm
}

func (c *shardedCaller[K, V]) Do(ctx context.Context, key K, keyHash uint64, fn LoadFunc[K, V]) (V, error) {
	return c.shards[keyHash%loaderShards].do(ctx, key, keyHash, fn)
}

// lockedCaller calls a load function with a key, ensuring that only one
// call is in-flight for a given key at a time.
type lockedCaller[K any, V any] struct {
	mu sync.Mutex
	m  map[uint64]*call[V]
}

func newLockedCaller[K any, V any]() *lockedCaller[K, V] {
	return &lockedCaller[K, V]{
		m: make(map[uint64]*call[V]),
	}
}

func (lc *lockedCaller[K, V]) do(ctx context.Context, key K, keyHash uint64, fn LoadFunc[K, V]) (V, error) {
	lc.mu.Lock()
	if c, ok := lc.m[keyHash]; ok {
		lc.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}

	c := &call[V]{}
	c.wg.Add(1)
	lc.m[keyHash] = c
	lc.mu.Unlock()

	c.val, c.err = fn(ctx, key)
	c.wg.Done()

	lc.mu.Lock()
	delete(lc.m, keyHash)
	lc.mu.Unlock()

	return c.val, c.err
}

// call is a running or completed Do call.
type call[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// Loader wraps a Cache with a singleflight load-on-miss path: concurrent
// Get calls for the same missing key collapse into a single call to Fn,
// rather than stampeding whatever's behind the cache (a database, an
// upstream service) once per waiting goroutine.
type Loader[K comparable, V any] struct {
	cache *Cache
	fn    LoadFunc[K, V]
	cost  func(key K, value V) int64
	ttl   time.Duration
	calls loader[K, V]
}

// LoaderConfig configures a Loader.
type LoaderConfig[K comparable, V any] struct {
	Cache *Cache
	// Fn computes the value for a key on a cache miss.
	Fn LoadFunc[K, V]
	// Cost, if set, assigns a cost to a freshly loaded value; zero cost is
	// used otherwise.
	Cost func(key K, value V) int64
	// TTL, if non-zero, is applied to every value this Loader inserts.
	TTL time.Duration
}

// NewLoader builds a Loader around an existing Cache.
func NewLoader[K comparable, V any](cfg LoaderConfig[K, V]) *Loader[K, V] {
	return &Loader[K, V]{
		cache: cfg.Cache,
		fn:    cfg.Fn,
		cost:  cfg.Cost,
		ttl:   cfg.TTL,
		calls: newLoader[K, V](),
	}
}

// Get returns the cached value for key, loading and inserting it (at most
// once across any concurrently-waiting callers) if it's missing.
func (l *Loader[K, V]) Get(ctx context.Context, key K) (V, error) {
	keyHash, _ := KeyToHash(key)
	if v, ok := l.cache.Get(key); ok {
		return v.(V), nil
	}
	val, err := l.calls.Do(ctx, key, keyHash, l.fn)
	if err != nil {
		var zero V
		return zero, err
	}

	var cost int64
	if l.cost != nil {
		cost = l.cost(key, val)
	}
	l.cache.SetWithTTL(key, val, cost, l.ttl)
	return val, nil
}
