/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ember is a fast, fixed-size, in-memory cache with a TinyLFU
// admission policy and a Sampled-LFU eviction policy. You can use the same
// Cache instance from as many goroutines as you want.
package ember

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/embercache/ember/ring"
	"github.com/embercache/ember/store"
)

// setBufSize is the capacity of the channel carrying pending Set/Del/Update
// mutations to the single processItems goroutine.
var setBufSize = 32 * 1024

type itemCallback func(*Item)

// itemSize approximates the bookkeeping overhead of one resident entry, so
// that ignoreInternalCost=false (the default) charges callers for the map
// slot and Item header rather than letting a swarm of tiny values evade the
// cost budget entirely.
const itemSize = int64(unsafe.Sizeof(store.Item{}))

// Cache is a thread-safe implementation of a hashmap with a TinyLFU admission
// policy and a Sampled-LFU eviction policy.
type Cache struct {
	store              *store.Map
	policy             *lfuPolicy
	getBuf             *ring.Buffer
	setBuf             chan *Item
	onEvict            itemCallback
	onReject           itemCallback
	onExit             func(interface{})
	keyToHash          func(interface{}) (uint64, uint64)
	shouldUpdate       func(prev, cur interface{}) bool
	stop               chan struct{}
	cleanupTicker      *time.Ticker
	cost               func(value interface{}) int64
	Metrics            *Metrics
	ignoreInternalCost bool
	isClosed           bool
}

// Config is passed to NewCache for creating new Cache instances.
type Config struct {
	// OnExit is called whenever a value leaves the cache for any reason:
	// eviction, rejection, deletion, or Clear.
	OnExit func(val interface{})
	// KeyToHash derives the (h1, h2) pair from a key; it is required.
	// NewCache returns an error if it's nil rather than assuming a default,
	// since silently picking a hash function a caller didn't choose can
	// change collision behavior for their key type out from under them.
	// Pass the package-level KeyToHash to opt into the built-in dispatch.
	KeyToHash func(key interface{}) (uint64, uint64)
	// ShouldUpdate, if set, is consulted before an in-place update is
	// applied to an existing key; returning false makes the Set a no-op.
	ShouldUpdate func(prev, cur interface{}) bool
	// Cost, if set and a Set call passes cost 0, computes the item's cost
	// from its value. Without it, a cost of 0 is used as given: the item is
	// charged only the itemSize surcharge (nothing when IgnoreInternalCost
	// is set), and the policy never picks a zero-cost entry as an eviction
	// victim.
	Cost func(value interface{}) int64
	// OnEvict is called when a key is evicted to make room for another.
	OnEvict func(item *Item)
	// OnReject is called when a candidate key is rejected by the policy
	// (either oversized or refused admission).
	OnReject func(item *Item)
	// NumCounters is the number of 4-bit frequency counters kept by the
	// TinyLFU admitter; spec §4.C sizes the doorkeeper and sketch from it.
	// A common rule of thumb is 10x the number of items you expect to hold.
	NumCounters int64
	// MaxCost is the total cost budget enforced by the Sampled-LFU policy.
	MaxCost int64
	// BufferItems is the number of key hashes held by each stripe of the
	// Get ring buffer before it drains to the policy worker. Zero is
	// treated as the default of 64, not an error.
	BufferItems int64
	// Metrics turns on metrics collection; it has a small overhead.
	Metrics bool
	// IgnoreInternalCost disables the automatic itemSize surcharge added to
	// every stored item's cost.
	IgnoreInternalCost bool
}

type itemFlag byte

const (
	itemNew itemFlag = iota
	itemDelete
	itemUpdate
)

// Item is passed to setBuf so items can eventually be added to the cache. It
// also doubles as the shape handed to OnEvict/OnReject callbacks.
type Item struct {
	Expiration time.Time
	Value      interface{}
	wg         *sync.WaitGroup
	Key        uint64
	Conflict   uint64
	Cost       int64
	flag       itemFlag
}

// NewCache returns a new Cache instance and any configuration errors, if any.
func NewCache(config *Config) (*Cache, error) {
	switch {
	case config.NumCounters <= 0:
		return nil, errors.New("NumCounters can't be zero or negative")
	case config.MaxCost <= 0:
		return nil, errors.New("MaxCost can't be zero or negative")
	case config.KeyToHash == nil:
		return nil, errors.New("KeyToHash can't be nil")
	}
	bufferItems := config.BufferItems
	if bufferItems == 0 {
		// A zero BufferItems is treated as "use the default", not an error.
		bufferItems = 64
	}
	policy := newPolicy(config.NumCounters, config.MaxCost)
	cache := &Cache{
		store:              store.New(),
		policy:             policy,
		setBuf:             make(chan *Item, setBufSize),
		keyToHash:          config.KeyToHash,
		shouldUpdate:       config.ShouldUpdate,
		stop:               make(chan struct{}),
		cost:               config.Cost,
		ignoreInternalCost: config.IgnoreInternalCost,
		cleanupTicker:      time.NewTicker(store.BucketDuration / 2),
	}
	cache.getBuf = ring.NewBuffer(&ring.Config{
		Consumer: policy,
		Stripes:  runtime.GOMAXPROCS(0),
		Capacity: int(bufferItems),
		OnDrop: func(n int) {
			cache.Metrics.add(dropGets, 0, uint64(n))
		},
	})
	cache.onExit = func(val interface{}) {
		if config.OnExit != nil && val != nil {
			config.OnExit(val)
		}
	}
	cache.onEvict = func(item *Item) {
		if config.OnEvict != nil {
			config.OnEvict(item)
		}
		cache.onExit(item.Value)
	}
	cache.onReject = func(item *Item) {
		if config.OnReject != nil {
			config.OnReject(item)
		}
		cache.onExit(item.Value)
	}
	if cache.shouldUpdate == nil {
		cache.shouldUpdate = func(prev, cur interface{}) bool { return true }
	}
	if config.Metrics {
		cache.collectMetrics()
	}
	// A single processItems goroutine applies queued Set/Del/Update
	// mutations to the policy and the store in the order they were queued.
	go cache.processItems()
	return cache, nil
}

// Wait blocks until every Set/Del call issued before it has been applied to
// the cache, by enqueueing a sentinel and waiting for processItems to reach
// it.
func (c *Cache) Wait() {
	if c == nil || c.isClosed {
		return
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.setBuf <- &Item{wg: wg}
	wg.Wait()
}

// Get returns the value (if any) and a boolean representing whether the
// value was found or not. The value can be nil and the boolean can be true at
// the same time.
func (c *Cache) Get(key interface{}) (interface{}, bool) {
	if c == nil || c.isClosed || key == nil {
		return nil, false
	}
	keyHash, conflictHash := c.keyToHash(key)
	c.getBuf.Push(keyHash)
	guard := c.store.Acquire(keyHash)
	value, ok := c.store.Get(keyHash, conflictHash)
	guard.Release()
	if ok {
		c.Metrics.add(hit, keyHash, 1)
	} else {
		c.Metrics.add(miss, keyHash, 1)
	}
	return value, ok
}

// Set attempts to add the key-value item to the cache. If it returns false,
// then the Set was dropped and the key-value item isn't added to the cache.
// If it returns true, there's still a chance it could be dropped by the
// policy if it's determined that the key-value item isn't worth keeping, but
// otherwise the item will be added and other items will be evicted in order
// to make room.
//
// To dynamically evaluate the item's cost using the Config.Cost function,
// set the cost parameter to 0 and Cost will be run when needed to find the
// item's true cost.
func (c *Cache) Set(key, value interface{}, cost int64) bool {
	return c.SetWithTTL(key, value, cost, 0*time.Second)
}

// SetWithTTL works like Set but adds a key-value pair to the cache that will
// expire after the specified TTL (time to live) has passed. A zero value
// means the value never expires, identical to calling Set. A negative value
// is a no-op and the value is discarded.
func (c *Cache) SetWithTTL(key, value interface{}, cost int64, ttl time.Duration) bool {
	return c.setInternal(key, value, cost, ttl, false)
}

// SetIfPresent is like Set, but only updates the value of an existing key.
// It does NOT add the key to the cache if it's absent.
func (c *Cache) SetIfPresent(key, value interface{}, cost int64) bool {
	return c.setInternal(key, value, cost, 0*time.Second, true)
}

func (c *Cache) setInternal(key, value interface{},
	cost int64, ttl time.Duration, onlyUpdate bool) bool {
	if c == nil || c.isClosed || key == nil {
		return false
	}

	var expiration time.Time
	switch {
	case ttl == 0:
		// No expiration.
	case ttl < 0:
		// Treat this as a no-op.
		return false
	default:
		expiration = time.Now().Add(ttl)
	}

	keyHash, conflictHash := c.keyToHash(key)
	i := &Item{
		flag:       itemNew,
		Key:        keyHash,
		Conflict:   conflictHash,
		Value:      value,
		Cost:       cost,
		Expiration: expiration,
	}
	if onlyUpdate {
		i.flag = itemUpdate
	}
	// For a key that is already resident, the value is updated in the store
	// immediately so that a Get right after Set observes it, even though the
	// policy (and thus the final cost accounting) processes the change
	// asynchronously. A new key only becomes visible once processItems has
	// admitted it.
	if prev, ok := c.store.Update(keyHash, conflictHash, value, expiration, c.shouldUpdate); ok {
		c.onExit(prev)
		i.flag = itemUpdate
	} else if onlyUpdate {
		return false
	}
	// Attempt to send item to policy.
	select {
	case c.setBuf <- i:
		return true
	default:
		if i.flag == itemUpdate {
			// The store is already updated, so report success even though
			// the policy won't see this particular cost adjustment.
			return true
		}
		c.Metrics.add(dropSets, keyHash, 1)
		return false
	}
}

// Del deletes the key-value item from the cache if it exists.
func (c *Cache) Del(key interface{}) {
	if c == nil || c.isClosed || key == nil {
		return
	}
	keyHash, conflictHash := c.keyToHash(key)
	// Delete immediately.
	_, prev := c.store.Del(keyHash, conflictHash)
	c.onExit(prev)
	// If a Set for this key is still in flight, push the deletion through
	// the same queue so ordering is preserved.
	c.setBuf <- &Item{
		flag:     itemDelete,
		Key:      keyHash,
		Conflict: conflictHash,
	}
}

// GetTTL returns the TTL for the specified key and a bool that is true if the
// item was found and is not expired.
func (c *Cache) GetTTL(key interface{}) (time.Duration, bool) {
	if c == nil || key == nil {
		return 0, false
	}

	keyHash, conflictHash := c.keyToHash(key)
	if _, ok := c.store.Get(keyHash, conflictHash); !ok {
		return 0, false
	}

	expiration := c.store.Expiration(keyHash)
	if expiration.IsZero() {
		return 0, true
	}
	if time.Now().After(expiration) {
		return 0, false
	}
	return time.Until(expiration), true
}

// Close stops all goroutines and closes all channels.
func (c *Cache) Close() {
	if c == nil || c.isClosed {
		return
	}
	c.Clear()

	// Block until processItems goroutine has returned.
	c.stop <- struct{}{}
	close(c.stop)
	close(c.setBuf)
	c.cleanupTicker.Stop()
	c.policy.Close()
	c.isClosed = true
}

// Clear empties the hashmap and zeroes all policy counters. Note that this is
// not an atomic operation (but that shouldn't be a problem as it's assumed
// that Set/Get calls won't be occurring until after this).
func (c *Cache) Clear() {
	if c == nil || c.isClosed {
		return
	}
	// Block until processItems goroutine has returned.
	c.stop <- struct{}{}

	// Drain the setBuf channel.
loop:
	for {
		select {
		case i := <-c.setBuf:
			if i.wg != nil {
				i.wg.Done()
				continue
			}
			if i.flag != itemUpdate {
				// An itemUpdate has already landed in the store, so no
				// onEvict is needed here.
				c.onEvict(i)
			}
		default:
			break loop
		}
	}

	// Clear the value map and policy data.
	c.policy.Clear()
	c.store.Clear(func(key, conflict uint64, value interface{}) {
		c.onEvict(&Item{Key: key, Conflict: conflict, Value: value})
	})
	// Only reset metrics if they're enabled.
	if c.Metrics != nil {
		c.Metrics.Clear()
	}
	// Restart the processItems goroutine.
	go c.processItems()
}

// MaxCost returns the max cost of the cache.
func (c *Cache) MaxCost() int64 {
	if c == nil {
		return 0
	}
	return c.policy.MaxCost()
}

// UpdateMaxCost updates the maxCost of an existing cache.
func (c *Cache) UpdateMaxCost(maxCost int64) {
	if c == nil {
		return
	}
	c.policy.UpdateMaxCost(maxCost)
}

// Len reports the number of items currently resident in the cache.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.store.Len()
}

// processItems is run by the single goroutine processing the Set buffer.
func (c *Cache) processItems() {
	startTs := make(map[uint64]time.Time)
	numToKeep := 100000

	trackAdmission := func(key uint64) {
		if c.Metrics == nil {
			return
		}
		startTs[key] = time.Now()
		if len(startTs) > numToKeep {
			for k := range startTs {
				if len(startTs) <= numToKeep {
					break
				}
				delete(startTs, k)
			}
		}
	}
	onEvict := func(i *Item) {
		if ts, has := startTs[i.Key]; has {
			c.Metrics.trackEviction(int64(time.Since(ts) / time.Second))
			delete(startTs, i.Key)
		}
		if c.onEvict != nil {
			c.onEvict(i)
		}
	}

	for {
		select {
		case i := <-c.setBuf:
			if i.wg != nil {
				i.wg.Done()
				continue
			}
			// Calculate item cost if new or update and the caller left it
			// at zero.
			if i.Cost == 0 && c.cost != nil && i.flag != itemDelete {
				i.Cost = c.cost(i.Value)
			}
			if !c.ignoreInternalCost {
				i.Cost += itemSize
			}

			switch i.flag {
			case itemNew:
				victims, added := c.policy.Add(i.Key, i.Cost)
				if added {
					c.store.Set(i.Key, store.Item{
						Value:      i.Value,
						Expiration: i.Expiration,
						Conflict:   i.Conflict,
						Cost:       i.Cost,
					})
					c.Metrics.add(keyAdd, i.Key, 1)
					trackAdmission(i.Key)
				} else {
					c.onReject(i)
				}
				for _, victim := range victims {
					victim.Conflict, victim.Value = c.store.Del(victim.Key, 0)
					onEvict(victim)
				}

			case itemUpdate:
				c.policy.Update(i.Key, i.Cost)
				c.Metrics.add(keyUpdate, i.Key, 1)

			case itemDelete:
				c.policy.Del(i.Key) // Deals with metrics updates.
				_, val := c.store.Del(i.Key, i.Conflict)
				c.onExit(val)
			}
		case <-c.cleanupTicker.C:
			c.store.CleanupExpired(func(key, conflict uint64, value interface{}) {
				c.policy.Del(key)
				onEvict(&Item{Key: key, Conflict: conflict, Value: value})
			})
		case <-c.stop:
			return
		}
	}
}
