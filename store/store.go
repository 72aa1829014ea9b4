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

// Package store implements the cache's hot storage map: a sharded
// key-hash-to-entry table with conflict-hash validation on every read, as
// described in spec §4.G. Guard gives readers the "lightweight guard"
// handle the spec calls for; in a garbage-collected runtime that guard
// doesn't need to defer any manual reclamation (the Go GC already keeps a
// value alive for as long as any goroutine holds a reference to it), but it
// still exists as the shape callers acquire for the duration of a read, so
// the package's contract matches the spec's SMR discipline even though the
// implementation underneath is ordinary fine-grained locking rather than
// hand-rolled hazard pointers.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Item is a stored value together with its cost and conflict hash.
type Item struct {
	Value      interface{}
	Expiration time.Time
	Conflict   uint64
	Cost       int64
}

// Guard is acquired for the duration of a read. It exists to give the
// store's contract an explicit reader-registration point, matching spec
// §4.G's "readers acquire a lightweight guard" requirement; Release must be
// called exactly once.
type Guard struct {
	shard *shard
}

// Release ends the read critical section started by Acquire.
func (g Guard) Release() {
	if g.shard != nil {
		atomic.AddInt64(&g.shard.readers, -1)
	}
}

const numShards uint64 = 256

// Map is a sharded, concurrency-safe table from a 64-bit primary key hash
// to a conflict-checked Item.
type Map struct {
	shards      [numShards]*shard
	expirations *expirationMap
}

type shard struct {
	sync.RWMutex
	data    map[uint64]Item
	readers int64
}

// New returns an empty Map.
func New() *Map {
	m := &Map{expirations: newExpirationMap()}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[uint64]Item)}
	}
	return m
}

func (m *Map) shardFor(key uint64) *shard {
	return m.shards[key%numShards]
}

// Acquire registers the caller as an in-flight reader of key's shard. The
// returned Guard must be released (typically via defer) once the read is
// done.
func (m *Map) Acquire(key uint64) Guard {
	s := m.shardFor(key)
	atomic.AddInt64(&s.readers, 1)
	return Guard{shard: s}
}

// Get returns the value stored for key if present and its conflict hash
// matches. Expired entries (per the optional TTL extension) are treated as
// absent without being removed here — removal is the cleanup sweep's job so
// that Get stays a pure read.
func (m *Map) Get(key, conflict uint64) (interface{}, bool) {
	s := m.shardFor(key)
	s.RLock()
	item, ok := s.data[key]
	s.RUnlock()
	if !ok {
		return nil, false
	}
	if conflict != 0 && item.Conflict != 0 && item.Conflict != conflict {
		return nil, false
	}
	if !item.Expiration.IsZero() && time.Now().After(item.Expiration) {
		return nil, false
	}
	return item.Value, true
}

// Expiration returns the expiration time stored for key, or the zero Time
// if the key is absent or never expires.
func (m *Map) Expiration(key uint64) time.Time {
	s := m.shardFor(key)
	s.RLock()
	defer s.RUnlock()
	return s.data[key].Expiration
}

// Set unconditionally stores item under key, replacing anything there
// before (used once the policy has already admitted the key, so there is
// no conflict-checking concern: the policy is the single writer and has
// already decided key belongs in the store).
func (m *Map) Set(key uint64, item Item) {
	s := m.shardFor(key)
	s.Lock()
	s.data[key] = item
	s.Unlock()
	m.expirations.add(key, item.Conflict, item.Expiration)
}

// Update overwrites the value and expiration of an already-resident key in
// place, leaving its cost untouched (the caller reconciles cost separately
// once the policy has processed the change). shouldUpdate is consulted with
// the previous and candidate value and can veto the update; if the key isn't
// present, or its conflict hash doesn't match, or shouldUpdate declines,
// Update reports false and leaves the store untouched.
func (m *Map) Update(key, conflict uint64, value interface{}, expiration time.Time,
	shouldUpdate func(prev, cur interface{}) bool) (interface{}, bool) {
	s := m.shardFor(key)
	s.Lock()
	item, ok := s.data[key]
	if !ok {
		s.Unlock()
		return nil, false
	}
	if conflict != 0 && item.Conflict != 0 && item.Conflict != conflict {
		s.Unlock()
		return nil, false
	}
	if shouldUpdate != nil && !shouldUpdate(item.Value, value) {
		s.Unlock()
		return nil, false
	}
	prev := item.Value
	prevExpiration := item.Expiration
	item.Value = value
	item.Expiration = expiration
	s.data[key] = item
	s.Unlock()

	m.expirations.remove(key, prevExpiration)
	m.expirations.add(key, conflict, expiration)
	return prev, true
}

// Del removes key if its conflict hash matches (or conflict is 0, meaning
// "don't care"), returning the removed value's conflict hash and value so
// the caller can run eviction/exit callbacks with them.
func (m *Map) Del(key, conflict uint64) (uint64, interface{}) {
	s := m.shardFor(key)
	s.Lock()
	item, ok := s.data[key]
	if !ok {
		s.Unlock()
		return 0, nil
	}
	if conflict != 0 && item.Conflict != 0 && item.Conflict != conflict {
		s.Unlock()
		return 0, nil
	}
	delete(s.data, key)
	s.Unlock()
	m.expirations.remove(key, item.Expiration)
	return item.Conflict, item.Value
}

// Clear empties every shard, invoking onEvict for each live entry first.
func (m *Map) Clear(onEvict func(key, conflict uint64, value interface{})) {
	for _, s := range m.shards {
		s.Lock()
		if onEvict != nil {
			for key, item := range s.data {
				onEvict(key, item.Conflict, item.Value)
			}
		}
		s.data = make(map[uint64]Item)
		s.Unlock()
	}
	m.expirations = newExpirationMap()
}

// CleanupExpired removes entries whose expiration bucket has come due,
// invoking onEvict for each one actually removed. Consulting the bucket
// index instead of walking every shard keeps a cleanup tick cheap even when
// the cache holds millions of keys with only a handful expiring.
func (m *Map) CleanupExpired(onEvict func(key, conflict uint64, value interface{})) {
	now := time.Now()
	for key, conflict := range m.expirations.due(now) {
		s := m.shardFor(key)
		s.Lock()
		item, ok := s.data[key]
		if !ok || item.Conflict != conflict || item.Expiration.IsZero() || now.Before(item.Expiration) {
			s.Unlock()
			continue
		}
		delete(s.data, key)
		s.Unlock()
		if onEvict != nil {
			onEvict(key, item.Conflict, item.Value)
		}
	}
}

// Len returns the number of entries currently stored, summed across shards.
func (m *Map) Len() int {
	total := 0
	for _, s := range m.shards {
		s.RLock()
		total += len(s.data)
		s.RUnlock()
	}
	return total
}

// HashString is a convenience used by default key-hashing helpers that want
// a stable, fast string hash without importing xxhash directly.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}
