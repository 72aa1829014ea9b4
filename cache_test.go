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

package ember

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(&Config{
		NumCounters:        1000,
		MaxCost:            1000,
		BufferItems:        64,
		KeyToHash:          KeyToHash,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewCacheRejectsBadConfig(t *testing.T) {
	// A valid config, mutated one field at a time below.
	valid := func() *Config {
		return &Config{NumCounters: 1, MaxCost: 1, BufferItems: 1, KeyToHash: KeyToHash}
	}

	_, err := NewCache(&Config{MaxCost: 1, BufferItems: 1, KeyToHash: KeyToHash})
	require.Error(t, err) // missing NumCounters

	_, err = NewCache(&Config{NumCounters: 1, BufferItems: 1, KeyToHash: KeyToHash})
	require.Error(t, err) // missing MaxCost

	_, err = NewCache(&Config{NumCounters: 1, MaxCost: 1})
	require.Error(t, err) // missing KeyToHash

	negCounters := valid()
	negCounters.NumCounters = -1
	_, err = NewCache(negCounters)
	require.Error(t, err) // negative NumCounters

	negCost := valid()
	negCost.MaxCost = -1
	_, err = NewCache(negCost)
	require.Error(t, err) // negative MaxCost

	// BufferItems left at zero is not an error: it's normalized to the
	// default of 64.
	c, err := NewCache(&Config{NumCounters: 1, MaxCost: 1, KeyToHash: KeyToHash})
	require.NoError(t, err)
	c.Close()
}

func TestCacheSetGet(t *testing.T) {
	c := newTestCache(t)
	require.True(t, c.Set("key", "value", 1))
	c.Wait()

	v, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, "value", v)
}

func TestCacheGetMiss(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get("absent")
	require.False(t, ok)
}

func TestCacheEvictsUnderCostPressure(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 2000; i++ {
		c.Set(i, i, 1)
	}
	c.Wait()
	require.LessOrEqual(t, c.Len(), 1000)
}

func TestCacheSetRejectsOversizedItem(t *testing.T) {
	c := newTestCache(t)
	ok := c.Set("huge", "value", 2000)
	require.True(t, ok) // accepted by the buffer...
	c.Wait()
	_, found := c.Get("huge")
	require.False(t, found) // ...but rejected by the policy, never stored
}

func TestCacheSetIfPresentOnlyUpdatesExisting(t *testing.T) {
	c := newTestCache(t)
	require.False(t, c.SetIfPresent("missing", "v", 1))

	c.Set("present", "v1", 1)
	c.Wait()
	require.True(t, c.SetIfPresent("present", "v2", 1))
	c.Wait()

	v, ok := c.Get("present")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestCacheDel(t *testing.T) {
	c := newTestCache(t)
	c.Set("key", "value", 1)
	c.Wait()
	c.Del("key")
	_, ok := c.Get("key")
	require.False(t, ok)
}

func TestCacheSetWithTTLExpires(t *testing.T) {
	c := newTestCache(t)
	c.SetWithTTL("key", "value", 1, 10*time.Millisecond)
	c.Wait()

	_, ok := c.Get("key")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("key")
	require.False(t, ok)
}

func TestCacheSetWithNegativeTTLIsNoop(t *testing.T) {
	c := newTestCache(t)
	require.False(t, c.SetWithTTL("key", "value", 1, -time.Second))
	_, ok := c.Get("key")
	require.False(t, ok)
}

func TestCacheGetTTL(t *testing.T) {
	c := newTestCache(t)
	c.SetWithTTL("key", "value", 1, time.Hour)
	c.Wait()

	ttl, ok := c.GetTTL("key")
	require.True(t, ok)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Hour)
}

func TestCacheGetTTLNoExpiration(t *testing.T) {
	c := newTestCache(t)
	c.Set("key", "value", 1)
	c.Wait()

	ttl, ok := c.GetTTL("key")
	require.True(t, ok)
	require.Equal(t, time.Duration(0), ttl)
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t)
	c.Set("key", "value", 1)
	c.Wait()
	c.Clear()

	_, ok := c.Get("key")
	require.False(t, ok)
	require.Equal(t, uint64(0), c.Metrics.KeysAdded())
}

func TestCacheOnRejectCallback(t *testing.T) {
	var rejected []interface{}
	var evicted []interface{}
	c, err := NewCache(&Config{
		NumCounters:        100,
		MaxCost:            10,
		BufferItems:        64,
		KeyToHash:          KeyToHash,
		IgnoreInternalCost: true,
		OnEvict: func(item *Item) {
			evicted = append(evicted, item.Value)
		},
		OnReject: func(item *Item) {
			rejected = append(rejected, item.Value)
		},
	})
	require.NoError(t, err)
	defer c.Close()

	ok := c.Set("toobig", "nope", 1000)
	require.True(t, ok)
	c.Wait()
	require.Contains(t, rejected, "nope")
}

func TestCacheNewContenderNeverEvictsEquallyColdResident(t *testing.T) {
	c, err := NewCache(&Config{
		NumCounters:        100,
		MaxCost:            3,
		BufferItems:        64,
		KeyToHash:          KeyToHash,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	require.NoError(t, err)
	defer c.Close()

	// Fill the cache, leaving no room.
	c.Set(1, 1, 1)
	c.Set(2, 2, 1)
	c.Set(3, 3, 1)
	c.Wait()

	// A never-before-seen key has the same (zero) estimated frequency as
	// any resident it could contend with; the admission pre-pass's tie
	// goes to the incumbent, so the candidate must be rejected rather
	// than evicting anything.
	ok := c.Set(4, 4, 1)
	require.True(t, ok)
	c.Wait()
	_, found := c.Get(4)
	require.False(t, found)
}

func TestCacheMaxCostUpdate(t *testing.T) {
	c := newTestCache(t)
	require.Equal(t, int64(1000), c.MaxCost())
	c.UpdateMaxCost(2000)
	require.Equal(t, int64(2000), c.MaxCost())
}

func TestCacheNilIsSafe(t *testing.T) {
	var c *Cache
	require.NotPanics(t, func() {
		_, ok := c.Get("x")
		require.False(t, ok)
		c.Set("x", "y", 1)
		c.Del("x")
		c.Close()
		c.Clear()
	})
}
