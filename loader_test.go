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
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLockedCallerDo(t *testing.T) {
	caller := newLockedCaller[string, string]()

	v, err := caller.do(context.Background(), "key", 0, func(ctx context.Context, key string) (string, error) {
		return "foo", nil
	})

	require.NoError(t, err)
	require.Equal(t, "foo", v)
}

func TestLockedCallerDoError(t *testing.T) {
	caller := newLockedCaller[string, string]()

	errTest := errors.New("test")
	v, err := caller.do(context.Background(), "key", 0, func(ctx context.Context, key string) (string, error) {
		return "", errTest
	})

	require.Equal(t, errTest, err)
	require.Equal(t, "", v)
}

func TestLockedCallerDoDeduplicated(t *testing.T) {
	caller := newLockedCaller[string, string]()

	ch := make(chan string)
	var callCount int32
	fn := func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&callCount, 1)
		return <-ch, nil
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := caller.do(context.Background(), "key", 0, fn)
			require.NoError(t, err)
			require.Equal(t, "foo", v)
		}()
	}

	time.Sleep(50 * time.Millisecond) // let goroutines block on caller.do
	ch <- "foo"
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&callCount))
}

func TestLoaderGetCoalescesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	var calls int32
	loader := NewLoader(LoaderConfig[string, string]{
		Cache: c,
		Fn: func(ctx context.Context, key string) (string, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(20 * time.Millisecond)
			return "loaded:" + key, nil
		},
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := loader.Get(context.Background(), "shared")
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.Equal(t, "loaded:shared", v)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoaderGetHitsCacheOnSecondCall(t *testing.T) {
	c := newTestCache(t)
	var calls int32
	loader := NewLoader(LoaderConfig[string, string]{
		Cache: c,
		Fn: func(ctx context.Context, key string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "v", nil
		},
	})

	_, err := loader.Get(context.Background(), "key")
	require.NoError(t, err)
	c.Wait()

	_, err = loader.Get(context.Background(), "key")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoaderGetPropagatesError(t *testing.T) {
	c := newTestCache(t)
	wantErr := errors.New("backend down")
	loader := NewLoader(LoaderConfig[string, string]{
		Cache: c,
		Fn: func(ctx context.Context, key string) (string, error) {
			return "", wantErr
		},
	})

	_, err := loader.Get(context.Background(), "key")
	require.Equal(t, wantErr, err)
}
