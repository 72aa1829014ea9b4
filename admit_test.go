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

	"github.com/stretchr/testify/require"
)

func TestTinyLFUEstimateGrows(t *testing.T) {
	a := newTinyLFU(1000)
	require.Equal(t, int64(0), a.Estimate(1))

	a.Increment(1) // first sighting: gated by doorkeeper, sketch untouched
	require.Equal(t, int64(1), a.Estimate(1))

	a.Increment(1) // second sighting: now counted in both doorkeeper and sketch
	require.Equal(t, int64(2), a.Estimate(1))
}

func TestTinyLFUAdmitPrefersHigherFrequency(t *testing.T) {
	a := newTinyLFU(1000)
	for i := 0; i < 5; i++ {
		a.Increment(1) // candidate: frequently accessed
	}
	a.Increment(2) // victim: accessed once

	require.True(t, a.admit(1, 2))
	require.False(t, a.admit(2, 1))
}

func TestTinyLFUAdmitTiesGoToIncumbent(t *testing.T) {
	a := newTinyLFU(1000)
	a.Increment(1)
	a.Increment(2)
	// Equal estimates: candidate must strictly beat the victim.
	require.False(t, a.admit(1, 2))
}

func TestTinyLFUResetHalvesSketch(t *testing.T) {
	a := newTinyLFU(4) // resetAt = numCounters*10 = 40
	for i := 0; i < 20; i++ {
		a.Increment(1)
	}
	require.Less(t, a.samples, a.resetAt)
	before := a.Estimate(1)

	// Drive samples up to exactly resetAt with a bounded number of calls,
	// so reset fires exactly once.
	remaining := a.resetAt - a.samples
	for i := int64(0); i < remaining; i++ {
		a.Increment(1)
	}
	require.Equal(t, int64(0), a.samples)
	// reset halves the sketch, so the estimate right after must not
	// exceed what it was before (it should have dropped).
	require.LessOrEqual(t, a.Estimate(1), before)
}

func TestTinyLFUClear(t *testing.T) {
	a := newTinyLFU(1000)
	a.Increment(5)
	a.Increment(5)
	require.NotEqual(t, int64(0), a.Estimate(5))
	a.clear()
	require.Equal(t, int64(0), a.Estimate(5))
}
