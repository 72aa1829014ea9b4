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

func TestCmSketchIncrementEstimate(t *testing.T) {
	s := newCmSketch(16)
	require.Equal(t, uint8(0), s.Estimate(1))

	s.Increment(1)
	require.Equal(t, uint8(1), s.Estimate(1))

	for i := 0; i < 20; i++ {
		s.Increment(1)
	}
	// Counters saturate at 15.
	require.Equal(t, uint8(15), s.Estimate(1))
}

func TestCmSketchDistinctKeysDontInterfere(t *testing.T) {
	s := newCmSketch(256)
	for i := 0; i < 5; i++ {
		s.Increment(1)
	}
	require.Equal(t, uint8(0), s.Estimate(2))
	require.Equal(t, uint8(5), s.Estimate(1))
}

func TestCmSketchReset(t *testing.T) {
	s := newCmSketch(16)
	for i := 0; i < 10; i++ {
		s.Increment(1)
	}
	before := s.Estimate(1)
	s.Reset()
	after := s.Estimate(1)
	require.True(t, after <= before/2+1)
}

func TestCmSketchClear(t *testing.T) {
	s := newCmSketch(16)
	for i := 0; i < 10; i++ {
		s.Increment(uint64(i))
	}
	s.Clear()
	for i := 0; i < 10; i++ {
		require.Equal(t, uint8(0), s.Estimate(uint64(i)))
	}
}

func TestNext2Power(t *testing.T) {
	cases := map[uint64]uint64{
		1:  1,
		2:  2,
		3:  4,
		5:  8,
		16: 16,
		17: 32,
	}
	for in, want := range cases {
		require.Equal(t, want, next2Power(in))
	}
}
