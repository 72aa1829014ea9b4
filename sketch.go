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

// cmSketch is a Count-Min sketch with 4-bit saturating counters, heavily
// based on Damian Gryski's CM4 (https://github.com/dgryski/go-tinylfu/blob/master/cm4.go),
// generalized here to cmDepth independent rows so that a single bad row
// (hash collision cluster) can't dominate the estimate.
type cmSketch struct {
	rows [cmDepth]cmRow
	seed [cmDepth]uint64
	mask uint64
}

const (
	// cmDepth is the number of independent counter rows. 4 rows is the
	// classic TinyLFU configuration: enough independence to keep collision
	// noise low without the memory cost of going much higher.
	cmDepth = 4
)

// newCmSketch builds a sketch sized for numCounters expected keys. The
// width is rounded up to a power of two so that column indexing is a
// bitmask rather than a modulo.
func newCmSketch(numCounters int64) *cmSketch {
	if numCounters <= 0 {
		panic("cmSketch: bad numCounters")
	}
	width := next2Power(uint64(numCounters))
	s := &cmSketch{mask: width - 1}
	for i := 0; i < cmDepth; i++ {
		s.rows[i] = newCmRow(width)
		// Each row gets an independent odd multiplier so that rows don't
		// all collide on the same keys. The seeds themselves don't need
		// to be secret, just distinct per row.
		s.seed[i] = rowSeeds[i]
	}
	return s
}

// rowSeeds are fixed, independent odd constants used to decorrelate the
// cmDepth rows via multiply-and-shift hashing. Using fixed constants
// (rather than a random seed per process) keeps the sketch's behavior
// reproducible across runs, which matters for the property tests in
// sketch_test.go.
var rowSeeds = [cmDepth]uint64{
	0x9E3779B97F4A7C15,
	0xC2B2AE3D27D4EB4F,
	0x165667B19E3779F9,
	0x27220A95A1B1A4B3,
}

// index mixes the key hash with the row's seed via multiply-and-shift and
// masks down to a column in [0, width).
func (s *cmSketch) index(row int, h uint64) uint64 {
	h *= s.seed[row]
	h ^= h >> 29
	return h & s.mask
}

// Increment bumps the counter for h in every row, saturating at 15.
func (s *cmSketch) Increment(h uint64) {
	for i := range s.rows {
		s.rows[i].increment(s.index(i, h))
	}
}

// Estimate returns the minimum counter value for h across all rows, which
// is the Count-Min sketch's standard (one-sided, never-under) frequency
// estimate.
func (s *cmSketch) Estimate(h uint64) uint8 {
	min := uint8(15)
	for i := range s.rows {
		if v := s.rows[i].get(s.index(i, h)); v < min {
			min = v
		}
	}
	return min
}

// Reset halves every counter (logical right shift of each nibble). This is
// TinyLFU's "freshness" mechanism: periodically halving keeps the sketch
// responsive to shifts in the access distribution instead of saturating
// and flattening all estimates together.
func (s *cmSketch) Reset() {
	for i := range s.rows {
		s.rows[i].reset()
	}
}

// Clear zeros every counter.
func (s *cmSketch) Clear() {
	for i := range s.rows {
		s.rows[i].clear()
	}
}

// cmRow packs two 4-bit counters per byte.
type cmRow []byte

func newCmRow(width uint64) cmRow {
	return make(cmRow, width/2)
}

func (r cmRow) get(n uint64) uint8 {
	return uint8(r[n/2]>>((n&1)*4)) & 0x0f
}

func (r cmRow) increment(n uint64) {
	i := n / 2
	shift := (n & 1) * 4
	v := (r[i] >> shift) & 0x0f
	// Saturate at 15 rather than wrapping: an overflowed counter that
	// wraps to 0 would make a hot key look cold, which is worse for LFU
	// ordering than simply refusing to count higher.
	if v < 15 {
		r[i] += 1 << shift
	}
}

func (r cmRow) reset() {
	for i := range r {
		r[i] = (r[i] >> 1) & 0x77
	}
}

func (r cmRow) clear() {
	for i := range r {
		r[i] = 0
	}
}

// next2Power rounds x up to the next power of two (x itself if already one).
func next2Power(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}
