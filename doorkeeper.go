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

import "math"

// bloomFilter is a simple Bloom filter used as the doorkeeper described in
// the TinyLFU paper, section 3.4.2. It does not use an external hash.Hash64
// like the teacher's filter.go did; instead it derives its k probe
// positions directly from the already-computed 64-bit key hash by
// splitting it into two halves and combining them (Kirsch-Mitzenmacher
// double hashing), which avoids re-hashing the key k times.
type bloomFilter struct {
	data []uint64 // bitset, 64 bits per word
	bits uint64   // total number of bits, power of two
	locs uint64   // number of probe positions per key
}

// newBloomFilter builds a filter sized for numKeys expected items at the
// given false-positive rate (e.g. 0.01 for 1%).
func newBloomFilter(numKeys int64, falsePositiveRate float64) *bloomFilter {
	if numKeys <= 0 {
		numKeys = 1
	}
	m := -1 * float64(numKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	bits := next2Power(uint64(math.Ceil(m)))
	if bits < 64 {
		bits = 64
	}
	locs := uint64(math.Ceil(math.Ln2 * m / float64(numKeys)))
	if locs < 1 {
		locs = 1
	}
	return &bloomFilter{
		data: make([]uint64, bits/64),
		bits: bits,
		locs: locs,
	}
}

// has reports whether h was (probably) already added.
func (f *bloomFilter) has(h uint64) bool {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint64(0); i < f.locs; i++ {
		bit := (uint64(h1) + uint64(i)*uint64(h2)) & (f.bits - 1)
		if f.data[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// addIfNotHas sets h's bits and returns true if h was new, false if it was
// already present (in which case nothing changes).
func (f *bloomFilter) addIfNotHas(h uint64) bool {
	if f.has(h) {
		return false
	}
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint64(0); i < f.locs; i++ {
		bit := (uint64(h1) + uint64(i)*uint64(h2)) & (f.bits - 1)
		f.data[bit/64] |= 1 << (bit % 64)
	}
	return true
}

// clear zeros every bit.
func (f *bloomFilter) clear() {
	for i := range f.data {
		f.data[i] = 0
	}
}

// doorkeeper wraps a bloomFilter to implement the TinyLFU "one-hit-wonder"
// gate from spec §4.B: a key's first appearance is only recorded here, and
// only contributes to the frequency sketch starting on its second
// appearance. This keeps items seen exactly once from ever occupying CM4
// counter capacity.
type doorkeeper struct {
	filter *bloomFilter
}

func newDoorkeeper(numCounters int64) *doorkeeper {
	return &doorkeeper{filter: newBloomFilter(numCounters, 0.01)}
}

// allow returns true if h had been seen before (i.e. it's already in the
// filter), inserting it as a side effect on the first call regardless of
// the return value.
func (d *doorkeeper) allow(h uint64) bool {
	return !d.filter.addIfNotHas(h)
}

func (d *doorkeeper) reset() {
	d.filter.clear()
}
