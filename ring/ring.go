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

// Package ring implements the striped, lossy ring buffer used to absorb Get
// traffic without making readers contend on the policy goroutine (spec
// §4.E). This is the "batching" process described in the BP-Wrapper paper,
// section III part A, which the teacher library cites for the same
// structure.
package ring

import (
	"sync"
	"sync/atomic"
)

// seedCounter hands out distinct starting points for each pooled xorshift
// seed so that concurrent goroutines pulling fresh seeds from the pool
// don't all start the same "random" walk.
var seedCounter uint64

// Consumer receives drained batches of key hashes.
type Consumer interface {
	Push(batch []uint64)
}

// Buffer is a collection of independent stripes. Pushes pick a stripe via a
// cheap, goroutine-approximate identifier (a pooled counter, in lieu of a
// true thread-local) so that concurrent callers rarely contend on the same
// stripe; when a stripe fills, it's drained and handed to the Consumer via
// a non-blocking attempt, and if the consumer is behind, the batch is
// simply dropped. Advisory admission hints are allowed to be lossy, so
// dropping is the correct behavior, not a bug.
type Buffer struct {
	stripes []*stripe
	mask    uint64
	seeds   sync.Pool
	onDrop  func(n int)
}

// Config controls the shape of a Buffer.
type Config struct {
	// Consumer receives each drained batch.
	Consumer Consumer
	// Stripes is the number of independent stripes; rounded up to a power
	// of two. Typically next-power-of-two of GOMAXPROCS.
	Stripes int
	// Capacity is the number of hashes a stripe holds before it drains.
	Capacity int
	// OnDrop, if non-nil, is called with 1 for each hash that Push drops
	// because every stripe was busy. Batches handed to the Consumer are not
	// reported here, whatever the Consumer does with them.
	OnDrop func(n int)
}

func NewBuffer(cfg *Config) *Buffer {
	stripes := nextPow2(cfg.Stripes)
	if stripes == 0 {
		stripes = 1
	}
	b := &Buffer{
		stripes: make([]*stripe, stripes),
		mask:    uint64(stripes - 1),
		onDrop:  cfg.OnDrop,
	}
	for i := range b.stripes {
		b.stripes[i] = newStripe(cfg.Capacity, cfg.Consumer)
	}
	b.seeds = sync.Pool{New: func() interface{} {
		seed := new(uint64)
		*seed = atomic.AddUint64(&seedCounter, 0x9E3779B97F4A7C15) | 1
		return seed
	}}
	return b
}

// Push appends h to one of the buffer's stripes, draining that stripe (and
// handing the batch to the Consumer) if it becomes full.
func (b *Buffer) Push(h uint64) {
	seedp := b.seeds.Get().(*uint64)
	// xorshift64: cheap, good enough for stripe selection, not a security
	// primitive.
	s := *seedp
	s ^= s << 13
	s ^= s >> 7
	s ^= s << 17
	*seedp = s
	b.seeds.Put(seedp)

	idx := s & b.mask
	for i := uint64(0); i < uint64(len(b.stripes)); i++ {
		st := b.stripes[(idx+i)&b.mask]
		if atomic.CompareAndSwapInt32(&st.busy, 0, 1) {
			st.push(h, b.onDrop)
			atomic.StoreInt32(&st.busy, 0)
			return
		}
	}
	// Every stripe was momentarily busy; rather than spin, just drop this
	// one hint. Gets are never allowed to block on the ring.
	if b.onDrop != nil {
		b.onDrop(1)
	}
}

type stripe struct {
	consumer Consumer
	data     []uint64
	head     int
	busy     int32
}

func newStripe(capacity int, consumer Consumer) *stripe {
	if capacity <= 0 {
		capacity = 64
	}
	return &stripe{
		consumer: consumer,
		data:     make([]uint64, capacity),
	}
}

func (s *stripe) push(h uint64, onDrop func(int)) {
	s.data[s.head] = h
	s.head++
	if s.head < len(s.data) {
		return
	}
	batch := make([]uint64, len(s.data))
	copy(batch, s.data)
	s.head = 0
	if s.consumer == nil {
		return
	}
	s.consumer.Push(batch)
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}
