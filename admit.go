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

// tinyLFU composes a doorkeeper and a count-min sketch into the admission
// filter described in spec §4.C. It has no internal locking of its own:
// every access goes through lfuPolicy, which holds its mutex around each
// call, whether it comes from lfuPolicy's batch-draining goroutine, from the
// cache's processItems goroutine (Add), or from Clear.
type tinyLFU struct {
	door    *doorkeeper
	sketch  *cmSketch
	samples int64
	resetAt int64
}

func newTinyLFU(numCounters int64) *tinyLFU {
	return &tinyLFU{
		door:    newDoorkeeper(numCounters),
		sketch:  newCmSketch(numCounters),
		resetAt: numCounters * 10,
	}
}

// Estimate returns the admitter's best guess at h's recent access
// frequency: the doorkeeper contributes the low-order "seen at least once"
// bit, and the sketch contributes the rest.
func (p *tinyLFU) Estimate(h uint64) int64 {
	est := int64(p.sketch.Estimate(h))
	if p.door.filter.has(h) {
		est++
	}
	return est
}

// Increment records one more access to h: the doorkeeper gates whether the
// sketch even sees it, so one-hit-wonders never consume sketch capacity.
func (p *tinyLFU) Increment(h uint64) {
	if p.door.allow(h) {
		p.sketch.Increment(h)
	}
	p.samples++
	if p.samples >= p.resetAt {
		p.reset()
	}
}

// Push is the ring.Consumer entrypoint: a drained batch of recently read
// key hashes is handed here in one call so the admitter only pays lock/
// dispatch overhead once per batch rather than once per read.
func (p *tinyLFU) Push(keys []uint64) {
	for _, h := range keys {
		p.Increment(h)
	}
}

// reset halves the sketch and clears the doorkeeper: TinyLFU's freshness
// mechanism, keeping long-lived caches responsive to new access patterns
// instead of letting early-saturated counters dominate forever.
func (p *tinyLFU) reset() {
	p.sketch.Reset()
	p.door.reset()
	p.samples = 0
}

// clear fully zeros the admitter, used by Cache.Clear.
func (p *tinyLFU) clear() {
	p.sketch.Clear()
	p.door.reset()
	p.samples = 0
}

// admit is the core TinyLFU admission inequality from spec §4.C: the
// candidate is only preferred over the sampled victim if it strictly beats
// the victim's estimated frequency. Ties go to the incumbent.
func (p *tinyLFU) admit(candidate, victim uint64) bool {
	return p.Estimate(candidate) > p.Estimate(victim)
}
