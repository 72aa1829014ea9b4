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
	"sync"
)

const (
	// lfuSampleSize is the number of eviction candidates sampled per
	// admit decision. 5 is the value the TinyLFU literature and the
	// teacher library settle on: large enough that the sampled minimum
	// tracks the true minimum closely, small enough that Add stays O(1).
	lfuSampleSize = 5
)

// policyPair is one sampled eviction candidate.
type policyPair struct {
	key  uint64
	cost int64
}

// sampledLFU is the cost ledger behind spec §4.D: it tracks per-key cost,
// the running total, and can produce a random sample of candidate keys for
// eviction. It has no admission logic of its own — lfuPolicy supplies that
// by consulting the tinyLFU admitter.
type sampledLFU struct {
	keyCosts map[uint64]int64
	maxCost  int64
	used     int64
}

func newSampledLFU(maxCost int64) *sampledLFU {
	return &sampledLFU{
		keyCosts: make(map[uint64]int64),
		maxCost:  maxCost,
	}
}

func (s *sampledLFU) getMaxCost() int64 { return s.maxCost }

func (s *sampledLFU) updateMaxCost(maxCost int64) {
	if maxCost < 1 {
		return
	}
	s.maxCost = maxCost
}

// roomLeft returns how much of the budget would remain after adding cost;
// negative means cost doesn't fit without evicting first.
func (s *sampledLFU) roomLeft(cost int64) int64 {
	return s.maxCost - (s.used + cost)
}

// updateIfHas bumps the cost of an already-resident key in place and
// reports whether the key was present. Per spec §4.D.2, this path never
// goes through admission.
func (s *sampledLFU) updateIfHas(key uint64, cost int64) bool {
	prev, ok := s.keyCosts[key]
	if !ok {
		return false
	}
	s.used += cost - prev
	s.keyCosts[key] = cost
	return true
}

func (s *sampledLFU) add(key uint64, cost int64) {
	s.keyCosts[key] = cost
	s.used += cost
}

func (s *sampledLFU) del(key uint64) {
	if cost, ok := s.keyCosts[key]; ok {
		s.used -= cost
		delete(s.keyCosts, key)
	}
}

func (s *sampledLFU) clear() {
	s.keyCosts = make(map[uint64]int64)
	s.used = 0
}

// sample returns up to n distinct (key, cost) pairs drawn from the cost
// ledger, leaving out zero-cost entries (evicting one frees no budget).
// Go's map iteration order is already randomized per-run, so a
// single range-and-stop gives a fair random sample without extra
// bookkeeping.
func (s *sampledLFU) sample(n int) []policyPair {
	out := make([]policyPair, 0, n)
	for key, cost := range s.keyCosts {
		if len(out) >= n {
			break
		}
		if cost == 0 {
			continue
		}
		out = append(out, policyPair{key: key, cost: cost})
	}
	return out
}

// fillSample tops up in with fresh candidates (not already present, and not
// zero-cost) until it reaches n or the ledger is exhausted.
func (s *sampledLFU) fillSample(in []policyPair, n int) []policyPair {
	if len(in) >= n {
		return in
	}
	has := make(map[uint64]struct{}, len(in))
	for _, p := range in {
		has[p.key] = struct{}{}
	}
	for key, cost := range s.keyCosts {
		if len(in) >= n {
			break
		}
		if _, skip := has[key]; skip || cost == 0 {
			continue
		}
		in = append(in, policyPair{key: key, cost: cost})
	}
	return in
}

// lfuPolicy is the worker-owned combination of the TinyLFU admitter (C) and
// the sampled-LFU cost ledger (D), implementing the Add operation from spec
// §4.D including its admission pre-pass (§4.D.3c). It is also the
// ring.Consumer that receives drained Get batches (spec §4.E) and forwards
// them into the admitter.
type lfuPolicy struct {
	sync.Mutex
	admit      *tinyLFU
	costs      *sampledLFU
	metrics    *Metrics
	itemsCh    chan []uint64
	stop       chan struct{}
	isClosed   bool
	sampleSize int
}

func newPolicy(numCounters, maxCost int64) *lfuPolicy {
	p := &lfuPolicy{
		admit:      newTinyLFU(numCounters),
		costs:      newSampledLFU(maxCost),
		itemsCh:    make(chan []uint64, 3),
		stop:       make(chan struct{}),
		sampleSize: lfuSampleSize,
	}
	go p.processItems()
	return p
}

// CollectMetrics wires a Metrics instance for both cost and admission
// bookkeeping.
func (p *lfuPolicy) CollectMetrics(metrics *Metrics) {
	p.metrics = metrics
}

// processItems drains batches handed over by the ring buffer into the
// admitter, holding the policy lock for each batch.
func (p *lfuPolicy) processItems() {
	for {
		select {
		case items := <-p.itemsCh:
			p.Lock()
			p.admit.Push(items)
			p.Unlock()
		case <-p.stop:
			return
		}
	}
}

// Push implements ring.Consumer: a drained batch of read key-hashes is
// forwarded to the policy worker via a non-blocking send, dropped (and
// counted) if the worker is behind. This is spec §4.E's backpressure rule.
func (p *lfuPolicy) Push(keys []uint64) {
	if p.isClosed || len(keys) == 0 {
		return
	}
	select {
	case p.itemsCh <- keys:
		p.metrics.add(keepGets, keys[0], uint64(len(keys)))
	default:
		p.metrics.add(dropGets, keys[0], uint64(len(keys)))
	}
}

// Add attempts to admit (key, cost), returning the victims evicted to make
// room (if any) and whether the candidate was accepted. This is the full
// operation from spec §4.D: update-in-place bypasses admission; a
// candidate that fits without eviction is always admitted; otherwise a
// single pre-pass samples the worst candidate victim and only proceeds if
// the incoming key's estimated frequency beats it, so an item is never
// evicted only to immediately lose to a weaker newcomer.
func (p *lfuPolicy) Add(key uint64, cost int64) ([]*Item, bool) {
	p.Lock()
	defer p.Unlock()

	if cost > p.costs.getMaxCost() {
		return nil, false
	}
	if p.costs.updateIfHas(key, cost) {
		return nil, false
	}
	if room := p.costs.roomLeft(cost); room >= 0 {
		p.costs.add(key, cost)
		p.metrics.add(costAdd, key, uint64(cost))
		return nil, true
	}

	sample := p.costs.sample(p.sampleSize)
	if len(sample) == 0 {
		// Nothing to evict and the candidate still doesn't fit: reject.
		return nil, false
	}
	firstVictim := minEstimate(sample, p.admit)
	if !p.admit.admit(key, firstVictim.key) {
		p.metrics.add(rejectSets, key, 1)
		return nil, false
	}

	victims := make([]*Item, 0)
	for room := p.costs.roomLeft(cost); room < 0; room = p.costs.roomLeft(cost) {
		sample = p.costs.fillSample(sample, p.sampleSize)
		if len(sample) == 0 {
			break
		}
		v := minEstimate(sample, p.admit)
		p.costs.del(v.key)
		sample = removeFromSample(sample, v.key)
		victims = append(victims, &Item{Key: v.key, Cost: v.cost})
		p.metrics.add(costEvict, v.key, uint64(v.cost))
		p.metrics.add(keyEvict, v.key, 1)
	}

	p.costs.add(key, cost)
	p.metrics.add(costAdd, key, uint64(cost))
	return victims, true
}

// minEstimate picks the sampled pair with the lowest admitter estimate,
// breaking ties by the smaller cost (evict the cheapest of equally-cold
// candidates) and finally by iteration order.
func minEstimate(sample []policyPair, admit *tinyLFU) policyPair {
	min := sample[0]
	minEst := admit.Estimate(min.key)
	for _, p := range sample[1:] {
		est := admit.Estimate(p.key)
		if est < minEst || (est == minEst && p.cost < min.cost) {
			min, minEst = p, est
		}
	}
	return min
}

func removeFromSample(sample []policyPair, key uint64) []policyPair {
	for i, p := range sample {
		if p.key == key {
			sample[i] = sample[len(sample)-1]
			return sample[:len(sample)-1]
		}
	}
	return sample
}

func (p *lfuPolicy) Has(key uint64) bool {
	p.Lock()
	_, ok := p.costs.keyCosts[key]
	p.Unlock()
	return ok
}

func (p *lfuPolicy) Del(key uint64) {
	p.Lock()
	p.costs.del(key)
	p.Unlock()
}

func (p *lfuPolicy) Cap() int64 {
	p.Lock()
	defer p.Unlock()
	return p.costs.getMaxCost() - p.costs.used
}

// Update bumps an existing key's cost; a no-op if the key isn't resident
// (the façade already guards SetIfPresent against that case).
func (p *lfuPolicy) Update(key uint64, cost int64) {
	p.Lock()
	p.costs.updateIfHas(key, cost)
	p.Unlock()
}

func (p *lfuPolicy) Clear() {
	p.Lock()
	// Drop read batches still queued for processItems so they are never
	// applied to the freshly cleared admitter.
drain:
	for {
		select {
		case _, ok := <-p.itemsCh:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
	p.admit.clear()
	p.costs.clear()
	p.Unlock()
}

func (p *lfuPolicy) Close() {
	if p.isClosed {
		return
	}
	p.stop <- struct{}{}
	close(p.stop)
	close(p.itemsCh)
	p.isClosed = true
}

func (p *lfuPolicy) MaxCost() int64 {
	if p == nil {
		return 0
	}
	p.Lock()
	defer p.Unlock()
	return p.costs.getMaxCost()
}

func (p *lfuPolicy) UpdateMaxCost(maxCost int64) {
	if p == nil {
		return
	}
	p.Lock()
	p.costs.updateMaxCost(maxCost)
	p.Unlock()
}
