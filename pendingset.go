// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package irqpipe

import (
	"math/bits"
	"sync/atomic"
)

// bitmap is a fixed-size set of IRQ numbers where each individual bit can be
// set, cleared, and tested atomically. Interrupt contexts and IRQ threads
// manipulate bitmaps concurrently without further locking.
type bitmap struct {
	words []atomic.Uint64
}

func newBitmap(n int) bitmap {
	return bitmap{words: make([]atomic.Uint64, (n+63)/64)}
}

func bitpos(irq IRQ) (word int, mask uint64) {
	return int(irq / 64), 1 << (irq % 64)
}

// set sets the bit for irq, returning the bit's previous state.
func (b *bitmap) set(irq IRQ) (was bool) {
	w, m := bitpos(irq)
	return b.words[w].Or(m)&m != 0
}

// testAndClear clears the bit for irq, returning true only if it was set.
// When multiple contexts race for the same bit, exactly one wins.
func (b *bitmap) testAndClear(irq IRQ) bool {
	w, m := bitpos(irq)
	return b.words[w].And(^m)&m != 0
}

func (b *bitmap) isSet(irq IRQ) bool {
	w, m := bitpos(irq)
	return b.words[w].Load()&m != 0
}

func (b *bitmap) any() bool {
	for idx := range b.words {
		if b.words[idx].Load() != 0 {
			return true
		}
	}
	return false
}

// first returns the lowest set bit, if any. Servicing pending IRQs lowest
// number first keeps the order deterministic.
func (b *bitmap) first() (IRQ, bool) {
	for idx := range b.words {
		if w := b.words[idx].Load(); w != 0 {
			return IRQ(idx*64 + bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

// firstFrom returns the lowest set bit at or above from, if any.
func (b *bitmap) firstFrom(from IRQ) (IRQ, bool) {
	idx, _ := bitpos(from)
	if idx >= len(b.words) {
		return 0, false
	}
	if w := b.words[idx].Load() &^ (1<<(from%64) - 1); w != 0 {
		return IRQ(idx*64 + bits.TrailingZeros64(w)), true
	}
	for idx++; idx < len(b.words); idx++ {
		if w := b.words[idx].Load(); w != 0 {
			return IRQ(idx*64 + bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

func (b *bitmap) reset() {
	for idx := range b.words {
		b.words[idx].Store(0)
	}
}

// Per-domain status bits.
const (
	stallBit uint32 = 1 << iota
)

// cpuDomain is the pending-set of a single domain on a single processor:
// the IRQs logged as pending for the domain, the domain's stall bit, and the
// per-IRQ counters of handler invocations.
type cpuDomain struct {
	status  atomic.Uint32
	pending bitmap
	hits    []atomic.Uint64
}

func newCPUDomain(nirqs int) cpuDomain {
	return cpuDomain{
		pending: newBitmap(nirqs),
		hits:    make([]atomic.Uint64, nirqs),
	}
}

func (cd *cpuDomain) stalled() bool { return cd.status.Load()&stallBit != 0 }

// testAndStall sets the stall bit, returning its previous state.
func (cd *cpuDomain) testAndStall() bool { return cd.status.Or(stallBit)&stallBit != 0 }

// testAndUnstall clears the stall bit, returning its previous state.
func (cd *cpuDomain) testAndUnstall() bool { return cd.status.And(^stallBit)&stallBit != 0 }

// reset clears the pending-set when a domain slot gets (re)used.
func (cd *cpuDomain) reset() {
	cd.status.Store(0)
	cd.pending.reset()
	for idx := range cd.hits {
		cd.hits[idx].Store(0)
	}
}
