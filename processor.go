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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	maxCPUs    = 256
	maxDomains = 8
)

// Processor is the per-processor context of a [Pipeline]: it holds the
// processor's hardware interrupt mask, its current domain, the pending-sets
// of all domains as seen on this processor, and the bookkeeping of the IRQ
// threads it serves.
//
// Dispatching on a processor is owned by a single goroutine at a time, plus
// the delivery loop started by [Processor.Run] (see [Processor.HandleIRQ]).
// Other goroutines may only trigger, stall, or unstall from within handlers
// dispatched on this processor: a [Processor.TriggerIRQ] from an unrelated
// goroutine while a handler runs unmasked may otherwise play a lower stage
// while the handler of a higher stage is still running.
type Processor struct {
	id int
	pl *Pipeline

	// hw is held while hardware interrupts are masked on this processor.
	hw sync.Mutex

	current atomic.Pointer[Domain]
	doms    [maxDomains]cpuDomain
	nesting atomic.Int32
	// framecond signals the end of a dispatch frame to the interrupted
	// frames waiting to mask hardware interrupts again; see remaskHW.
	framecond sync.Cond

	// IRQ thread pending mask and per-class counters, guarded by hw.
	thrmask  uint64
	thrcount [NrPrioClasses]int
	thrcond  sync.Cond

	// irr latches raised hardware IRQs until the delivery loop takes them.
	irr        bitmap
	irrsig     chan struct{}
	delivering atomic.Bool // a delivery is on its way to take the mask.
	rawStalled atomic.Bool
}

// Regs is the register frame of the context interrupted by a hardware IRQ. A
// nil frame denotes a software-triggered IRQ.
type Regs struct {
	CPU         int     // processor taking the IRQ.
	Interrupted *Domain // domain that was current when the IRQ was taken.
}

func newProcessor(pl *Pipeline, id int) *Processor {
	p := &Processor{
		id:     id,
		pl:     pl,
		irr:    newBitmap(pl.nhwirqs),
		irrsig: make(chan struct{}, 1),
	}
	p.thrcond.L = &p.hw
	p.framecond.L = &p.hw
	for slot := range p.doms {
		p.doms[slot] = newCPUDomain(pl.nirqs)
	}
	p.current.Store(pl.root)
	return p
}

// ID returns the processor number.
func (p *Processor) ID() int { return p.id }

// Current returns the domain currently running on this processor.
func (p *Processor) Current() *Domain { return p.current.Load() }

func (p *Processor) dom(d *Domain) *cpuDomain { return &p.doms[d.slot] }

// maskHW masks hardware interrupts on this processor, waiting for any other
// context to unmask them first.
func (p *Processor) maskHW() { p.hw.Lock() }

// unmaskHW unmasks hardware interrupts and lets the delivery loop take any
// IRQs that were raised in the meantime.
func (p *Processor) unmaskHW() {
	p.hw.Unlock()
	if p.irr.any() {
		p.poke()
	}
}

// remaskHW masks hardware interrupts again after a handler of the dispatch
// frame at the specified nesting depth returned. Any frames nested on top in
// the meantime, such as deliveries preempting the handler, complete first.
func (p *Processor) remaskHW(depth int32) {
	p.hw.Lock()
	for p.nesting.Load() > depth {
		p.framecond.Wait()
	}
}

func (p *Processor) poke() {
	select {
	case p.irrsig <- struct{}{}:
	default:
	}
}

// LocalIRQSaveHW masks hardware interrupt delivery on this processor and
// returns the state to be restored by [Processor.LocalIRQRestoreHW]. Masking
// is not recursive: a context that already masked hardware interrupts on
// this processor must not mask them again.
func (p *Processor) LocalIRQSaveHW() Flags {
	p.maskHW()
	return Flags{cpu: p}
}

// LocalIRQRestoreHW restores the hardware interrupt state saved by
// [Processor.LocalIRQSaveHW].
func (p *Processor) LocalIRQRestoreHW(f Flags) { f.restore() }

// Raise signals an occurrence of the specified hardware IRQ to this
// processor. The occurrence gets latched until the delivery loop (see
// [Processor.Run]) takes it; multiple occurrences of the same IRQ before it
// is taken coalesce, just as with a physical interrupt request line.
func (p *Processor) Raise(irq IRQ) error {
	if int(irq) >= p.pl.nhwirqs {
		return fmt.Errorf("cannot raise IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	p.irr.set(irq)
	p.poke()
	return nil
}

// Run takes raised hardware IRQs and dispatches them through the pipeline
// until the context gets cancelled. Each delivery runs in a go routine of its
// own that takes the processor's hardware interrupt mask as soon as it gets
// unmasked, so IRQs for domains of higher priority preempt the handler
// currently running. Deliveries in progress complete before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	log := p.pl.log.WithValues("cpu", p.id)
	log.V(1).Info("IRQ delivery started")
	defer log.V(1).Info("IRQ delivery stopped")
	var deliveries sync.WaitGroup
	defer deliveries.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.irrsig:
			// A delivery still waiting for the mask picks up this IRQ, too.
			if !p.delivering.CompareAndSwap(false, true) {
				continue
			}
			deliveries.Add(1)
			go func() {
				defer deliveries.Done()
				p.deliver()
			}()
		}
	}
}

// deliver dispatches all latched hardware IRQs that are currently
// deliverable. IRQs held back by a raw-stalled root remain latched until the
// next unmasking pokes the delivery loop again.
func (p *Processor) deliver() {
	p.maskHW()
	p.delivering.Store(false)
	for irq, ok := p.irr.first(); ok; irq, ok = p.irr.firstFrom(irq + 1) {
		if p.deliverable(irq) && p.irr.testAndClear(irq) {
			p.HandleIRQ(irq, &Regs{CPU: p.id, Interrupted: p.current.Load()})
		}
	}
	p.hw.Unlock()
}

// deliverable returns true if the IRQ's priority class isn't masked.
// Hardware interrupts must be masked.
func (p *Processor) deliverable(irq IRQ) bool {
	if !p.rawStalled.Load() {
		return true
	}
	return p.pl.lvmask.Load()&(1<<p.pl.descs[irq].Prio) != 0
}

// Stall stalls the domain on this processor: IRQs for this domain still get
// logged as pending, but the domain's handlers don't get called until the
// domain is unstalled again.
func (p *Processor) Stall(d *Domain) { p.dom(d).testAndStall() }

// TestAndStall stalls the domain on this processor, returning whether it was
// already stalled before.
func (p *Processor) TestAndStall(d *Domain) bool { return p.dom(d).testAndStall() }

// Stalled returns true if the domain is stalled on this processor.
func (p *Processor) Stalled(d *Domain) bool { return p.dom(d).stalled() }

// Unstall unstalls the domain on this processor and then immediately plays
// any IRQs that got logged as pending in the meantime, as long as the domain
// is not of lower priority than the current domain. Hardware interrupts
// must not be masked by the caller.
func (p *Processor) Unstall(d *Domain) {
	p.maskHW()
	p.unstall(d)
	p.unmaskHW()
}

// unstall unstalls d and synchronizes it; hardware interrupts must be
// masked.
func (p *Processor) unstall(d *Domain) {
	cd := p.dom(d)
	cd.testAndUnstall()
	if d.gone.Load() || !cd.pending.any() {
		return
	}
	stages := p.pl.stages()
	idx := indexOf(stages, d)
	if idx < 0 {
		return
	}
	p.walk(stages, idx, p.bound(stages))
}

// Pending returns true if the IRQ is logged as pending for the domain on this
// processor.
func (p *Processor) Pending(d *Domain, irq IRQ) bool {
	if int(irq) >= p.pl.nirqs {
		return false
	}
	return p.dom(d).pending.isSet(irq)
}

// Hits returns how often the domain's handler got called for the specified
// IRQ on this processor.
func (p *Processor) Hits(d *Domain, irq IRQ) uint64 {
	if int(irq) >= p.pl.nirqs {
		return 0
	}
	return p.dom(d).hits[irq].Load()
}

// StallRootRaw stalls the root domain while additionally holding back all
// hardware IRQs whose priority class isn't enabled in the level mask, that
// is, IRQs not needed by any non-root domain.
func (p *Processor) StallRootRaw() {
	p.rawStalled.Store(true)
	p.dom(p.pl.root).testAndStall()
}

// UnstallRootRaw lifts the raw stall of the root domain, plays the IRQs
// pending for the root domain, and then delivers the IRQs held back in the
// meantime.
func (p *Processor) UnstallRootRaw() {
	p.rawStalled.Store(false)
	p.Unstall(p.pl.root)
	p.poke()
}

func indexOf(stages []*Domain, d *Domain) int {
	for idx, sd := range stages {
		if sd == d {
			return idx
		}
	}
	return -1
}
