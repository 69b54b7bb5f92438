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

import "fmt"

// HandleIRQ is the pipeline's generic IRQ handler: it logs the IRQ as pending
// in all domains interested in it, acknowledges the IRQ source, and then
// walks the pipeline, yielding control to the domains with pending IRQs by
// decreasing priority. A nil register frame marks a software-triggered IRQ
// that never gets acknowledged.
//
// HandleIRQ must be called with hardware interrupts masked on this
// processor, and returns with them masked. Domain handlers get called with
// hardware interrupts unmasked, except for wired handlers. Out-of-range IRQs
// are silently ignored.
func (p *Processor) HandleIRQ(irq IRQ, regs *Regs) {
	pl := p.pl
	if int(irq) >= pl.nirqs {
		return
	}
	depth := p.nesting.Add(1)
	defer func() {
		p.nesting.Add(-1)
		p.framecond.Broadcast()
	}()

	stages := pl.stages()
	desc := &pl.descs[irq]
	acked := regs == nil || pl.isTimerIRQ(irq)

	start := 0
	if this := p.current.Load(); this.Control(irq)&Sticky != 0 {
		// The current domain claimed this IRQ for itself, so skip the
		// priority search.
		if idx := indexOf(stages, this); idx >= 0 {
			start = idx
		}
	} else if head := stages[0]; head.Control(irq)&Wired != 0 {
		e := head.entry(irq)
		if !acked && e.ack != nil {
			e.ack.AckIRQ(irq, desc)
		}
		wasStalled, locked := p.lockRoot(irq)
		p.dispatchWired(head, irq)
		if p.mayWalk(irq, depth) {
			p.walk(stages, 0, p.bound(stages))
		}
		p.unlockRoot(stages, wasStalled, locked)
		return
	}

	for _, d := range stages[start:] {
		e := d.entry(irq)
		if e.control&Handle != 0 {
			// Log the IRQ as pending before acknowledging its source, so that
			// a new occurrence after the acknowledge cannot get lost.
			p.dom(d).pending.set(irq)
			if !acked && e.ack != nil {
				e.ack.AckIRQ(irq, desc)
				acked = true
			}
		}
		if e.control&Pass == 0 {
			break
		}
	}

	wasStalled, locked := p.lockRoot(irq)
	if p.mayWalk(irq, depth) {
		p.walk(stages, start, p.bound(stages))
	}
	p.unlockRoot(stages, wasStalled, locked)
}

// mayWalk returns true if the nesting depth still allows walking the
// pipeline. Otherwise, the IRQ stays pending for the outer walks to pick up.
func (p *Processor) mayWalk(irq IRQ, depth int32) bool {
	if depth <= p.pl.maxNesting {
		return true
	}
	p.pl.log.V(1).Info("IRQ nesting limit reached, deferring walk",
		"cpu", p.id, "irq", irq, "depth", depth)
	return false
}

// bound returns the index of the first stage after the current domain; the
// pipeline walk never yields to domains of lower priority than the current
// one.
func (p *Processor) bound(stages []*Domain) int {
	if idx := indexOf(stages, p.current.Load()); idx >= 0 {
		return idx + 1
	}
	return len(stages)
}

// walk yields control to the stages in [from..to) that have IRQs pending,
// by decreasing priority. The walk stops at the first stalled stage.
// Hardware interrupts must be masked.
func (p *Processor) walk(stages []*Domain, from, to int) {
	for idx := from; idx < to; idx++ {
		d := stages[idx]
		if d.gone.Load() {
			continue
		}
		cd := p.dom(d)
		if cd.stalled() {
			return
		}
		if cd.pending.any() {
			p.syncStage(stages, idx)
		}
	}
}

// syncStage plays all IRQs pending for the stage at idx, lowest IRQ number
// first, with the domain becoming the current domain and stalled for the
// duration. Each pending bit is cleared right before calling its handler, so
// every occurrence is handled at most once. After each handler, stages of
// higher priority get the chance to preempt this stage. Hardware interrupts
// must be masked; they get unmasked while a handler runs.
func (p *Processor) syncStage(stages []*Domain, idx int) {
	d := stages[idx]
	cd := p.dom(d)
	prev := p.current.Swap(d)
	wasStalled := cd.testAndStall()
	for !d.gone.Load() {
		irq, ok := cd.pending.first()
		if !ok {
			break
		}
		if !cd.pending.testAndClear(irq) {
			continue
		}
		cd.hits[irq].Add(1)
		e := d.entry(irq)
		if h, cookie := e.handler, e.cookie; h != nil {
			depth := p.nesting.Load()
			p.unmaskHW()
			h.ServeIRQ(irq, cookie)
			p.remaskHW(depth)
		}
		if idx > 0 {
			p.walk(stages, 0, idx)
		}
	}
	if !wasStalled {
		cd.testAndUnstall()
	}
	p.current.Store(prev)
}

// dispatchWired directly calls the handler of the head domain for a wired
// IRQ, with hardware interrupts staying masked. If the head domain is
// stalled, the IRQ gets logged as pending instead.
func (p *Processor) dispatchWired(head *Domain, irq IRQ) {
	cd := p.dom(head)
	if cd.stalled() {
		cd.pending.set(irq)
		return
	}
	prev := p.current.Swap(head)
	cd.testAndStall()
	cd.hits[irq].Add(1)
	if e := head.entry(irq); e.handler != nil {
		e.handler.ServeIRQ(irq, e.cookie)
	}
	cd.testAndUnstall()
	p.current.Store(prev)
}

// lockRoot stalls the root domain if it asks for a root lock on this IRQ,
// returning the previous stall state and whether the root got locked.
func (p *Processor) lockRoot(irq IRQ) (wasStalled, locked bool) {
	root := p.pl.root
	if root.Control(irq)&RootLock == 0 {
		return false, false
	}
	return p.dom(root).testAndStall(), true
}

// unlockRoot restores the root stall state saved by lockRoot. If this
// unstalls the root while it is the current domain, the IRQs that got
// pending for the root in the meantime are played immediately. Restoring
// happens on all dispatch paths, wired or not.
func (p *Processor) unlockRoot(stages []*Domain, wasStalled, locked bool) {
	if !locked || wasStalled {
		return
	}
	root := p.pl.root
	cd := p.dom(root)
	cd.testAndUnstall()
	if p.current.Load() == root && cd.pending.any() {
		p.syncStage(stages, len(stages)-1)
	}
}

// TriggerIRQ pushes the IRQ at the front of the pipeline as if it had been
// received from a hardware source; this also works for allocated virtual
// IRQs. Out-of-range and unallocated virtual IRQs are rejected with an error
// wrapping [ErrInvalidArgument], without anything being dispatched.
//
// TriggerIRQ masks hardware interrupts on this processor itself, so it must
// not be called from wired handlers or acknowledge callbacks on the same
// processor; these can call [Processor.HandleIRQ] with a nil frame instead.
func (p *Processor) TriggerIRQ(irq IRQ) error {
	if err := p.pl.checkIRQ(irq); err != nil {
		p.pl.log.V(1).Info("rejecting IRQ trigger", "cpu", p.id, "irq", irq, "err", err)
		return fmt.Errorf("cannot trigger IRQ %d: %w", irq, err)
	}
	f := p.LocalIRQSaveHW()
	p.HandleIRQ(irq, nil)
	p.LocalIRQRestoreHW(f)
	return nil
}
