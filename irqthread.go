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
	"errors"
	"fmt"
	"sync/atomic"
)

// irqThread moves the root domain's handling of a particular IRQ out of the
// dispatch path into a go routine of its own. IRQ threads of the same
// processor are served in order of their priority class, highest class first.
type irqThread struct {
	irq  IRQ
	p    *Processor
	prio uint
	mask uint64 // this thread's priority class bit.

	// original root handler, only accessed inside the critical section guard
	// or by the thread itself.
	handler Handler
	cookie  any

	// guarded by p.hw
	scheduled bool
	pending   int

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	wakeups atomic.Uint64
}

func newIRQThread(irq IRQ, p *Processor, prio uint) *irqThread {
	return &irqThread{
		irq:  irq,
		p:    p,
		prio: prio,
		mask: 1 << prio,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// ServeIRQ is installed as the root domain's handler of a threaded IRQ and
// kicks the IRQ thread.
func (t *irqThread) ServeIRQ(IRQ, any) { t.kick() }

// kick schedules the IRQ thread to run. Kicking an already scheduled thread
// doesn't wake it again, but still gets accounted for in the pending count of
// the thread's priority class.
func (t *irqThread) kick() {
	p := t.p
	p.maskHW()
	t.pending++
	p.thrcount[t.prio]++
	p.thrmask |= t.mask
	wake := !t.scheduled
	t.scheduled = true
	p.unmaskHW()
	if !wake {
		return
	}
	t.wakeups.Add(1)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// run is the body of the IRQ thread: it waits for being kicked and then
// serves the IRQ, until told to stop. Stopping never interrupts a handler.
func (t *irqThread) run() {
	defer close(t.done)
	log := t.p.pl.log.WithValues("irq", t.irq, "cpu", t.p.id)
	if t.p.pl.threadAffinity {
		if err := pinOSThread(t.p.id); err != nil {
			log.Error(err, "cannot pin IRQ thread")
		}
	}
	log.V(1).Info("IRQ thread started", "prio", t.prio)
	defer log.V(1).Info("IRQ thread stopped")
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		}
		if !t.serve() {
			return
		}
	}
}

// serve makes a single pass of the IRQ thread, returning false if the thread
// got stopped while waiting for IRQ threads of higher priority classes to
// finish first.
func (t *irqThread) serve() bool {
	p := t.p
	p.maskHW()
	// IRQ threads of higher priority classes with work pending run first;
	// this thread waits for them to clear their class bits.
	for p.thrmask&^(t.mask|(t.mask-1)) != 0 {
		if t.stopping() {
			p.unmaskHW()
			return false
		}
		p.thrcond.Wait()
	}
	p.thrcount[t.prio] -= t.pending
	t.pending = 0
	if p.thrcount[t.prio] <= 0 {
		p.thrcount[t.prio] = 0
		p.thrmask &^= t.mask
		p.thrcond.Broadcast()
	}
	t.scheduled = false
	h, cookie := t.handler, t.cookie
	p.unmaskHW()
	if h != nil {
		h.ServeIRQ(t.irq, cookie)
	}
	return true
}

func (t *irqThread) stopping() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// StartIRQThread moves the root domain's handling of a hardware IRQ into an
// IRQ thread of its own. Starting the thread of an already threaded IRQ, or
// before [Pipeline.InitIRQThreads] enabled IRQ threads, does nothing. If the
// IRQ thread cannot be created, an error wrapping [ErrNoResources] is
// returned and the IRQ continues to be handled in the dispatch path.
//
// The IRQ thread serves the first processor in the IRQ's CPU affinity, if
// any, otherwise the first processor.
func (pl *Pipeline) StartIRQThread(irq IRQ) error {
	if int(irq) >= pl.nhwirqs {
		return fmt.Errorf("cannot thread IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	pl.descmu.Lock()
	defer pl.descmu.Unlock()
	desc := &pl.descs[irq]
	if desc.thread != nil || !pl.createThreads.Load() {
		return nil
	}
	p := pl.cpus[0]
	if len(desc.Affinity) > 0 && int(desc.Affinity[0][0]) < len(pl.cpus) {
		p = pl.cpus[desc.Affinity[0][0]]
	}
	t := newIRQThread(irq, p, desc.ThreadPrio)
	pl.threadwg.Add(1)
	if err := pl.spawn(func() {
		defer pl.threadwg.Done()
		t.run()
	}); err != nil {
		pl.threadwg.Done()
		pl.log.Error(err, "could not create IRQ thread", "irq", irq)
		return fmt.Errorf("IRQ thread %d: %w", irq, errors.Join(ErrNoResources, err))
	}

	f := pl.CriticalEnter(nil)
	desc.thread = t
	e := pl.root.entry(irq)
	t.handler, t.cookie = e.handler, e.cookie
	e.handler, e.cookie = t, nil
	pl.CriticalExit(f)
	pl.threads = append(pl.threads, t)
	pl.log.V(1).Info("threaded IRQ", "irq", irq, "cpu", p.id, "prio", t.prio)
	return nil
}

// InitIRQThreads enables IRQ threads and then threads all hardware IRQs that
// either have actions or are marked as not requestable. IRQs whose threads
// cannot be created continue to be handled in the dispatch path; the errors
// are returned joined.
func (pl *Pipeline) InitIRQThreads() error {
	pl.createThreads.Store(true)
	var errs []error
	for irq := range pl.nhwirqs {
		desc, _ := pl.Desc(IRQ(irq))
		if desc.Actions == "" && !desc.NoRequest {
			continue
		}
		if err := pl.StartIRQThread(IRQ(irq)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops all IRQ threads and waits for them to terminate. IRQ threads
// currently running a handler finish the handler first. The threaded IRQs are
// handed back to their original root handlers.
func (pl *Pipeline) Close() error {
	pl.descmu.Lock()
	threads := pl.threads
	pl.threads = nil
	pl.createThreads.Store(false)

	f := pl.CriticalEnter(nil)
	for _, t := range threads {
		close(t.stop)
		pl.descs[t.irq].thread = nil
		if e := pl.root.entry(t.irq); e.handler == Handler(t) {
			e.handler, e.cookie = t.handler, t.cookie
		}
	}
	for _, p := range pl.cpus {
		p.thrcond.Broadcast()
	}
	pl.CriticalExit(f)
	pl.descmu.Unlock()

	pl.threadwg.Wait()
	return nil
}
