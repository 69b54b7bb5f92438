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
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Pipeline is an ordered sequence of domains, highest priority first and the
// root domain always last, that IRQs are offered to.
type Pipeline struct {
	log            logr.Logger
	nhwirqs        int // hardware IRQs
	nirqs          int // hardware and virtual IRQs
	timerIRQs      []IRQ
	clockHz        uint64
	freqScale      atomic.Uint64
	maxNesting     int32
	threadAffinity bool
	spawn          Spawner

	// mu serializes structural changes; the changes themselves then happen
	// inside the critical section guard.
	mu       sync.Mutex
	pipeline atomic.Pointer[[]*Domain]
	slots    [maxDomains]*Domain
	root     *Domain
	cpus     []*Processor

	descmu        sync.Mutex
	descs         []Desc
	virqs         bitmap
	lvdepth       [NrPrioClasses]atomic.Int32
	lvmask        atomic.Uint64
	createThreads atomic.Bool
	threads       []*irqThread // guarded by descmu
	threadwg      sync.WaitGroup
}

// New returns a new pipeline with only the root domain in it, configured by
// the passed options.
func New(opts ...Option) (*Pipeline, error) {
	o := options{
		irqs:       DefaultIRQs,
		virqs:      DefaultVirqs,
		timerIRQs:  []IRQ{0},
		log:        logr.Discard(),
		spawn:      goSpawner,
		maxNesting: DefaultMaxNesting,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	for _, irq := range o.timerIRQs {
		if int(irq) >= o.irqs {
			return nil, fmt.Errorf("timer IRQ %d: %w", irq, ErrInvalidIRQ)
		}
	}
	if o.cpus == 0 {
		o.cpus = min(hostOnlineCPUs(o.sysroot), maxCPUs)
	}
	if o.clockHz == 0 {
		o.clockHz = hostClockFrequency(o.sysroot)
	}

	nirqs := o.irqs + o.virqs
	pl := &Pipeline{
		log:            o.log,
		nhwirqs:        o.irqs,
		nirqs:          nirqs,
		timerIRQs:      o.timerIRQs,
		clockHz:        o.clockHz,
		maxNesting:     int32(o.maxNesting),
		threadAffinity: o.threadAffinity,
		spawn:          o.spawn,
		descs:          make([]Desc, nirqs),
		virqs:          newBitmap(max(o.virqs, 1)),
	}
	pl.root = newDomain("root", 0, 0, nirqs)
	pl.root.root = true
	pl.slots[0] = pl.root
	stages := []*Domain{pl.root}
	pl.pipeline.Store(&stages)
	pl.cpus = make([]*Processor, o.cpus)
	for id := range pl.cpus {
		pl.cpus[id] = newProcessor(pl, id)
	}
	pl.log.V(1).Info("new pipeline",
		"cpus", o.cpus, "irqs", o.irqs, "virqs", o.virqs, "clock", o.clockHz)
	return pl, nil
}

// stages returns the current pipeline snapshot, which must not be modified.
func (pl *Pipeline) stages() []*Domain { return *pl.pipeline.Load() }

// Stages returns the domains currently in the pipeline, highest priority
// first.
func (pl *Pipeline) Stages() []*Domain { return slices.Clone(pl.stages()) }

// Head returns the domain of highest priority.
func (pl *Pipeline) Head() *Domain { return pl.stages()[0] }

// Root returns the root domain.
func (pl *Pipeline) Root() *Domain { return pl.root }

// Domain returns the registered domain with the specified name, or nil.
func (pl *Pipeline) Domain(name string) *Domain {
	for _, d := range pl.stages() {
		if d.name == name {
			return d
		}
	}
	return nil
}

// NumCPUs returns the number of processors.
func (pl *Pipeline) NumCPUs() int { return len(pl.cpus) }

// CPU returns the processor context with the specified number, or nil if
// there is no such processor.
func (pl *Pipeline) CPU(id int) *Processor {
	if id < 0 || id >= len(pl.cpus) {
		return nil
	}
	return pl.cpus[id]
}

// NumIRQs returns the number of hardware IRQs.
func (pl *Pipeline) NumIRQs() int { return pl.nhwirqs }

func (pl *Pipeline) isTimerIRQ(irq IRQ) bool { return slices.Contains(pl.timerIRQs, irq) }

// checkIRQ returns nil if irq is either a hardware IRQ or an allocated
// virtual IRQ.
func (pl *Pipeline) checkIRQ(irq IRQ) error {
	if int(irq) >= pl.nirqs {
		return ErrInvalidIRQ
	}
	if pl.IsVirtual(irq) && !pl.virqs.isSet(irq-IRQ(pl.nhwirqs)) {
		return ErrUnallocatedVirq
	}
	return nil
}

// Register inserts a new domain into the pipeline according to its priority,
// which must be above the root domain's priority of 0. Domains of equal
// priority are ordered by registration.
func (pl *Pipeline) Register(name string, prio int) (*Domain, error) {
	if prio <= 0 {
		return nil, fmt.Errorf("%w: domain priority %d not above root",
			ErrInvalidArgument, prio)
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.Domain(name) != nil {
		return nil, fmt.Errorf("domain %q: %w", name, ErrDomainExists)
	}
	slot := slices.Index(pl.slots[:], nil)
	if slot < 0 {
		return nil, fmt.Errorf("domain %q: %w", name, ErrNoResources)
	}
	d := newDomain(name, prio, slot, pl.nirqs)

	f := pl.CriticalEnter(nil)
	for _, p := range pl.cpus {
		p.doms[slot].reset()
	}
	pl.slots[slot] = d
	old := pl.stages()
	stages := make([]*Domain, 0, len(old)+1)
	inserted := false
	for _, od := range old {
		if !inserted && prio > od.prio {
			stages = append(stages, d)
			inserted = true
		}
		stages = append(stages, od)
	}
	pl.pipeline.Store(&stages)
	pl.CriticalExit(f)

	pl.log.Info("registered domain", "domain", name, "priority", prio, "stages", len(stages))
	return d, nil
}

// Unregister removes a domain other than the root domain from the pipeline,
// discarding any IRQs still pending for it.
func (pl *Pipeline) Unregister(d *Domain) error {
	if d == nil || d.root {
		return ErrNoDomain
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.slots[d.slot] != d {
		return fmt.Errorf("domain %q: %w", d.name, ErrNoDomain)
	}

	f := pl.CriticalEnter(nil)
	for irq := range d.irqs {
		if e := &d.irqs[irq]; e.enabled {
			pl.disableIRQDesc(d, IRQ(irq))
			e.enabled = false
		}
	}
	d.gone.Store(true)
	pl.slots[d.slot] = nil
	stages := slices.DeleteFunc(slices.Clone(pl.stages()),
		func(sd *Domain) bool { return sd == d })
	pl.pipeline.Store(&stages)
	for _, p := range pl.cpus {
		p.current.CompareAndSwap(d, pl.root)
		p.doms[d.slot].reset()
	}
	pl.CriticalExit(f)

	pl.log.Info("unregistered domain", "domain", d.name)
	return nil
}

// VirtualizeIRQ registers the interest of a domain in an IRQ, together with
// the domain's handler, the cookie passed to the handler, an optional
// acknowledge callback, and the control flags. Passing a nil handler removes
// the domain's interest. A non-root domain without its own acknowledge
// callback for a hardware IRQ inherits the root domain's one.
//
// The update happens inside the critical section guard, so VirtualizeIRQ must
// not be called with hardware interrupts masked.
func (pl *Pipeline) VirtualizeIRQ(d *Domain, irq IRQ, handler Handler, cookie any, ack Acknowledger, control Control) error {
	if err := pl.checkIRQ(irq); err != nil {
		return fmt.Errorf("cannot virtualize IRQ %d: %w", irq, err)
	}
	if d == nil {
		return ErrNoDomain
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.slots[d.slot] != d {
		return fmt.Errorf("domain %q: %w", d.name, ErrNoDomain)
	}
	f := pl.CriticalEnter(nil)
	defer pl.CriticalExit(f)
	if err := pl.virtualize(d, irq, handler, cookie, ack, control); err != nil {
		return fmt.Errorf("cannot virtualize IRQ %d for domain %q: %w", irq, d.name, err)
	}
	return nil
}

// virtualize updates the IRQ control of a domain; it must be called inside
// the critical section guard.
func (pl *Pipeline) virtualize(d *Domain, irq IRQ, handler Handler, cookie any, ack Acknowledger, control Control) error {
	control, ok := control.sanitize(handler, d.root)
	if !ok {
		return ErrInvalidControl
	}
	if control&Wired != 0 && pl.stages()[0] != d {
		return ErrInvalidControl
	}
	e := d.entry(irq)
	if handler != nil && e.handler != nil && e.control&Exclusive != 0 {
		return ErrBusy
	}
	if ack == nil && !d.root && !pl.IsVirtual(irq) {
		ack = pl.root.entry(irq).ack
	}
	if t := pl.rootThread(d, irq); t != nil {
		// the IRQ thread stays installed and runs the new handler instead.
		t.handler, t.cookie = handler, cookie
	} else {
		e.handler = handler
		e.cookie = cookie
	}
	e.ack = ack
	e.control = control

	enable := control&Enable != 0 && control&Handle != 0 && !pl.IsVirtual(irq)
	switch {
	case enable && !e.enabled:
		pl.enableIRQDesc(d, irq)
		e.enabled = true
	case !enable && e.enabled:
		pl.disableIRQDesc(d, irq)
		e.enabled = false
	}
	return nil
}

// rootThread returns the IRQ thread serving the root domain's handling of a
// hardware IRQ, or nil if d isn't the root or the IRQ isn't threaded. It must
// be called inside the critical section guard.
func (pl *Pipeline) rootThread(d *Domain, irq IRQ) *irqThread {
	if !d.root || int(irq) >= pl.nhwirqs {
		return nil
	}
	return pl.descs[irq].thread
}

// EnablePipeline hands all hardware IRQs to the root domain, using the
// specified handler and acknowledge callback, with the IRQs being handled
// and passed down the pipeline. It additionally fixes the frequency scale
// of the clock.
func (pl *Pipeline) EnablePipeline(handler Handler, ack Acknowledger) error {
	pl.freqScale.Store(1_000_000_000 / pl.clockHz)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	f := pl.CriticalEnter(nil)
	defer pl.CriticalExit(f)
	for irq := range pl.nhwirqs {
		if err := pl.virtualize(pl.root, IRQ(irq), handler, nil, ack, Handle|Pass); err != nil {
			return fmt.Errorf("cannot enable pipeline: %w", err)
		}
	}
	pl.log.Info("pipeline enabled", "irqs", pl.nhwirqs, "freqscale", pl.freqScale.Load())
	return nil
}

// FreqScale returns the number of nanoseconds per clock tick, as fixed when
// enabling the pipeline; zero before.
func (pl *Pipeline) FreqScale() uint64 { return pl.freqScale.Load() }
