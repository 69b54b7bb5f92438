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
	"iter"
)

// NrPrioClasses is the number of interrupt priority classes as well as the
// number of IRQ thread priority classes.
const NrPrioClasses = 16

// Desc describes an individual IRQ, independent of the domains interested in
// it.
type Desc struct {
	Prio       uint          // interrupt priority class.
	ThreadPrio uint          // priority class of the IRQ thread, if threaded.
	Actions    string        // comma-separated list of actions; empty if none.
	NoRequest  bool          // IRQ cannot be requested, yet gets threaded.
	Affinity   CPUAffinities // CPUs the IRQ is routed to.

	thread *irqThread
}

// Threaded returns true if the IRQ is handled by an IRQ thread.
func (d Desc) Threaded() bool { return d.thread != nil }

// Desc returns a copy of the descriptor of the specified hardware IRQ.
func (pl *Pipeline) Desc(irq IRQ) (Desc, error) {
	if int(irq) >= pl.nhwirqs {
		return Desc{}, fmt.Errorf("no descriptor for IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	pl.descmu.Lock()
	defer pl.descmu.Unlock()
	return pl.descs[irq], nil
}

// updateDesc applies fn to the descriptor of a hardware IRQ while all
// processors are quiesced.
func (pl *Pipeline) updateDesc(irq IRQ, fn func(*Desc) error) error {
	if int(irq) >= pl.nhwirqs {
		return fmt.Errorf("no descriptor for IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	pl.descmu.Lock()
	defer pl.descmu.Unlock()
	f := pl.CriticalEnter(nil)
	defer pl.CriticalExit(f)
	return fn(&pl.descs[irq])
}

// SetIRQPriority sets the interrupt priority class and the IRQ thread
// priority class of a hardware IRQ. The priorities cannot be changed anymore
// after the IRQ has been threaded, nor while a non-root domain has the IRQ's
// priority class enabled.
func (pl *Pipeline) SetIRQPriority(irq IRQ, prio, threadPrio uint) error {
	if prio >= NrPrioClasses || threadPrio >= NrPrioClasses {
		return fmt.Errorf("%w: priority classes %d/%d", ErrInvalidArgument, prio, threadPrio)
	}
	return pl.updateDesc(irq, func(desc *Desc) error {
		if desc.thread != nil {
			return fmt.Errorf("IRQ %d already threaded: %w", irq, ErrBusy)
		}
		for _, d := range pl.stages() {
			if d.entry(irq).enabled {
				return fmt.Errorf("IRQ %d enabled by domain %q: %w", irq, d.name, ErrBusy)
			}
		}
		desc.Prio = prio
		desc.ThreadPrio = threadPrio
		return nil
	})
}

// SetIRQAction sets the actions of a hardware IRQ; IRQs with actions get
// threaded by [Pipeline.InitIRQThreads].
func (pl *Pipeline) SetIRQAction(irq IRQ, actions string) error {
	return pl.updateDesc(irq, func(desc *Desc) error {
		desc.Actions = actions
		return nil
	})
}

// SetIRQNoRequest marks a hardware IRQ as not requestable.
func (pl *Pipeline) SetIRQNoRequest(irq IRQ, norequest bool) error {
	return pl.updateDesc(irq, func(desc *Desc) error {
		desc.NoRequest = norequest
		return nil
	})
}

// ImportHostIRQs takes over the actions and CPU affinities of the host IRQs
// produced by the iterator, such as [HostIRQs], for the IRQ numbers in the
// range of hardware IRQs of this pipeline. It returns the number of
// descriptors updated.
func (pl *Pipeline) ImportHostIRQs(hostirqs iter.Seq[HostIRQ]) int {
	count := 0
	for hostirq := range hostirqs {
		if hostirq.Num >= uint(pl.nhwirqs) {
			continue
		}
		pl.descmu.Lock()
		f := pl.CriticalEnter(nil)
		desc := &pl.descs[hostirq.Num]
		desc.Actions = hostirq.Actions
		desc.Affinity = hostirq.Affinities
		pl.CriticalExit(f)
		pl.descmu.Unlock()
		count++
	}
	pl.log.V(1).Info("imported host IRQs", "count", count)
	return count
}

// EnableIRQDesc accounts the priority class of a hardware IRQ as needed by
// the domain. The first non-root domain needing a priority class enables it
// in the level mask, so that IRQs of this class are delivered even while the
// root domain is raw-stalled.
func (pl *Pipeline) EnableIRQDesc(d *Domain, irq IRQ) error {
	if int(irq) >= pl.nhwirqs {
		return fmt.Errorf("cannot enable IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	if d == nil {
		return fmt.Errorf("cannot enable IRQ %d: %w", irq, ErrNoDomain)
	}
	f := pl.CriticalEnter(nil)
	pl.enableIRQDesc(d, irq)
	pl.CriticalExit(f)
	return nil
}

// DisableIRQDesc reverts [Pipeline.EnableIRQDesc]; the last non-root domain
// releasing a priority class disables it in the level mask.
func (pl *Pipeline) DisableIRQDesc(d *Domain, irq IRQ) error {
	if int(irq) >= pl.nhwirqs {
		return fmt.Errorf("cannot disable IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	if d == nil {
		return fmt.Errorf("cannot disable IRQ %d: %w", irq, ErrNoDomain)
	}
	f := pl.CriticalEnter(nil)
	pl.disableIRQDesc(d, irq)
	pl.CriticalExit(f)
	return nil
}

func (pl *Pipeline) enableIRQDesc(d *Domain, irq IRQ) {
	if d.root {
		return
	}
	prio := pl.descs[irq].Prio
	if pl.lvdepth[prio].Add(1) == 1 {
		pl.lvmask.Or(1 << prio)
	}
}

func (pl *Pipeline) disableIRQDesc(d *Domain, irq IRQ) {
	if d.root {
		return
	}
	prio := pl.descs[irq].Prio
	switch depth := pl.lvdepth[prio].Add(-1); {
	case depth == 0:
		pl.lvmask.And(^uint64(1 << prio))
	case depth < 0:
		pl.lvdepth[prio].Add(1) // unbalanced disable.
	}
}

// LevelMask returns the bit mask of interrupt priority classes that are
// delivered even while the root domain is raw-stalled.
func (pl *Pipeline) LevelMask() uint64 { return pl.lvmask.Load() }
