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

import "sync/atomic"

// Handler services IRQs on behalf of a domain. The cookie is the opaque value
// passed when virtualizing the IRQ.
type Handler interface {
	ServeIRQ(irq IRQ, cookie any)
}

// HandlerFunc adapts an ordinary function to a [Handler].
type HandlerFunc func(irq IRQ, cookie any)

// ServeIRQ calls f(irq, cookie).
func (f HandlerFunc) ServeIRQ(irq IRQ, cookie any) { f(irq, cookie) }

// Acknowledger quiesces the source of an IRQ occurrence. It is called with
// hardware interrupts masked on the dispatching processor.
type Acknowledger interface {
	AckIRQ(irq IRQ, desc *Desc)
}

// AckFunc adapts an ordinary function to an [Acknowledger].
type AckFunc func(irq IRQ, desc *Desc)

// AckIRQ calls f(irq, desc).
func (f AckFunc) AckIRQ(irq IRQ, desc *Desc) { f(irq, desc) }

// Domain is a participant in the interrupt pipeline, having its own priority
// and its own set of IRQs it is interested in.
type Domain struct {
	name string
	prio int
	slot int
	root bool
	gone atomic.Bool

	// irqs get only modified inside the critical section guard.
	irqs []irqEntry
}

// irqEntry describes how a domain controls a particular IRQ.
type irqEntry struct {
	control Control
	handler Handler
	cookie  any
	ack     Acknowledger
	enabled bool // priority class accounted for by EnableIRQDesc.
}

// Name returns the name the domain was registered with.
func (d *Domain) Name() string { return d.name }

// Priority returns the domain's priority; the root domain has priority 0.
func (d *Domain) Priority() int { return d.prio }

// IsRoot returns true for the root domain.
func (d *Domain) IsRoot() bool { return d.root }

// Control returns the control flags the domain currently has set for the
// specified IRQ; out-of-range IRQs report no flags.
func (d *Domain) Control(irq IRQ) Control {
	if int(irq) >= len(d.irqs) {
		return 0
	}
	return d.irqs[irq].control
}

func (d *Domain) entry(irq IRQ) *irqEntry { return &d.irqs[irq] }

// newDomain returns a domain passing all IRQs down the pipeline without
// handling any of them.
func newDomain(name string, prio int, slot int, nirqs int) *Domain {
	d := &Domain{
		name: name,
		prio: prio,
		slot: slot,
		irqs: make([]irqEntry, nirqs),
	}
	for irq := range d.irqs {
		d.irqs[irq].control = Pass
	}
	return d
}
