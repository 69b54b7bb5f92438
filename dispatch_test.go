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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var _ = Describe("dispatching IRQs", func() {

	var pl *Pipeline
	var cpu *Processor
	var root, hi *Domain
	var rec *recorder

	BeforeEach(func() {
		pl = newTestPipeline()
		cpu = pl.CPU(0)
		root = pl.Root()
		hi = Successful(pl.Register("hi", 1))
		rec = &recorder{}
	})

	When("passing IRQs down the pipeline", func() {

		It("runs higher priority domains first, each exactly once", func() {
			Expect(pl.VirtualizeIRQ(root, 7, HandlerFunc(func(irq IRQ, _ any) {
				Expect(cpu.Pending(root, irq)).To(BeFalse())
				Expect(cpu.Current()).To(BeIdenticalTo(root))
				rec.record("root:%d", irq)
			}), nil, nil, Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 7, HandlerFunc(func(irq IRQ, _ any) {
				Expect(cpu.Pending(hi, irq)).To(BeFalse())
				Expect(cpu.Pending(root, irq)).To(BeTrue())
				Expect(cpu.Current()).To(BeIdenticalTo(hi))
				rec.record("hi:%d", irq)
			}), nil, nil, Handle|Pass)).To(Succeed())

			wasStalled := cpu.Stalled(root)
			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("hi:7", "root:7"))
			Expect(cpu.Pending(hi, 7)).To(BeFalse())
			Expect(cpu.Pending(root, 7)).To(BeFalse())
			Expect(cpu.Stalled(root)).To(Equal(wasStalled))
			Expect(cpu.Hits(hi, 7)).To(Equal(uint64(1)))
			Expect(cpu.Hits(root, 7)).To(Equal(uint64(1)))
			Expect(cpu.Current()).To(BeIdenticalTo(root))
		})

		It("stops propagation at a domain not passing the IRQ", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, nil, Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 7, rec.handler("hi"), nil, nil, Handle)).To(Succeed())
			for range 3 {
				Expect(cpu.TriggerIRQ(7)).To(Succeed())
				Expect(cpu.Pending(root, 7)).To(BeFalse())
			}
			Expect(rec.Calls()).To(HaveExactElements("hi:7", "hi:7", "hi:7"))
			Expect(cpu.Hits(root, 7)).To(BeZero())
		})

		It("silently ignores IRQs nobody is interested in", func() {
			Expect(cpu.TriggerIRQ(11)).To(Succeed())
			Expect(cpu.Hits(hi, 11)).To(BeZero())
			Expect(cpu.Hits(root, 11)).To(BeZero())
		})

		It("lets higher priority domains preempt lower priority handlers", func() {
			Expect(pl.VirtualizeIRQ(root, 7, HandlerFunc(func(irq IRQ, _ any) {
				rec.record("root:%d", irq)
				Expect(cpu.TriggerIRQ(8)).To(Succeed())
				rec.record("root:%d-end", irq)
			}), nil, nil, Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 8, rec.handler("hi"), nil, nil, Handle)).To(Succeed())

			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("root:7", "hi:8", "root:7-end"))
		})

		It("doesn't play lower stages while a higher stage's handler runs elsewhere", func() {
			entered := make(chan struct{})
			release := make(chan struct{})
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, nil, Handle)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 8, HandlerFunc(func(irq IRQ, _ any) {
				rec.record("hi:%d", irq)
				close(entered)
				<-release
				rec.record("hi:%d-end", irq)
			}), nil, nil, Handle)).To(Succeed())

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				Expect(cpu.TriggerIRQ(8)).To(Succeed())
			}()
			Eventually(entered).Should(BeClosed())

			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("hi:8"))
			Expect(cpu.Pending(root, 7)).To(BeTrue())

			close(release)
			Eventually(done).Should(BeClosed())
			Expect(rec.Calls()).To(HaveExactElements("hi:8", "hi:8-end", "root:7"))
			Expect(cpu.Pending(root, 7)).To(BeFalse())
		})

		It("defers nested walks beyond the nesting limit to the outer walk", func() {
			pl := newTestPipeline(WithMaxNesting(1))
			cpu := pl.CPU(0)
			hi := Successful(pl.Register("hi", 1))
			Expect(pl.VirtualizeIRQ(pl.Root(), 5, HandlerFunc(func(irq IRQ, _ any) {
				rec.record("root:%d", irq)
				Expect(cpu.TriggerIRQ(6)).To(Succeed())
				Expect(cpu.Pending(hi, 6)).To(BeTrue())
				rec.record("root:%d-end", irq)
			}), nil, nil, Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 6, rec.handler("hi"), nil, nil, Handle)).To(Succeed())

			Expect(cpu.TriggerIRQ(5)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("root:5", "root:5-end", "hi:6"))
			Expect(cpu.Pending(hi, 6)).To(BeFalse())
		})

	})

	When("acknowledging IRQs", func() {

		handleHW := func(irq IRQ) {
			f := cpu.LocalIRQSaveHW()
			cpu.HandleIRQ(irq, &Regs{CPU: cpu.ID(), Interrupted: cpu.Current()})
			cpu.LocalIRQRestoreHW(f)
		}

		It("marks pending before acknowledging, and acknowledges only once", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, rec.ack("root"), Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 7, rec.handler("hi"), nil, AckFunc(func(irq IRQ, desc *Desc) {
				Expect(cpu.Pending(hi, irq)).To(BeTrue())
				Expect(desc).To(BeIdenticalTo(&pl.descs[irq]))
				rec.record("ack-hi:%d", irq)
			}), Handle|Pass)).To(Succeed())

			handleHW(7)
			Expect(rec.Calls()).To(HaveExactElements("ack-hi:7", "hi:7", "root:7"))
		})

		It("inherits the root's acknowledge callback", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, rec.ack("root"), Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 7, rec.handler("hi"), nil, nil, Handle)).To(Succeed())
			handleHW(7)
			Expect(rec.Calls()).To(HaveExactElements("ack-root:7", "hi:7"))
		})

		It("never acknowledges software-triggered and timer IRQs", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, rec.ack("root"), Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(root, 0, rec.handler("root"), nil, rec.ack("root"), Handle|Pass)).To(Succeed())
			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			handleHW(0)
			Expect(rec.Calls()).To(HaveExactElements("root:7", "root:0"))
		})

	})

	When("stalling the root", func() {

		It("restores the root stall after nested dispatches", func() {
			nested := false
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, nil, Handle|Pass|RootLock)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 7, HandlerFunc(func(irq IRQ, _ any) {
				rec.record("hi:%d", irq)
				Expect(cpu.Stalled(root)).To(BeTrue())
				if !nested {
					nested = true
					Expect(cpu.TriggerIRQ(7)).To(Succeed())
					Expect(cpu.Stalled(root)).To(BeTrue())
				}
			}), nil, nil, Handle|Pass)).To(Succeed())

			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			Expect(cpu.Stalled(root)).To(BeFalse())
			Expect(rec.Calls()).To(HaveExactElements("hi:7", "hi:7", "root:7"))
			Expect(cpu.Pending(root, 7)).To(BeFalse())
		})

		It("keeps a previously stalled root stalled", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, nil, Handle|Pass|RootLock)).To(Succeed())
			cpu.Stall(root)
			Expect(cpu.TriggerIRQ(7)).To(Succeed())
			Expect(cpu.Stalled(root)).To(BeTrue())
			Expect(cpu.Pending(root, 7)).To(BeTrue())
			Expect(rec.Calls()).To(BeEmpty())

			cpu.Unstall(root)
			Expect(rec.Calls()).To(HaveExactElements("root:7"))
			Expect(cpu.Pending(root, 7)).To(BeFalse())
		})

		It("doesn't play the IRQs of a lower priority domain on unstall", func() {
			Expect(pl.VirtualizeIRQ(root, 7, rec.handler("root"), nil, nil, Handle|Pass)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 8, HandlerFunc(func(irq IRQ, _ any) {
				cpu.Stall(root)
				Expect(cpu.TriggerIRQ(7)).To(Succeed())
				cpu.Unstall(root)
				Expect(cpu.Pending(root, 7)).To(BeTrue())
				rec.record("hi:%d", irq)
			}), nil, nil, Handle)).To(Succeed())

			Expect(cpu.TriggerIRQ(8)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("hi:8", "root:7"))
		})

	})

	When("using sticky IRQs", func() {

		It("starts at the current domain", func() {
			Expect(pl.VirtualizeIRQ(root, 9, rec.handler("root"), nil, nil, Handle|Sticky)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 9, rec.handler("hi"), nil, nil, Handle|Pass)).To(Succeed())
			Expect(cpu.TriggerIRQ(9)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("root:9"))
			Expect(cpu.Pending(hi, 9)).To(BeFalse())
		})

	})

	When("using wired IRQs", func() {

		It("dispatches directly to the head with hardware interrupts masked", func() {
			Expect(pl.VirtualizeIRQ(root, 3, rec.handler("root"), nil, nil, Handle|Pass|RootLock)).To(Succeed())
			Expect(pl.VirtualizeIRQ(hi, 3, HandlerFunc(func(irq IRQ, _ any) {
				Expect(cpu.hw.TryLock()).To(BeFalse())
				Expect(cpu.Pending(hi, irq)).To(BeFalse())
				Expect(cpu.Stalled(root)).To(BeTrue())
				rec.record("hi:%d", irq)
			}), nil, nil, Handle|Wired|Pass)).To(Succeed())
			Expect(hi.Control(3)).To(Equal(Handle | Wired))

			Expect(cpu.TriggerIRQ(3)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("hi:3"))
			Expect(cpu.Hits(hi, 3)).To(Equal(uint64(1)))
			Expect(cpu.Stalled(root)).To(BeFalse())
			Expect(cpu.Pending(root, 3)).To(BeFalse())
		})

		It("logs wired IRQs of a stalled head as pending", func() {
			Expect(pl.VirtualizeIRQ(hi, 3, rec.handler("hi"), nil, nil, Handle|Wired)).To(Succeed())
			cpu.Stall(hi)
			Expect(cpu.TriggerIRQ(3)).To(Succeed())
			Expect(rec.Calls()).To(BeEmpty())
			Expect(cpu.Pending(hi, 3)).To(BeTrue())
			cpu.Unstall(hi)
			Expect(rec.Calls()).To(HaveExactElements("hi:3"))
		})

		It("runs non-wired handlers with hardware interrupts unmasked", func() {
			Expect(pl.VirtualizeIRQ(hi, 3, HandlerFunc(func(irq IRQ, _ any) {
				Expect(cpu.hw.TryLock()).To(BeTrue())
				cpu.hw.Unlock()
				rec.record("hi:%d", irq)
			}), nil, nil, Handle)).To(Succeed())
			Expect(cpu.TriggerIRQ(3)).To(Succeed())
			Expect(rec.Calls()).To(HaveExactElements("hi:3"))
		})

	})

})
