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

var _ = Describe("virtual IRQs", func() {

	var pl *Pipeline

	BeforeEach(func() {
		pl = newTestPipeline()
	})

	It("allocates and frees virtual IRQs", func() {
		Expect(pl.IsVirtual(15)).To(BeFalse())
		Expect(pl.IsVirtual(16)).To(BeTrue())
		Expect(pl.IsVirtual(20)).To(BeFalse())

		for virq := IRQ(16); virq < 20; virq++ {
			Expect(pl.AllocVirq()).To(Equal(virq))
		}
		Expect(pl.AllocVirq()).Error().To(MatchError(ErrNoVirq))

		Expect(pl.FreeVirq(17)).To(Succeed())
		Expect(pl.FreeVirq(17)).To(MatchError(ErrUnallocatedVirq))
		Expect(pl.FreeVirq(3)).To(MatchError(ErrInvalidIRQ))
		Expect(pl.AllocVirq()).To(Equal(IRQ(17)))
	})

	It("triggers allocated virtual IRQs only", func() {
		cpu := pl.CPU(0)
		root := pl.Root()
		rec := &recorder{}

		Expect(cpu.TriggerIRQ(16)).To(MatchError(ErrUnallocatedVirq))
		Expect(cpu.Hits(root, 16)).To(BeZero())

		virq := Successful(pl.AllocVirq())
		Expect(pl.VirtualizeIRQ(root, virq, rec.handler("root"), nil, rec.ack("root"), Handle)).To(Succeed())
		Expect(cpu.TriggerIRQ(virq)).To(Succeed())
		Expect(rec.Calls()).To(HaveExactElements("root:16"))
		Expect(cpu.Hits(root, virq)).To(Equal(uint64(1)))

		Expect(pl.FreeVirq(virq)).To(Succeed())
		Expect(cpu.TriggerIRQ(virq)).To(MatchError(ErrUnallocatedVirq))
		Expect(cpu.Hits(root, virq)).To(Equal(uint64(1)))
	})

	It("rejects triggering out-of-range IRQs without side effects", func() {
		cpu := pl.CPU(0)
		err := cpu.TriggerIRQ(100)
		Expect(err).To(MatchError(ErrInvalidIRQ))
		Expect(err).To(MatchError(ErrInvalidArgument))
		Expect(cpu.Hits(pl.Root(), 100)).To(BeZero())
		Expect(cpu.Pending(pl.Root(), 100)).To(BeFalse())
	})

})
