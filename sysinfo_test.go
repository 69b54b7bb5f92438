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
)

var _ = Describe("system information", func() {

	It("reads the host's CPUs and clock", func() {
		Expect(hostOnlineCPUs("./testdata/mixed")).To(Equal(4))
		Expect(hostClockFrequency("./testdata/mixed")).To(Equal(uint64(2_400_000_000)))
	})

	It("falls back when host information is missing", func() {
		Expect(hostOnlineCPUs("./testdata/non-existing")).To(BeNumerically(">=", 1))
		Expect(hostClockFrequency("./testdata/non-existing")).To(Equal(uint64(DefaultClockHz)))
	})

	It("reports the pipeline's system information", func() {
		pl := newTestPipeline(withSysroot("./testdata/mixed"), WithTimerIRQs(2, 3))
		Expect(pl.Sysinfo()).To(Equal(Sysinfo{
			NumCPUs: 1,
			CPUFreq: 500_000_000,
			Archdep: Archdep{TimerIRQ: 2, TimerFreq: 500_000_000},
		}))
		Expect(pl.isTimerIRQ(3)).To(BeTrue())
		Expect(pl.isTimerIRQ(0)).To(BeFalse())
	})

	It("models the pipeline after the host by default", func() {
		pl, err := New(withSysroot("./testdata/mixed"), WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(pl.Close)
		info := pl.Sysinfo()
		Expect(info.NumCPUs).To(Equal(4))
		Expect(info.CPUFreq).To(Equal(uint64(2_400_000_000)))
		Expect(info.Archdep.TimerIRQ).To(BeZero())
		Expect(pl.NumIRQs()).To(Equal(DefaultIRQs))
	})

	It("has no timer IRQ when told so", func() {
		pl := newTestPipeline(WithTimerIRQs())
		Expect(pl.Sysinfo().Archdep.TimerIRQ).To(BeZero())
		Expect(pl.isTimerIRQ(0)).To(BeFalse())
	})

})
