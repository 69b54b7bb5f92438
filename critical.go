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

// Flags is the saved hardware interrupt state of one or all processors.
type Flags struct {
	cpu  *Processor
	cpus []*Processor
}

// restore unmasks the hardware interrupts masked when saving the flags, in
// reverse order.
func (f Flags) restore() {
	if f.cpu != nil {
		f.cpu.unmaskHW()
	}
	for idx := len(f.cpus) - 1; idx >= 0; idx-- {
		f.cpus[idx].unmaskHW()
	}
}

// CriticalEnter masks hardware interrupts on all processors of the pipeline,
// waiting for ongoing dispatches to either finish or reach a handler. Once
// all processors are quiesced, the optional syncfn gets called. The pipeline
// structure and IRQ controls may then be changed until [CriticalExit]
// restores the returned flags.
//
// CriticalEnter must not be called with hardware interrupts masked on any
// processor of this pipeline by the caller.
func (pl *Pipeline) CriticalEnter(syncfn func()) Flags {
	for _, p := range pl.cpus {
		p.maskHW()
	}
	if syncfn != nil {
		syncfn()
	}
	return Flags{cpus: pl.cpus}
}

// CriticalExit leaves the critical section entered by [CriticalEnter],
// restoring the hardware interrupt state of all processors.
func (pl *Pipeline) CriticalExit(f Flags) { f.restore() }
