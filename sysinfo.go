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

import "github.com/thediveo/faf"

// Sysinfo is a read-only snapshot of the basic system information the
// pipeline works with.
type Sysinfo struct {
	NumCPUs int    // number of processors.
	CPUFreq uint64 // clock frequency in Hz.
	Archdep Archdep
}

// Archdep is the architecture-dependent part of [Sysinfo].
type Archdep struct {
	TimerIRQ  IRQ    // IRQ of the periodic timer.
	TimerFreq uint64 // timer frequency in Hz.
}

// Sysinfo returns the number of processors, the clock frequency, and the
// timer IRQ of the pipeline.
func (pl *Pipeline) Sysinfo() Sysinfo {
	info := Sysinfo{
		NumCPUs: len(pl.cpus),
		CPUFreq: pl.clockHz,
	}
	if len(pl.timerIRQs) > 0 {
		info.Archdep.TimerIRQ = pl.timerIRQs[0]
	}
	info.Archdep.TimerFreq = info.CPUFreq
	return info
}

const (
	onlineCPUsNode = "/sys/devices/system/cpu/online"
	cpuMaxFreqNode = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"
)

// hostOnlineCPUs returns the number of host CPUs currently online, falling
// back to the process' CPU affinity, and finally to a single CPU.
func hostOnlineCPUs(root string) int {
	contents, ok := faf.ReadFile(root+onlineCPUsNode, nil)
	if ok && len(contents) > 1 && contents[len(contents)-1] == '\n' {
		if n := cpuList(contents[:len(contents)-1]).Count(); n > 0 {
			return n
		}
	}
	if n := affinityCPUs(); n > 0 {
		return n
	}
	return 1
}

// hostClockFrequency returns the maximum clock frequency of the first host
// CPU in Hz, or [DefaultClockHz] if unknown.
func hostClockFrequency(root string) uint64 {
	contents, ok := faf.ReadFile(root+cpuMaxFreqNode, nil)
	if !ok || len(contents) < 2 || contents[len(contents)-1] != '\n' {
		return DefaultClockHz
	}
	khz, ok := faf.ParseUint(contents[:len(contents)-1])
	if !ok || khz == 0 {
		return DefaultClockHz
	}
	return khz * 1000
}
