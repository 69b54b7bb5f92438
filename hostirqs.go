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
	"iter"
	"sync"

	"github.com/thediveo/faf"
)

// HostIRQ describes a hardware IRQ of the host, as Num, together with its
// list of actions and the CPUs it is effectively routed to.
type HostIRQ struct {
	Num        uint          // IRQ number
	Actions    string        // list of IRQ actions
	Affinities CPUAffinities // effective CPU(s) affinities
}

// CPUAffinities is a list of CPU [from...to] ranges. CPU numbers are starting
// from zero.
type CPUAffinities [][2]uint

// Count returns the number of CPUs in the list of ranges.
func (a CPUAffinities) Count() int {
	count := 0
	for _, r := range a {
		count += int(r[1]-r[0]) + 1
	}
	return count
}

// HostIRQs returns an iterator looping over the hardware IRQs of the host that
// have actions, giving their actions and CPU affinities. Feeding it into
// [Pipeline.ImportHostIRQs] sets up the IRQ descriptors of a pipeline
// modelled after the host.
func HostIRQs() iter.Seq[HostIRQ] {
	return hostIRQs("")
}

const (
	syskernelirqPath = "/sys/kernel/irq/"
	procirqPath      = "/proc/irq/"

	actionsNode           = "/actions"
	effectiveAffinityNode = "/effective_affinity_list"
)

const workers = 16

// hostIRQs loops over the IRQs found below the specified root directory.
//
// The pseudo files with the IRQ details are read by concurrent workers, so
// that the kernel renders them on multiple CPUs simultaneously. Workers pick
// IRQ names (numbers) off the job channel and post their findings into the
// details channel. The order of the IRQs produced thus is undefined.
func hostIRQs(root string) iter.Seq[HostIRQ] {
	return func(yield func(HostIRQ) bool) {
		// done tells the workers to wind down early after yield said so.
		done := make(chan struct{})
		namech := make(chan string, workers)
		// detailch has multiple producers, so it gets closed only after all
		// workers are gone.
		detailch := make(chan HostIRQ, workers)
		var wg sync.WaitGroup

		readDetails := func() {
			defer wg.Done()
			var contents []byte
			for {
				var name string
				var ok bool
				select {
				case <-done:
					return
				case name, ok = <-namech:
					if !ok {
						return
					}
				}
				irqnum, ok := faf.ParseUint([]byte(name))
				if !ok {
					continue
				}
				hostirq := HostIRQ{Num: uint(irqnum)}

				// The read buffer gets recycled; the actions string copies
				// what it needs.
				contents, ok = faf.ReadFile(
					root+syskernelirqPath+name+actionsNode, contents)
				if !ok || len(contents) < 1 || contents[len(contents)-1] != '\n' {
					continue
				}
				hostirq.Actions = string(contents[:len(contents)-1])
				if hostirq.Actions == "" {
					continue
				}

				contents, ok = faf.ReadFile(
					root+procirqPath+name+effectiveAffinityNode, contents)
				if !ok || len(contents) < 1 || contents[len(contents)-1] != '\n' {
					continue
				}
				afflist := cpuList(contents[:len(contents)-1])
				if len(afflist) == 0 {
					continue
				}
				hostirq.Affinities = afflist
				select {
				case detailch <- hostirq:
				case <-done:
					return
				}
			}
		}
		wg.Add(workers)
		for range workers {
			go readDetails()
		}
		go func() {
			defer close(namech)
			for irqEntry := range faf.ReadDir(root + syskernelirqPath) {
				if !irqEntry.IsDir() {
					continue
				}
				select {
				case namech <- string(irqEntry.Name):
				case <-done:
					return
				}
			}
		}()
		go func() {
			wg.Wait()
			close(detailch)
		}()
		for hostirq := range detailch {
			if !yield(hostirq) {
				close(done)
				return
			}
		}
	}
}

// cpuList returns the CPUAffinities list from the given byte slice, such as
// "0-3,8,10-11". Parsing stops at the first malformed element.
func cpuList(b []byte) CPUAffinities {
	bstr := faf.NewBytestring(b)
	cpus := CPUAffinities{}
	for !bstr.EOL() {
		from, ok := bstr.Uint64()
		if !ok {
			break
		}
		if bstr.EOL() {
			cpus = append(cpus, [2]uint{uint(from), uint(from)})
			break
		}
		ch, _ := bstr.Next()
		if ch == ',' {
			cpus = append(cpus, [2]uint{uint(from), uint(from)})
			continue
		}
		if ch != '-' {
			break
		}
		to, ok := bstr.Uint64()
		if !ok || to < from {
			break
		}
		cpus = append(cpus, [2]uint{uint(from), uint(to)})
		if ch, ok := bstr.Next(); !ok || ch != ',' {
			break
		}
	}
	return cpus
}
