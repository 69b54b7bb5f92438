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

import "strings"

// IRQ is an interrupt number. Hardware IRQs come first, starting at zero,
// followed by the virtual IRQs.
type IRQ uint

// Control is the set of flags a domain controls an individual IRQ with.
type Control uint32

const (
	// Handle marks the IRQ as being of interest to the domain: it gets
	// logged as pending in the domain and the domain's handler gets called.
	Handle Control = 1 << iota
	// Pass propagates the IRQ further down the pipeline to domains of lower
	// priority, even if handled by this domain.
	Pass
	// Wired dispatches the IRQ directly to the head domain without any
	// pending bookkeeping. Only a non-root domain at the head of the pipeline
	// can have wired IRQs.
	Wired
	// Sticky starts the pipeline walk at the current domain, if it has this
	// flag set for the IRQ, instead of at the head of the pipeline.
	Sticky
	// RootLock additionally stalls the root domain while the pipeline gets
	// walked for the IRQ. Only meaningful for the root domain.
	RootLock
	// Exclusive prevents other handlers from replacing this domain's handler
	// for this IRQ.
	Exclusive
	// Enable accounts the IRQ's priority class as enabled while the root is
	// raw-stalled; see [Pipeline.EnableIRQDesc].
	Enable
)

var controlNames = []string{
	"HANDLE", "PASS", "WIRED", "STICKY", "ROOTLOCK", "EXCLUSIVE", "ENABLE",
}

// String returns the set flags in textual form, such as "HANDLE|PASS".
func (c Control) String() string {
	if c == 0 {
		return "0"
	}
	var sb strings.Builder
	for bit, name := range controlNames {
		if c&(1<<bit) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
	}
	return sb.String()
}

// sanitize returns the control flags as they get stored when registering a
// handler, or false if the flags contradict each other.
func (c Control) sanitize(handler Handler, root bool) (Control, bool) {
	if handler == nil {
		c &^= Handle | Sticky | Wired | Exclusive
	}
	if c&Wired != 0 {
		if root || c&Handle == 0 {
			return 0, false
		}
		// wired IRQs are never propagated.
		c &^= Pass
	}
	if c&Sticky != 0 && c&Handle == 0 {
		return 0, false
	}
	if c&RootLock != 0 && !root {
		return 0, false
	}
	return c, true
}
