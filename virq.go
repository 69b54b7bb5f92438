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

import "fmt"

// IsVirtual returns true if the IRQ number is in the range of virtual IRQs,
// regardless of whether it has been allocated.
func (pl *Pipeline) IsVirtual(irq IRQ) bool {
	return int(irq) >= pl.nhwirqs && int(irq) < pl.nirqs
}

// AllocVirq allocates the lowest free virtual IRQ.
func (pl *Pipeline) AllocVirq() (IRQ, error) {
	nvirqs := pl.nirqs - pl.nhwirqs
	for {
		virq, ok := IRQ(0), false
		for v := range nvirqs {
			if !pl.virqs.isSet(IRQ(v)) {
				virq, ok = IRQ(v), true
				break
			}
		}
		if !ok {
			return 0, ErrNoVirq
		}
		// Lost the race for this one? Then simply try again.
		if !pl.virqs.set(virq) {
			irq := IRQ(pl.nhwirqs) + virq
			pl.log.V(1).Info("allocated virtual IRQ", "irq", irq)
			return irq, nil
		}
	}
}

// FreeVirq releases an allocated virtual IRQ.
func (pl *Pipeline) FreeVirq(irq IRQ) error {
	if !pl.IsVirtual(irq) {
		return fmt.Errorf("cannot free IRQ %d: %w", irq, ErrInvalidIRQ)
	}
	if !pl.virqs.testAndClear(irq - IRQ(pl.nhwirqs)) {
		return fmt.Errorf("cannot free IRQ %d: %w", irq, ErrUnallocatedVirq)
	}
	pl.log.V(1).Info("freed virtual IRQ", "irq", irq)
	return nil
}
