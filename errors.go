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
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is the common root of all errors caused by passing
	// IRQ numbers, domains, or flags that the pipeline cannot accept.
	ErrInvalidArgument = errors.New("irqpipe: invalid argument")

	// ErrInvalidIRQ is returned for IRQ numbers outside the range of hardware
	// and virtual IRQs.
	ErrInvalidIRQ = fmt.Errorf("%w: IRQ number out of range", ErrInvalidArgument)

	// ErrUnallocatedVirq is returned for virtual IRQ numbers that are in range
	// but have not been allocated.
	ErrUnallocatedVirq = fmt.Errorf("%w: virtual IRQ not allocated", ErrInvalidArgument)

	// ErrInvalidControl is returned for contradicting control flags, such as
	// wiring an IRQ to the root domain.
	ErrInvalidControl = fmt.Errorf("%w: invalid control flags", ErrInvalidArgument)

	// ErrNoDomain is returned when a domain isn't (or isn't anymore) part of
	// the pipeline, or when trying to remove the root domain.
	ErrNoDomain = fmt.Errorf("%w: no such domain", ErrInvalidArgument)

	// ErrDomainExists is returned when registering a domain under a name
	// already taken.
	ErrDomainExists = errors.New("irqpipe: domain already registered")

	// ErrBusy is returned when an IRQ is exclusively claimed by a domain.
	ErrBusy = errors.New("irqpipe: IRQ busy")

	// ErrNoVirq is returned when all virtual IRQs have been allocated.
	ErrNoVirq = errors.New("irqpipe: no virtual IRQ left")

	// ErrNoResources is returned when a domain slot or an IRQ thread cannot be
	// created.
	ErrNoResources = errors.New("irqpipe: out of resources")
)
