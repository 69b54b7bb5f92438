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
	"fmt"

	"github.com/go-logr/logr"
)

// Defaults used by [New] when not overridden by options.
const (
	DefaultIRQs       = 64
	DefaultVirqs      = 32
	DefaultMaxNesting = 16
	DefaultClockHz    = 1_000_000_000
)

// Option configures a [Pipeline] when creating it using [New].
type Option func(*options) error

type options struct {
	cpus           int
	irqs           int
	virqs          int
	timerIRQs      []IRQ
	clockHz        uint64
	log            logr.Logger
	threadAffinity bool
	spawn          Spawner
	maxNesting     int
	sysroot        string
}

// Spawner starts the passed IRQ thread body in the background, returning an
// error if it cannot do so.
type Spawner func(run func()) error

// goSpawner runs IRQ thread bodies in their own go routines and never fails.
func goSpawner(run func()) error {
	go run()
	return nil
}

// WithCPUs sets the number of processors the pipeline dispatches on. By
// default, the number of host CPUs currently online is used.
func WithCPUs(n int) Option {
	return func(o *options) error {
		if n < 1 || n > maxCPUs {
			return fmt.Errorf("%w: CPU count %d not in [1..%d]", ErrInvalidArgument, n, maxCPUs)
		}
		o.cpus = n
		return nil
	}
}

// WithIRQs sets the number of hardware IRQ lines.
func WithIRQs(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("%w: IRQ count %d", ErrInvalidArgument, n)
		}
		o.irqs = n
		return nil
	}
}

// WithVirqs sets the number of virtual IRQs that can be allocated on top of
// the hardware IRQ lines.
func WithVirqs(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("%w: virtual IRQ count %d", ErrInvalidArgument, n)
		}
		o.virqs = n
		return nil
	}
}

// WithTimerIRQs designates the periodic timer IRQs. Timer IRQs never get
// acknowledged by the pipeline. The first IRQ passed is reported as the
// timer IRQ in [Sysinfo].
func WithTimerIRQs(irqs ...IRQ) Option {
	return func(o *options) error {
		o.timerIRQs = append([]IRQ(nil), irqs...)
		return nil
	}
}

// WithClockFrequency sets the clock frequency in Hz, overriding the
// frequency otherwise read from the host.
func WithClockFrequency(hz uint64) Option {
	return func(o *options) error {
		if hz == 0 {
			return fmt.Errorf("%w: zero clock frequency", ErrInvalidArgument)
		}
		o.clockHz = hz
		return nil
	}
}

// WithLogger sets the logger; by default, nothing gets logged.
func WithLogger(l logr.Logger) Option {
	return func(o *options) error {
		o.log = l
		return nil
	}
}

// WithThreadAffinity pins the OS threads running IRQ threads to the host CPU
// with the same number as the processor the IRQ thread serves.
func WithThreadAffinity(pin bool) Option {
	return func(o *options) error {
		o.threadAffinity = pin
		return nil
	}
}

// WithThreadSpawner replaces the way IRQ threads get started.
func WithThreadSpawner(spawn Spawner) Option {
	return func(o *options) error {
		if spawn == nil {
			return fmt.Errorf("%w: nil spawner", ErrInvalidArgument)
		}
		o.spawn = spawn
		return nil
	}
}

// WithMaxNesting limits how deep [Processor.HandleIRQ] may re-enter itself
// before it only logs further IRQs as pending, leaving them to the outer
// pipeline walks.
func WithMaxNesting(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("%w: nesting limit %d", ErrInvalidArgument, n)
		}
		o.maxNesting = n
		return nil
	}
}

// withSysroot reads host information relative to the given root directory
// instead of "/"; for testing.
func withSysroot(root string) Option {
	return func(o *options) error {
		o.sysroot = root
		return nil
	}
}
