/*
Package irqpipe implements an interrupt pipeline: IRQs are offered to an ordered
sequence of domains, highest priority first, with the “root” domain always
coming last. A domain of higher priority gets to see and handle an IRQ before
any domain of lower priority, and it can decide whether the IRQ gets passed
further down the pipeline.

This package models processors, their hardware interrupt masks, and the IRQ
lines as plain Go objects. IRQ sources either raise hardware IRQs on a
[Processor], which its delivery loop then dispatches (see [Processor.Run]), or
they trigger IRQs synchronously using [Processor.TriggerIRQ].

# Domains and Stages

A [Pipeline] starts with only the root domain in it. Further domains get
inserted using [Pipeline.Register] according to their priority, which must be
above the root's priority of 0. Domains of the same priority are ordered by
registration. The position of a domain in the pipeline is its “stage”.

Each domain controls each IRQ individually, using [Pipeline.VirtualizeIRQ]:

  - [Handle]: the IRQ gets logged as pending for the domain and the domain's
    handler gets called when walking the pipeline.
  - [Pass]: the IRQ propagates further down to domains of lower priority. A
    domain that never virtualized an IRQ passes it.
  - [Wired]: the IRQ is dispatched directly to the domain at the head of the
    pipeline, with hardware interrupts staying masked and without any pending
    bookkeeping.
  - [Sticky]: when the domain currently running has this flag set for the IRQ,
    the pipeline walk starts at this domain, ignoring any domains of higher
    priority.
  - [RootLock]: the root domain stays stalled while the pipeline gets walked
    for this IRQ, and its previous stall state gets restored afterwards.

# Pending-Sets and Stalling

For each processor, each domain has a pending-set that logs which IRQs are
pending for the domain, together with a stall bit. A stalled domain still gets
its IRQs logged as pending, but its handlers don't get called. Unstalling a
domain using [Processor.Unstall] immediately plays the IRQs that became pending
in the meantime, as long as the domain isn't of lower priority than the domain
currently running on that processor.

When a hardware IRQ gets dispatched, the IRQ is first logged as pending in all
domains handling it, and only then its source gets acknowledged. This way, a
new occurrence of the same IRQ after the acknowledge cannot get lost. The
source is acknowledged at most once per occurrence, using the acknowledge
callback of the domain with the highest priority that has one. Timer IRQs and
software-triggered IRQs never get acknowledged.

# Hardware Interrupt Masking

“Masking hardware interrupts” on a [Processor] excludes any other context from
dispatching IRQs on the same processor. Domain handlers run with hardware
interrupts unmasked, so they can get preempted by IRQs for domains of higher
priority. Wired handlers and acknowledge callbacks run masked instead; they
must not call [Processor.TriggerIRQ] on the same processor, but can call
[Processor.HandleIRQ] with a nil register frame.

[Pipeline.CriticalEnter] masks hardware interrupts on all processors of a
pipeline; the pipeline structure and IRQ controls change only inside this
critical section.

# Virtual IRQs

Virtual IRQs have numbers above the hardware IRQs. They get allocated using
[Pipeline.AllocVirq], and then can be virtualized and triggered just like
hardware IRQs, except that they never get acknowledged nor raised.

# IRQ Threads

[Pipeline.InitIRQThreads] moves the root domain's handling of hardware IRQs
with actions into IRQ threads of their own. Each IRQ thread belongs to a
particular processor and has an IRQ thread priority class; pending IRQ threads
of higher classes run before those of lower classes on the same processor.
Kicking an IRQ thread multiple times before it runs results in only a single
pass of the IRQ thread.

The host's IRQs can be modelled using [HostIRQs] in combination with
[Pipeline.ImportHostIRQs]. The IRQ actions and CPU affinities then come from
the “/sys/kernel/irq/#/actions” and “/proc/irq/#/effective_affinity_list”
pseudo files, please see also the [kernel ABI testing documentation on
/sys/kernel/irq].

[kernel ABI testing documentation on /sys/kernel/irq]: https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-kernel-irq
*/
package irqpipe
