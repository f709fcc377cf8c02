package smp

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/Tsarazon/go-smp/internal/constants"
)

// RendezvousPoint is a single-use meeting point for every processor. The
// zero value is ready; it must not be reused once all processors have
// passed it.
type RendezvousPoint struct {
	count atomic.Int32
	_     cpu.CacheLinePad
}

// Rendezvous blocks until every processor under the coordinator has arrived
// at p. Each processor must call it exactly once per point.
func (c *Coordinator) Rendezvous(p *RendezvousPoint) {
	p.count.Add(1)
	for p.count.Load() < c.numCPUs {
		c.relax()
	}
}

// OnBootCPU parks cpu at the boot gate. Every processor calls it exactly
// once during bring-up, all with the same rendezvous point. The boot
// processor returns true as soon as everyone has arrived and continues
// bring-up; the others return false only after EnableMessaging releases
// them, servicing early function calls while they wait.
func (c *Coordinator) OnBootCPU(cpu int32, r *RendezvousPoint) bool {
	c.checkCPU(cpu)
	c.cpus[cpu].online.Store(true)

	if cpu == constants.BootCPU {
		c.Rendezvous(r)
		return true
	}

	c.Rendezvous(r)
	for !c.bootGate.Load() {
		if c.earlySet.GetBit(cpu) {
			c.processEarlyCall(cpu)
		}
		c.relax()
	}
	return false
}

// EnableMessaging opens the send paths and releases the processors parked
// in OnBootCPU. The boot processor calls it exactly once; a second call
// panics. Messaging is enabled before the gate opens, so released
// processors can send immediately.
func (c *Coordinator) EnableMessaging() {
	if c.enabled.Swap(true) {
		panic("smp: messaging already enabled")
	}

	c.logger.Info("inter-processor messaging enabled", "num_cpus", c.numCPUs)
	if c.userLogger != nil {
		c.userLogger.Printf("smp messaging enabled for %d CPUs", c.numCPUs)
	}

	c.bootGate.Store(true)
}

// processEarlyCall replays the pending early call on cpu and drops cpu's
// claim on the slot.
func (c *Coordinator) processEarlyCall(cpu int32) {
	fn, arg := c.earlyFn, c.earlyArg
	fn(arg, cpu)
	c.earlySet.ClearBit(cpu)
	c.earlyCount.Add(-1)
}

// callAllEarly distributes fn to every processor before messaging is
// enabled, using the single pending-call slot that parked processors poll.
// It returns only after every processor has run fn. Early callers are
// serialized by boot: a second call waits for the first to retire.
func (c *Coordinator) callAllEarly(current int32, fn CallFunc, arg any) {
	if c.numCPUs > 1 {
		for c.earlyCount.Load() != 0 {
			c.relax()
		}

		// publish the call before raising any target bit
		c.earlyFn = fn
		c.earlyArg = arg
		c.earlyCount.Store(c.numCPUs - 1)
		for i := int32(0); i < c.numCPUs; i++ {
			if i != current {
				c.earlySet.SetBit(i)
			}
		}
	}

	fn(arg, current)

	// wait for the parked processors to replay the call
	for c.earlyCount.Load() > 0 {
		c.relax()
	}

	c.observer.ObserveEarlyCall()
}
