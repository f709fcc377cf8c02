package smp

import (
	"time"

	"github.com/Tsarazon/go-smp/cpuset"
)

// Send delivers one message to target from current's context. A message to
// current itself runs inline and consumes no pool slot. With FlagSync the
// call returns only after target has processed the message; the sender
// drains its own mailbox while it waits.
//
// Send panics if messaging has not been enabled or either CPU index is out
// of range.
func (c *Coordinator) Send(current, target int32, req Request) {
	c.checkCPU(current)
	c.checkCPU(target)

	if target == current {
		c.runInline(current, req)
		return
	}

	if !c.enabled.Load() {
		panic("smp: Send before EnableMessaging")
	}

	sync := req.Flags&FlagSync != 0

	m := c.acquireMessage(current)
	m.fill(req, current)
	m.refCount.Store(1)

	// stick it in the target's mailbox and ring the doorbell
	c.cpus[target].mailbox.Push(m)
	if c.ic != nil {
		c.ic.RaiseDirected(target)
	}

	c.observer.ObserveSend(req.Kind, ScopeDirected, sync)
	if c.userLogger != nil {
		c.userLogger.Debugf("ici %s: cpu %d -> cpu %d", req.Kind, current, target)
	}

	if sync {
		c.waitSync(current, m)
	}
}

// SendMulticast delivers one message to every processor in targets except
// current, whose bit is ignored. Multicast messages ride the broadcast
// queue; each target claims its bit and the last one off retires the
// message.
//
// SendMulticast panics if messaging is not enabled, current is out of
// range, or no targets remain after excluding current.
func (c *Coordinator) SendMulticast(current int32, targets cpuset.Set, req Request) {
	c.checkCPU(current)

	if !c.enabled.Load() {
		panic("smp: SendMulticast before EnableMessaging")
	}

	targets.ClearBit(current)
	count := int32(targets.Count())
	if count == 0 {
		panic("smp: SendMulticast with no targets")
	}

	sync := req.Flags&FlagSync != 0

	m := c.acquireMessage(current)
	m.fill(req, current)
	m.targets = targets
	m.refCount.Store(count)

	c.pushBroadcast(current, m)
	if c.ic != nil {
		c.ic.RaiseMulticast(targets)
	}

	c.observer.ObserveSend(req.Kind, ScopeMulticast, sync)
	if c.userLogger != nil {
		c.userLogger.Debugf("multicast ici %s: cpu %d -> %d targets", req.Kind, current, count)
	}

	if sync {
		c.waitSync(current, m)
	}
}

// Broadcast delivers one message to every processor except current. On a
// single-processor coordinator it is a no-op.
//
// Broadcast panics if messaging is not enabled or current is out of range.
func (c *Coordinator) Broadcast(current int32, req Request) {
	c.checkCPU(current)

	if !c.enabled.Load() {
		panic("smp: Broadcast before EnableMessaging")
	}

	if c.numCPUs == 1 {
		// nobody else to tell
		return
	}

	var targets cpuset.Set
	targets.SetAll(c.numCPUs)
	targets.ClearBit(current)

	sync := req.Flags&FlagSync != 0

	m := c.acquireMessage(current)
	m.fill(req, current)
	m.targets = targets
	m.refCount.Store(c.numCPUs - 1)

	c.pushBroadcast(current, m)
	if c.ic != nil {
		c.ic.RaiseBroadcast(current)
	}

	c.observer.ObserveSend(req.Kind, ScopeBroadcast, sync)
	if c.userLogger != nil {
		c.userLogger.Debugf("broadcast ici %s: cpu %d", req.Kind, current)
	}

	if sync {
		c.waitSync(current, m)
	}
}

// pushBroadcast prepends m to the broadcast queue.
func (c *Coordinator) pushBroadcast(current int32, m *Message) {
	c.lockInternal(&c.bcastLock, current)
	m.next.Store(c.bcastHead.Load())
	c.bcastHead.Store(m)
	c.unlockInternal(&c.bcastLock)
}

// waitSync spins until every target has processed m, draining current's own
// mailbox so two processors sync-sending to each other cannot deadlock. The
// sender owns sync slots and returns m to the pool here.
func (c *Coordinator) waitSync(current int32, m *Message) {
	start := time.Now()
	for !m.done.Load() {
		c.Drain(current)
		c.relax()
	}
	c.observer.ObserveSyncWait(uint64(time.Since(start).Nanoseconds()))
	c.releaseMessage(current, m)
}

// runInline executes a self-addressed request immediately.
func (c *Coordinator) runInline(cpu int32, req Request) {
	c.dispatch(cpu, req.Kind, req.Data, req.Data2, req.Data3, req.Fn, req.Arg)
	c.observer.ObserveSend(req.Kind, ScopeSelf, req.Flags&FlagSync != 0)
	c.observer.ObserveProcessed(cpu, req.Kind)

	if req.Flags&FlagFreeArg != 0 {
		if r, ok := req.Arg.(Releaser); ok {
			r.Release()
		}
	}

	if req.Kind == KindHaltCPU {
		c.markHalted(cpu)
	}
}
