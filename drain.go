package smp

// mailboxSource records where a message was claimed from, which decides how
// it is retired.
type mailboxSource int8

const (
	sourceLocal mailboxSource = iota
	sourceBroadcast
)

// Drain processes every message currently pending for cpu: first the
// processor's own mailbox, then broadcast-queue entries whose target set
// still includes cpu. It returns the number of messages handled.
//
// Drain must run on cpu's own context. Handlers may send messages and may
// call Drain recursively; each pending message is still handled exactly
// once, because claims are atomic. Messages from different senders are not
// handled in their send order.
func (c *Coordinator) Drain(cpu int32) int {
	c.checkCPU(cpu)

	n := 0
	for c.processNext(cpu) {
		n++
	}
	return n
}

// processNext claims and handles one pending message for cpu.
func (c *Coordinator) processNext(cpu int32) bool {
	m, source := c.checkForMessage(cpu)
	if m == nil {
		return false
	}

	// the slot may be recycled the moment finish runs, so decide about
	// halting first
	haltCPU := m.kind == KindHaltCPU
	kind := m.kind

	c.dispatch(cpu, m.kind, m.data, m.data2, m.data3, m.fn, m.arg)
	c.finish(cpu, m, source)
	c.observer.ObserveProcessed(cpu, kind)

	if haltCPU {
		c.markHalted(cpu)
	}
	return true
}

// checkForMessage claims the next message addressed to cpu. Local mail wins;
// otherwise the broadcast queue is scanned for an entry whose target set
// still has cpu's bit, and the bit is cleared under the queue lock to claim
// it. The message itself stays linked until its last claimant retires it.
func (c *Coordinator) checkForMessage(cpu int32) (*Message, mailboxSource) {
	if m := c.cpus[cpu].mailbox.Pop(); m != nil {
		return m, sourceLocal
	}

	c.lockInternal(&c.bcastLock, cpu)
	for m := c.bcastHead.Load(); m != nil; m = m.next.Load() {
		if m.targets.GetBit(cpu) {
			m.targets.ClearBit(cpu)
			c.unlockInternal(&c.bcastLock)
			return m, sourceBroadcast
		}
	}
	c.unlockInternal(&c.bcastLock)
	return nil, sourceLocal
}

// dispatch performs the action a message asks for, on cpu's context. Halting
// is deferred to the caller so the message can be acknowledged first.
func (c *Coordinator) dispatch(cpu int32, kind MessageKind, data, data2, data3 uint64, fn CallFunc, arg any) {
	switch kind {
	case KindInvalidateRange:
		if c.vm != nil {
			c.vm.InvalidateRange(cpu, uintptr(data), uintptr(data2))
		}
	case KindInvalidateList:
		if c.vm != nil {
			pages, _ := arg.([]uintptr)
			c.vm.InvalidateList(cpu, pages)
		}
	case KindInvalidateUser:
		if c.vm != nil {
			c.vm.InvalidateUser(cpu)
		}
	case KindInvalidateGlobal:
		if c.vm != nil {
			c.vm.InvalidateGlobal(cpu)
		}
	case KindHaltCPU:
		// acknowledged here, honored by the caller after finish
	case KindCallFunction:
		if fn != nil {
			fn(arg, cpu)
		}
	case KindReschedule:
		if c.sched != nil {
			c.sched.Reschedule(cpu)
		}
	}
}

// finish drops cpu's claim on m. The last claimant unlinks broadcast
// messages from the queue, releases the payload, and either frees the slot
// or hands it back to a waiting sync sender via the done flag.
func (c *Coordinator) finish(cpu int32, m *Message, source mailboxSource) {
	if m.refCount.Add(-1) != 0 {
		return
	}

	if source == sourceBroadcast {
		c.unlinkBroadcast(cpu, m)
	}

	m.releaseArg()

	if m.flags&FlagSync != 0 {
		// the sender is spinning on done and returns the slot itself
		m.done.Store(true)
		return
	}
	c.releaseMessage(cpu, m)
}

// unlinkBroadcast removes m from the broadcast queue.
func (c *Coordinator) unlinkBroadcast(cpu int32, m *Message) {
	c.lockInternal(&c.bcastLock, cpu)
	var prev *Message
	for cur := c.bcastHead.Load(); cur != nil; cur = cur.next.Load() {
		if cur == m {
			if prev == nil {
				c.bcastHead.Store(cur.next.Load())
			} else {
				prev.next.Store(cur.next.Load())
			}
			break
		}
		prev = cur
	}
	c.unlockInternal(&c.bcastLock)
}

// markHalted takes cpu out of service after a KindHaltCPU message.
func (c *Coordinator) markHalted(cpu int32) {
	if c.cpus[cpu].halted.Swap(true) {
		return
	}
	c.logger.Info("processor halted", "cpu", cpu)
	if c.halt != nil {
		c.halt(cpu)
	}
}
