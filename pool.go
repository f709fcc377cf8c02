package smp

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// messagePool is the fixed supply of message slots, linked into a free list
// through the messages' own next fields. The count is maintained alongside
// the lock so senders can poll for a free slot without taking the lock.
type messagePool struct {
	lock  ilock
	free  *Message // guarded by lock
	count atomic.Int32
	slots []Message
	_     cpu.CacheLinePad
}

func (p *messagePool) init(n int) {
	p.lock.init("message_pool")
	p.slots = make([]Message, n)
	for i := range p.slots {
		m := &p.slots[i]
		m.next.Store(p.free)
		p.free = m
	}
	p.count.Store(int32(n))
}

// acquireMessage returns a free slot, draining cpu's own mailbox while the
// pool is empty. Exhaustion is a wait, not an error: slots come back as
// in-flight messages retire.
func (c *Coordinator) acquireMessage(cpu int32) *Message {
	waited := false
	for {
		for c.pool.count.Load() <= 0 {
			if !waited {
				waited = true
				c.observer.ObservePoolWait()
			}
			c.Drain(cpu)
			c.relax()
		}

		c.lockInternal(&c.pool.lock, cpu)
		if c.pool.count.Load() <= 0 {
			// someone grabbed the last slot while we took the lock
			c.unlockInternal(&c.pool.lock)
			continue
		}
		m := c.pool.free
		c.pool.free = m.next.Load()
		c.pool.count.Add(-1)
		c.unlockInternal(&c.pool.lock)

		m.next.Store(nil)
		return m
	}
}

// releaseMessage clears a retired slot and returns it to the free list.
func (c *Coordinator) releaseMessage(cpu int32, m *Message) {
	m.reset()

	c.lockInternal(&c.pool.lock, cpu)
	m.next.Store(c.pool.free)
	c.pool.free = m
	c.pool.count.Add(1)
	c.unlockInternal(&c.pool.lock)
}

// FreeMessages returns the number of message slots currently on the free
// list. Senders in flight make this an instantaneous value only.
func (c *Coordinator) FreeMessages() int {
	return int(c.pool.count.Load())
}
