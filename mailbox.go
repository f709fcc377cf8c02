package smp

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Mailbox is a lock-free intrusive LIFO of messages, one per processor.
// Any processor may push; only the owning processor pops. The single-consumer
// rule is what makes the pop CAS safe against ABA: a popped message cannot
// reappear at the head while the only popper is busy with it.
//
// Delivery order between different senders is therefore not FIFO. Callers
// needing ordering use FlagSync.
type Mailbox struct {
	head atomic.Pointer[Message]
	_    cpu.CacheLinePad
}

// Push adds m to the mailbox. Safe for concurrent producers.
func (b *Mailbox) Push(m *Message) {
	for {
		old := b.head.Load()
		m.next.Store(old)
		if b.head.CompareAndSwap(old, m) {
			return
		}
	}
}

// Pop removes and returns the most recently pushed message, or nil. Only the
// owning processor may call Pop.
func (b *Mailbox) Pop() *Message {
	for {
		m := b.head.Load()
		if m == nil {
			return nil
		}
		if b.head.CompareAndSwap(m, m.next.Load()) {
			m.next.Store(nil)
			return m
		}
	}
}

// Empty reports whether the mailbox has no pending messages.
func (b *Mailbox) Empty() bool {
	return b.head.Load() == nil
}
