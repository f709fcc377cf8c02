package smp

import (
	"sync/atomic"

	"github.com/Tsarazon/go-smp/cpuset"
)

// MessageKind identifies the action a cross-processor message requests.
type MessageKind int32

const (
	// KindInvalidateRange asks the target to invalidate translations for the
	// address range [Data, Data2).
	KindInvalidateRange MessageKind = iota

	// KindInvalidateList asks the target to invalidate the page addresses
	// carried in Arg as a []uintptr.
	KindInvalidateList

	// KindInvalidateUser asks the target to drop all user-space translations.
	KindInvalidateUser

	// KindInvalidateGlobal asks the target to drop all translations.
	KindInvalidateGlobal

	// KindHaltCPU takes the target out of service after the message is
	// acknowledged.
	KindHaltCPU

	// KindCallFunction runs Fn(Arg, cpu) on the target.
	KindCallFunction

	// KindReschedule pokes the target's scheduler.
	KindReschedule
)

// String returns the snake_case name used in logs and metrics.
func (k MessageKind) String() string {
	switch k {
	case KindInvalidateRange:
		return "invalidate_range"
	case KindInvalidateList:
		return "invalidate_list"
	case KindInvalidateUser:
		return "invalidate_user"
	case KindInvalidateGlobal:
		return "invalidate_global"
	case KindHaltCPU:
		return "halt_cpu"
	case KindCallFunction:
		return "call_function"
	case KindReschedule:
		return "reschedule"
	default:
		return "unknown"
	}
}

// numKinds sizes per-kind metric counters.
const numKinds = int(KindReschedule) + 1

// Flags control delivery and payload retirement.
type Flags uint32

const (
	// FlagAsync returns to the sender as soon as the message is enqueued.
	FlagAsync Flags = 0

	// FlagSync makes the sender wait until every target has processed the
	// message. The sender drains its own mailbox while waiting.
	FlagSync Flags = 1 << 0

	// FlagFreeArg releases the payload when the message retires, if the
	// payload implements Releaser.
	FlagFreeArg Flags = 1 << 1
)

// CallFunc is the signature for distributed function calls. It runs on the
// target processor's context with that processor's ID.
type CallFunc func(arg any, cpu int32)

// Releaser is implemented by payloads that need an explicit release when
// their message retires and FlagFreeArg is set.
type Releaser interface {
	Release()
}

// Request describes one cross-processor message from the sender's point of
// view. The zero value is a valid async request of kind KindInvalidateRange;
// callers normally set at least Kind.
type Request struct {
	Kind  MessageKind
	Data  uint64
	Data2 uint64
	Data3 uint64
	Fn    CallFunc
	Arg   any
	Flags Flags
}

// Message is one pool slot. A message is always in exactly one place: the
// free list, a single per-CPU mailbox, or the broadcast queue with a live
// reference count.
type Message struct {
	next atomic.Pointer[Message]

	kind  MessageKind
	data  uint64
	data2 uint64
	data3 uint64
	fn    CallFunc
	arg   any
	flags Flags

	sender   int32
	refCount atomic.Int32
	done     atomic.Bool
	targets  cpuset.Set
}

// Kind returns the message kind.
func (m *Message) Kind() MessageKind { return m.kind }

// Sender returns the processor that sent the message.
func (m *Message) Sender() int32 { return m.sender }

// fill loads a request into a pool slot. refCount and targets are set by the
// delivery path, which knows how many processors will see the message.
func (m *Message) fill(req Request, sender int32) {
	m.kind = req.Kind
	m.data = req.Data
	m.data2 = req.Data2
	m.data3 = req.Data3
	m.fn = req.Fn
	m.arg = req.Arg
	m.flags = req.Flags
	m.sender = sender
	m.done.Store(false)
	m.targets.ClearAll()
}

// reset clears payload references so the free list does not retain them.
func (m *Message) reset() {
	m.next.Store(nil)
	m.fn = nil
	m.arg = nil
	m.targets.ClearAll()
}

// releaseArg runs the payload's releaser if the flags ask for it.
func (m *Message) releaseArg() {
	if m.flags&FlagFreeArg == 0 {
		return
	}
	if r, ok := m.arg.(Releaser); ok {
		r.Release()
	}
}
