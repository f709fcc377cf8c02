package smp

import "github.com/Tsarazon/go-smp/cpuset"

// Interconnect is the hardware path that tells a processor it has mail. The
// coordinator calls it after enqueuing a message; implementations turn the
// call into whatever the platform uses as an inter-processor interrupt.
//
// Raise calls must not block and must not send messages themselves.
type Interconnect interface {
	// RaiseDirected signals one processor.
	RaiseDirected(cpu int32)

	// RaiseMulticast signals every processor in targets.
	RaiseMulticast(targets cpuset.Set)

	// RaiseBroadcast signals every processor except the caller.
	RaiseBroadcast(exclude int32)
}

// VM receives translation-invalidate messages. All methods run on the target
// processor's context during Drain.
type VM interface {
	// InvalidateRange drops translations for [start, end).
	InvalidateRange(cpu int32, start, end uintptr)

	// InvalidateList drops translations for the given page addresses.
	InvalidateList(cpu int32, pages []uintptr)

	// InvalidateUser drops all user-space translations.
	InvalidateUser(cpu int32)

	// InvalidateGlobal drops all translations.
	InvalidateGlobal(cpu int32)
}

// Scheduler receives reschedule pokes on the target processor's context.
type Scheduler interface {
	Reschedule(cpu int32)
}

// Logger is the minimal logging interface callers can hand to the
// coordinator. Both methods may be called from any processor's context.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// FatalFunc receives unrecoverable condition reports, today only likely
// deadlocks from spinning past the configured threshold. If the sink
// returns, the spin resumes with a fresh attempt count.
type FatalFunc func(err error)

// HaltFunc is invoked on a processor's context right after it acknowledges a
// KindHaltCPU message and is marked out of service.
type HaltFunc func(cpu int32)
