// Package spin provides busy-wait synchronization primitives: a test-and-set
// spinlock, a reader/writer spinlock, and a sequence lock.
//
// These are building blocks for code that cannot block, such as interrupt-style
// message handlers. On a preemptive host they are still correct, just wasteful
// under contention; the relax hint exists so hosted callers can yield
// (runtime.Gosched) while bare-metal style callers can spin on a pause
// instruction.
package spin

import (
	"fmt"
	"sync/atomic"
)

// DefaultDeadlockThreshold is the number of failed acquisition attempts after
// which the deadlock handler fires.
const DefaultDeadlockThreshold = 100_000_000

var (
	relaxFn           atomic.Pointer[func()]
	deadlockFn        atomic.Pointer[func(name string, spins uint64)]
	deadlockThreshold atomic.Uint64
)

func init() {
	noop := func() {}
	relaxFn.Store(&noop)
	dfl := func(name string, spins uint64) {
		panic(fmt.Sprintf("spin: lock %q not acquired after %d attempts, likely deadlock", name, spins))
	}
	deadlockFn.Store(&dfl)
	deadlockThreshold.Store(DefaultDeadlockThreshold)
}

// SetRelax installs the hint invoked between failed spin attempts. A nil f
// restores the default no-op. Safe to call concurrently, but intended for
// process startup.
func SetRelax(f func()) {
	if f == nil {
		f = func() {}
	}
	relaxFn.Store(&f)
}

// SetDeadlockFunc installs the handler invoked when an acquisition exceeds the
// deadlock threshold. If the handler returns, the attempt counter resets and
// spinning resumes. A nil f restores the default, which panics.
func SetDeadlockFunc(f func(name string, spins uint64)) {
	if f == nil {
		f = func(name string, spins uint64) {
			panic(fmt.Sprintf("spin: lock %q not acquired after %d attempts, likely deadlock", name, spins))
		}
	}
	deadlockFn.Store(&f)
}

// SetDeadlockThreshold sets the failed-attempt count that triggers the
// deadlock handler. Zero restores DefaultDeadlockThreshold.
func SetDeadlockThreshold(n uint64) {
	if n == 0 {
		n = DefaultDeadlockThreshold
	}
	deadlockThreshold.Store(n)
}

func relax() { (*relaxFn.Load())() }

func reportDeadlock(name string, spins uint64) {
	if name == "" {
		name = "unnamed"
	}
	(*deadlockFn.Load())(name, spins)
}

// Lock is a test-and-set spinlock. The zero value is unlocked. A Lock must
// not be copied after first use.
//
// Lock does not track ownership: releasing a lock acquired by another
// goroutine is not detected. Name, if set, appears in deadlock reports.
type Lock struct {
	Name  string
	state atomic.Uint32
}

// TryLock attempts to acquire the lock without spinning.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Lock spins until the lock is acquired, invoking the relax hint between
// attempts and the deadlock handler past the threshold.
func (l *Lock) Lock() {
	var spins uint64
	limit := deadlockThreshold.Load()
	for !l.TryLock() {
		relax()
		spins++
		if spins >= limit {
			reportDeadlock(l.Name, spins)
			spins = 0
		}
	}
}

// Unlock releases the lock. Unlocking an unheld lock panics.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spin: Unlock of unlocked Lock")
	}
}

// Held reports whether the lock is currently held by someone.
func (l *Lock) Held() bool {
	return l.state.Load() != 0
}
