package spin

import "sync/atomic"

const writerBit = uint32(1) << 31

// RWLock is a reader/writer spinlock packed into one word: bit 31 marks a
// writer, the low 31 bits count readers. Writers are not preferred; a writer
// contends with incoming readers and may starve under heavy read traffic.
// The zero value is unlocked. An RWLock must not be copied after first use.
type RWLock struct {
	Name  string
	state atomic.Uint32
}

// TryRLock attempts to take a read hold without spinning.
func (l *RWLock) TryRLock() bool {
	if l.state.Add(1)&writerBit == 0 {
		return true
	}
	// A writer held the lock at increment time; back out.
	l.state.Add(^uint32(0))
	return false
}

// RLock spins until a read hold is taken.
func (l *RWLock) RLock() {
	var spins uint64
	limit := deadlockThreshold.Load()
	for {
		if l.TryRLock() {
			return
		}
		for l.state.Load()&writerBit != 0 {
			relax()
			spins++
			if spins >= limit {
				reportDeadlock(l.Name, spins)
				spins = 0
			}
		}
	}
}

// RUnlock drops a read hold.
func (l *RWLock) RUnlock() {
	l.state.Add(^uint32(0))
}

// TryLock attempts to take the write hold without spinning. It succeeds only
// when there are no readers and no writer.
func (l *RWLock) TryLock() bool {
	return l.state.CompareAndSwap(0, writerBit)
}

// Lock spins until the write hold is taken.
func (l *RWLock) Lock() {
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

// Unlock drops the write hold. Only the writer bit is cleared: readers that
// optimistically incremented during the hold keep their counts, so a plain
// store of zero would corrupt the lock.
func (l *RWLock) Unlock() {
	for {
		old := l.state.Load()
		if old&writerBit == 0 {
			panic("spin: Unlock of RWLock not write-held")
		}
		if l.state.CompareAndSwap(old, old&^writerBit) {
			return
		}
	}
}
