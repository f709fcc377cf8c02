package spin

import "sync/atomic"

// Seqlock lets readers run without ever blocking a writer. Writers serialize
// on an internal spinlock and bump a sequence counter to odd on entry, even on
// exit; a reader snapshots the counter, reads the protected data, and then
// checks that the counter is still the same even value. The zero value is
// ready to use. A Seqlock must not be copied after first use.
//
// Readers must tolerate torn intermediate reads and retry; protected data
// must therefore be plain values, never pointers a torn read could make
// dangerous to follow.
type Seqlock struct {
	lock  Lock
	count atomic.Uint32
}

// Lock takes the write hold and marks the sequence odd.
func (l *Seqlock) Lock() {
	l.lock.Lock()
	l.count.Add(1)
}

// Unlock marks the sequence even and drops the write hold.
func (l *Seqlock) Unlock() {
	l.count.Add(1)
	l.lock.Unlock()
}

// ReadBegin returns the sequence snapshot for a read-side critical section.
func (l *Seqlock) ReadBegin() uint32 {
	return l.count.Load()
}

// ReadValid reports whether a read-side section that began at seq observed a
// consistent snapshot. On false the caller must retry from ReadBegin.
func (l *Seqlock) ReadValid(seq uint32) bool {
	return seq%2 == 0 && l.count.Load() == seq
}
