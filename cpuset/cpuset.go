// Package cpuset provides a fixed-capacity bitmap of processor IDs with
// atomic per-bit operations.
package cpuset

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

const (
	// MaxCPUs is the number of addressable bits in a Set.
	MaxCPUs = 256

	wordBits  = 64
	wordCount = MaxCPUs / wordBits
)

// Set is a bitmap over [0, MaxCPUs) processor IDs. The zero value is empty.
//
// SetBit, ClearBit and GetBit are safe for concurrent use. Bulk operations
// (SetAll, ClearAll) and plain struct copies are not; they are meant for a
// single owner, typically during initialization or under an external lock.
type Set struct {
	words [wordCount]uint64
}

func wordIndex(cpu int32) (int, uint64) {
	if cpu < 0 || cpu >= MaxCPUs {
		panic(fmt.Sprintf("cpuset: CPU index %d out of range [0, %d)", cpu, MaxCPUs))
	}
	return int(cpu / wordBits), uint64(1) << (uint(cpu) % wordBits)
}

// SetBit atomically sets the bit for cpu.
func (s *Set) SetBit(cpu int32) {
	idx, mask := wordIndex(cpu)
	for {
		old := atomic.LoadUint64(&s.words[idx])
		if old&mask != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&s.words[idx], old, old|mask) {
			return
		}
	}
}

// ClearBit atomically clears the bit for cpu.
func (s *Set) ClearBit(cpu int32) {
	idx, mask := wordIndex(cpu)
	for {
		old := atomic.LoadUint64(&s.words[idx])
		if old&mask == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&s.words[idx], old, old&^mask) {
			return
		}
	}
}

// GetBit reports whether the bit for cpu is set.
func (s *Set) GetBit(cpu int32) bool {
	idx, mask := wordIndex(cpu)
	return atomic.LoadUint64(&s.words[idx])&mask != 0
}

// SetAll sets the bits for CPUs [0, n) and clears the rest.
func (s *Set) SetAll(n int32) {
	if n < 0 || n > MaxCPUs {
		panic(fmt.Sprintf("cpuset: CPU count %d out of range [0, %d]", n, MaxCPUs))
	}
	for i := range s.words {
		s.words[i] = 0
	}
	full := int(n) / wordBits
	for i := 0; i < full; i++ {
		s.words[i] = ^uint64(0)
	}
	if rem := uint(n) % wordBits; rem != 0 {
		s.words[full] = (uint64(1) << rem) - 1
	}
}

// ClearAll clears every bit.
func (s *Set) ClearAll() {
	for i := range s.words {
		s.words[i] = 0
	}
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	n := 0
	for i := range s.words {
		n += bits.OnesCount64(atomic.LoadUint64(&s.words[i]))
	}
	return n
}

// IsEmpty reports whether no bit is set.
func (s *Set) IsEmpty() bool {
	for i := range s.words {
		if atomic.LoadUint64(&s.words[i]) != 0 {
			return false
		}
	}
	return true
}

// String renders the set as hex words, most significant first.
func (s *Set) String() string {
	var b strings.Builder
	for i := wordCount - 1; i >= 0; i-- {
		if i < wordCount-1 {
			b.WriteByte('_')
		}
		fmt.Fprintf(&b, "%016x", atomic.LoadUint64(&s.words[i]))
	}
	return b.String()
}
