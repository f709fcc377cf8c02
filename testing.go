package smp

import (
	"sync"

	"github.com/Tsarazon/go-smp/cpuset"
)

// MockPlatform is a recording implementation of all three hardware
// collaborators (Interconnect, VM, Scheduler) for testing. It tracks every
// raise and invalidation for verification.
//
// With SetInlineDrain it also delivers messages immediately: each raise
// drains the signaled processors on the caller's goroutine. That collapses
// all processor contexts onto one goroutine, which is wrong for production
// but makes single-goroutine tests deterministic.
type MockPlatform struct {
	mu sync.RWMutex

	directedRaises  map[int32]int
	multicastRaises int
	broadcastRaises int

	rangeCalls  int
	listCalls   int
	userCalls   int
	globalCalls int
	lastRange   [2]uintptr
	lastPages   []uintptr

	rescheduleCalls map[int32]int

	inline *Coordinator
}

// NewMockPlatform creates a new recording platform.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		directedRaises:  make(map[int32]int),
		rescheduleCalls: make(map[int32]int),
	}
}

// SetInlineDrain attaches a coordinator whose Drain runs inline on every
// raise. Call it after New, before any traffic.
func (m *MockPlatform) SetInlineDrain(c *Coordinator) {
	m.mu.Lock()
	m.inline = c
	m.mu.Unlock()
}

// RaiseDirected implements the Interconnect interface
func (m *MockPlatform) RaiseDirected(cpu int32) {
	m.mu.Lock()
	m.directedRaises[cpu]++
	inline := m.inline
	m.mu.Unlock()

	if inline != nil {
		inline.Drain(cpu)
	}
}

// RaiseMulticast implements the Interconnect interface
func (m *MockPlatform) RaiseMulticast(targets cpuset.Set) {
	m.mu.Lock()
	m.multicastRaises++
	inline := m.inline
	m.mu.Unlock()

	if inline != nil {
		for i := int32(0); i < inline.NumCPUs(); i++ {
			if targets.GetBit(i) {
				inline.Drain(i)
			}
		}
	}
}

// RaiseBroadcast implements the Interconnect interface
func (m *MockPlatform) RaiseBroadcast(exclude int32) {
	m.mu.Lock()
	m.broadcastRaises++
	inline := m.inline
	m.mu.Unlock()

	if inline != nil {
		for i := int32(0); i < inline.NumCPUs(); i++ {
			if i != exclude {
				inline.Drain(i)
			}
		}
	}
}

// InvalidateRange implements the VM interface
func (m *MockPlatform) InvalidateRange(cpu int32, start, end uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rangeCalls++
	m.lastRange = [2]uintptr{start, end}
}

// InvalidateList implements the VM interface
func (m *MockPlatform) InvalidateList(cpu int32, pages []uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	m.lastPages = append([]uintptr(nil), pages...)
}

// InvalidateUser implements the VM interface
func (m *MockPlatform) InvalidateUser(cpu int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.userCalls++
}

// InvalidateGlobal implements the VM interface
func (m *MockPlatform) InvalidateGlobal(cpu int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globalCalls++
}

// Reschedule implements the Scheduler interface
func (m *MockPlatform) Reschedule(cpu int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rescheduleCalls[cpu]++
}

// Testing utility methods

// DirectedRaises returns how many times cpu was signaled directly
func (m *MockPlatform) DirectedRaises(cpu int32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.directedRaises[cpu]
}

// MulticastRaises returns how many multicast signals were raised
func (m *MockPlatform) MulticastRaises() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.multicastRaises
}

// BroadcastRaises returns how many broadcast signals were raised
func (m *MockPlatform) BroadcastRaises() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.broadcastRaises
}

// RescheduleCalls returns how many reschedule pokes cpu received
func (m *MockPlatform) RescheduleCalls(cpu int32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rescheduleCalls[cpu]
}

// InvalidateCounts returns the number of VM calls by kind
func (m *MockPlatform) InvalidateCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"range":  m.rangeCalls,
		"list":   m.listCalls,
		"user":   m.userCalls,
		"global": m.globalCalls,
	}
}

// LastRange returns the bounds of the most recent range invalidation
func (m *MockPlatform) LastRange() (start, end uintptr) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRange[0], m.lastRange[1]
}

// LastPages returns the page list of the most recent list invalidation
func (m *MockPlatform) LastPages() []uintptr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uintptr(nil), m.lastPages...)
}

// Reset resets all call counters
func (m *MockPlatform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.directedRaises = make(map[int32]int)
	m.multicastRaises = 0
	m.broadcastRaises = 0
	m.rangeCalls = 0
	m.listCalls = 0
	m.userCalls = 0
	m.globalCalls = 0
	m.lastRange = [2]uintptr{}
	m.lastPages = nil
	m.rescheduleCalls = make(map[int32]int)
}

// Compile-time interface checks
var (
	_ Interconnect = (*MockPlatform)(nil)
	_ VM           = (*MockPlatform)(nil)
	_ Scheduler    = (*MockPlatform)(nil)
)
