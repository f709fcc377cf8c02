package smp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsarazon/go-smp/spin"
)

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name   string
		params Params
	}{
		{"negative cpus", Params{NumCPUs: -1}},
		{"too many cpus", Params{NumCPUs: MaxCPUs + 1}},
		{"negative pool", Params{NumCPUs: 2, MessagesPerCPU: -4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.params, nil)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Params{}, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, c.NumCPUs(), int32(1))
	assert.LessOrEqual(t, c.NumCPUs(), int32(MaxCPUs))
	assert.Equal(t, int(c.NumCPUs())*DefaultMessagesPerCPU, c.FreeMessages())
	assert.False(t, c.MessagingEnabled())
	for i := int32(0); i < c.NumCPUs(); i++ {
		assert.False(t, c.CPUOnline(i))
		assert.False(t, c.CPUHalted(i))
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, int32(0), p.NumCPUs)
	assert.Equal(t, DefaultMessagesPerCPU, p.MessagesPerCPU)
	assert.Equal(t, uint64(DefaultDeadlockThreshold), p.DeadlockThreshold)
}

func TestDrainOutOfRangePanics(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	assert.Panics(t, func() { c.Drain(5) })
	assert.Panics(t, func() { c.Drain(-1) })
}

func TestAcquireLockDrainsWhileSpinning(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)
	l := &spin.Lock{Name: "shared_state"}

	var count atomic.Int64
	c.Send(1, 0, Request{Kind: KindCallFunction, Fn: func(any, int32) { count.Add(1) }})

	require.True(t, l.TryLock())

	acquired := make(chan struct{})
	go func() {
		c.AcquireLock(l, 0)
		close(acquired)
	}()

	// the waiter keeps servicing cpu 0's mail while the lock is held
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending message never drained while waiting for the lock")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	default:
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never acquired after release")
	}

	assert.True(t, l.Held())
	c.ReleaseLock(l)
	assert.False(t, l.Held())
}

func TestDeadlockReportViaFatal(t *testing.T) {
	type report struct {
		err   error
		spins uint64
	}
	var mu sync.Mutex
	var reports []report

	c, err := New(Params{NumCPUs: 2, DeadlockThreshold: 1000}, &Options{
		Fatal: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			var e *Error
			if assert.ErrorAs(t, err, &e) {
				reports = append(reports, report{err: err, spins: 1000})
			}
		},
	})
	require.NoError(t, err)
	c.EnableMessaging()

	l := &spin.Lock{Name: "contended"}
	require.True(t, l.TryLock())

	acquired := make(chan struct{})
	go func() {
		c.AcquireLock(l, 0)
		close(acquired)
	}()

	// hold long enough for the threshold to trip at least once
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(reports)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("deadlock threshold never tripped")
		}
		time.Sleep(time.Millisecond)
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("spinning never resumed after the fatal sink returned")
	}
	c.ReleaseLock(l)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	assert.True(t, IsCode(reports[0].err, ErrCodeDeadlock))
	assert.Contains(t, reports[0].err.Error(), "contended")
	assert.GreaterOrEqual(t, c.MetricsSnapshot().DeadlockReports, uint64(1))
}

func TestCustomObserverReplacesMetrics(t *testing.T) {
	type sendEvent struct {
		kind  MessageKind
		scope SendScope
		sync  bool
	}
	var mu sync.Mutex
	var sends []sendEvent

	obs := &funcObserver{
		onSend: func(kind MessageKind, scope SendScope, sync bool) {
			mu.Lock()
			defer mu.Unlock()
			sends = append(sends, sendEvent{kind, scope, sync})
		},
	}

	mock := NewMockPlatform()
	c, err := New(Params{NumCPUs: 2}, &Options{Interconnect: mock, Observer: obs})
	require.NoError(t, err)
	c.EnableMessaging()

	c.Send(0, 1, Request{Kind: KindInvalidateUser})
	c.Drain(1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sends, 1)
	assert.Equal(t, KindInvalidateUser, sends[0].kind)
	assert.Equal(t, ScopeDirected, sends[0].scope)
	assert.False(t, sends[0].sync)

	// the built-in metrics are bypassed when a custom observer is set
	assert.Equal(t, uint64(0), c.MetricsSnapshot().DirectedSends)
}

// funcObserver adapts closures to the Observer interface for tests.
type funcObserver struct {
	onSend func(MessageKind, SendScope, bool)
}

func (o *funcObserver) ObserveSend(kind MessageKind, scope SendScope, sync bool) {
	if o.onSend != nil {
		o.onSend(kind, scope, sync)
	}
}
func (o *funcObserver) ObserveProcessed(cpu int32, kind MessageKind) {}
func (o *funcObserver) ObserveSyncWait(latencyNs uint64)             {}
func (o *funcObserver) ObservePoolWait()                             {}
func (o *funcObserver) ObserveEarlyCall()                            {}
func (o *funcObserver) ObserveDeadlock(lock string, cpu int32)       {}
