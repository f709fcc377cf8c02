package smp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tsarazon/go-smp/cpuset"
)

// newTestCoordinator builds an enabled coordinator with a recording
// platform. Messages are delivered by calling Drain explicitly.
func newTestCoordinator(t *testing.T, numCPUs int32) (*Coordinator, *MockPlatform) {
	t.Helper()
	mock := NewMockPlatform()
	c, err := New(Params{NumCPUs: numCPUs}, &Options{
		Interconnect: mock,
		VM:           mock,
		Scheduler:    mock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.EnableMessaging()
	return c, mock
}

// newInlineCoordinator builds an enabled coordinator whose raises drain the
// targets on the caller's goroutine, so sync sends complete inline.
func newInlineCoordinator(t *testing.T, numCPUs int32) (*Coordinator, *MockPlatform) {
	t.Helper()
	c, mock := newTestCoordinator(t, numCPUs)
	mock.SetInlineDrain(c)
	return c, mock
}

func TestSendAsyncDelivery(t *testing.T) {
	c, mock := newTestCoordinator(t, 4)
	capacity := c.FreeMessages()

	var count atomic.Int64
	var ranOn atomic.Int32
	ranOn.Store(-1)

	c.Send(0, 2, Request{
		Kind: KindCallFunction,
		Fn: func(arg any, cpu int32) {
			count.Add(1)
			ranOn.Store(cpu)
		},
	})

	// async: queued but not yet run
	if count.Load() != 0 {
		t.Error("async send should not run before the target drains")
	}
	if got := mock.DirectedRaises(2); got != 1 {
		t.Errorf("expected 1 directed raise for cpu 2, got %d", got)
	}
	if got := c.FreeMessages(); got != capacity-1 {
		t.Errorf("one slot should be in flight, free = %d, capacity = %d", got, capacity)
	}

	if got := c.Drain(2); got != 1 {
		t.Errorf("Drain(2) handled %d messages, want 1", got)
	}
	if count.Load() != 1 {
		t.Error("function should have run exactly once")
	}
	if ranOn.Load() != 2 {
		t.Errorf("function ran on cpu %d, want 2", ranOn.Load())
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("slot should be back on the free list, free = %d", got)
	}
	if got := c.Drain(2); got != 0 {
		t.Errorf("second Drain(2) handled %d messages, want 0", got)
	}
}

func TestSendSyncCompletes(t *testing.T) {
	c, _ := newInlineCoordinator(t, 2)
	capacity := c.FreeMessages()

	var count atomic.Int64
	c.Send(0, 1, Request{
		Kind:  KindCallFunction,
		Fn:    func(any, int32) { count.Add(1) },
		Flags: FlagSync,
	})

	if count.Load() != 1 {
		t.Error("sync send should return only after the target ran the function")
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("sync slot should be freed by the sender, free = %d", got)
	}

	snap := c.MetricsSnapshot()
	if snap.SyncSends != 1 {
		t.Errorf("SyncSends = %d, want 1", snap.SyncSends)
	}
	if snap.DirectedSends != 1 {
		t.Errorf("DirectedSends = %d, want 1", snap.DirectedSends)
	}
}

func TestSendToSelfRunsInline(t *testing.T) {
	c, mock := newTestCoordinator(t, 2)
	capacity := c.FreeMessages()

	var count atomic.Int64
	var ranOn atomic.Int32
	ranOn.Store(-1)

	c.Send(1, 1, Request{
		Kind: KindCallFunction,
		Fn: func(arg any, cpu int32) {
			count.Add(1)
			ranOn.Store(cpu)
		},
	})

	if count.Load() != 1 {
		t.Error("self send should run immediately")
	}
	if ranOn.Load() != 1 {
		t.Errorf("self send ran on cpu %d, want 1", ranOn.Load())
	}
	if got := mock.DirectedRaises(1); got != 0 {
		t.Errorf("self send should not raise, got %d raises", got)
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("self send should not consume a slot, free = %d", got)
	}
	if got := c.MetricsSnapshot().SelfSends; got != 1 {
		t.Errorf("SelfSends = %d, want 1", got)
	}
}

func TestSendBeforeEnablePanics(t *testing.T) {
	mock := NewMockPlatform()
	c, err := New(Params{NumCPUs: 2}, &Options{Interconnect: mock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cases := []struct {
		name string
		send func()
	}{
		{"directed", func() { c.Send(0, 1, Request{Kind: KindInvalidateUser}) }},
		{"multicast", func() {
			var targets cpuset.Set
			targets.SetBit(1)
			c.SendMulticast(0, targets, Request{Kind: KindInvalidateUser})
		}},
		{"broadcast", func() { c.Broadcast(0, Request{Kind: KindInvalidateUser}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("%s send before EnableMessaging should panic", tc.name)
				}
			}()
			tc.send()
		})
	}
}

func TestSendOutOfRangePanics(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)

	defer func() {
		if recover() == nil {
			t.Error("send to an out-of-range cpu should panic")
		}
	}()
	c.Send(0, 7, Request{Kind: KindInvalidateUser})
}

func TestBroadcastReachesAllButSender(t *testing.T) {
	c, mock := newTestCoordinator(t, 4)
	capacity := c.FreeMessages()

	var seen [4]atomic.Bool
	c.Broadcast(1, Request{
		Kind: KindCallFunction,
		Fn:   func(arg any, cpu int32) { seen[cpu].Store(true) },
	})

	if got := mock.BroadcastRaises(); got != 1 {
		t.Errorf("expected 1 broadcast raise, got %d", got)
	}
	if got := c.FreeMessages(); got != capacity-1 {
		t.Errorf("broadcast in flight should hold one slot, free = %d", got)
	}

	// the sender has nothing pending
	if got := c.Drain(1); got != 0 {
		t.Errorf("Drain(sender) handled %d messages, want 0", got)
	}

	for _, cpu := range []int32{0, 2, 3} {
		if got := c.Drain(cpu); got != 1 {
			t.Errorf("Drain(%d) handled %d messages, want 1", cpu, got)
		}
	}
	for _, cpu := range []int32{0, 2, 3} {
		if !seen[cpu].Load() {
			t.Errorf("cpu %d never saw the broadcast", cpu)
		}
	}
	if seen[1].Load() {
		t.Error("sender must not receive its own broadcast")
	}

	// last claimant retires the slot exactly once
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("broadcast slot should be freed after the last target, free = %d", got)
	}
}

func TestBroadcastSingleProcessorNoop(t *testing.T) {
	c, mock := newTestCoordinator(t, 1)
	capacity := c.FreeMessages()

	c.Broadcast(0, Request{Kind: KindInvalidateGlobal, Flags: FlagSync})

	if got := mock.BroadcastRaises(); got != 0 {
		t.Errorf("single-processor broadcast should not raise, got %d", got)
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("single-processor broadcast should not take a slot, free = %d", got)
	}
}

func TestBroadcastSync(t *testing.T) {
	c, _ := newInlineCoordinator(t, 4)
	capacity := c.FreeMessages()

	var count atomic.Int64
	c.Broadcast(0, Request{
		Kind:  KindCallFunction,
		Fn:    func(any, int32) { count.Add(1) },
		Flags: FlagSync,
	})

	if got := count.Load(); got != 3 {
		t.Errorf("sync broadcast on 4 cpus should run 3 times, ran %d", got)
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("sync broadcast slot should be freed on return, free = %d", got)
	}
}

func TestMulticastTargets(t *testing.T) {
	c, mock := newTestCoordinator(t, 4)
	capacity := c.FreeMessages()

	var seen [4]atomic.Bool
	var targets cpuset.Set
	targets.SetBit(1)
	targets.SetBit(3)

	c.SendMulticast(0, targets, Request{
		Kind: KindCallFunction,
		Fn:   func(arg any, cpu int32) { seen[cpu].Store(true) },
	})

	if got := mock.MulticastRaises(); got != 1 {
		t.Errorf("expected 1 multicast raise, got %d", got)
	}

	if got := c.Drain(2); got != 0 {
		t.Errorf("cpu 2 is not a target, Drain handled %d", got)
	}
	if got := c.Drain(1); got != 1 {
		t.Errorf("Drain(1) handled %d messages, want 1", got)
	}
	if got := c.Drain(3); got != 1 {
		t.Errorf("Drain(3) handled %d messages, want 1", got)
	}

	if !seen[1].Load() || !seen[3].Load() {
		t.Error("both targets should have run the function")
	}
	if seen[0].Load() || seen[2].Load() {
		t.Error("non-targets must not run the function")
	}
	if got := c.FreeMessages(); got != capacity {
		t.Errorf("multicast slot should be freed after the last target, free = %d", got)
	}
}

func TestMulticastExcludesSender(t *testing.T) {
	c, _ := newInlineCoordinator(t, 3)

	var count atomic.Int64
	var targets cpuset.Set
	targets.SetBit(0) // sender's own bit is ignored
	targets.SetBit(2)

	c.SendMulticast(0, targets, Request{
		Kind:  KindCallFunction,
		Fn:    func(any, int32) { count.Add(1) },
		Flags: FlagSync,
	})

	if got := count.Load(); got != 1 {
		t.Errorf("multicast should skip the sender, ran %d times, want 1", got)
	}
}

func TestMulticastNoTargetsPanics(t *testing.T) {
	c, _ := newTestCoordinator(t, 2)

	var targets cpuset.Set
	targets.SetBit(0) // only the sender itself

	defer func() {
		if recover() == nil {
			t.Error("multicast with no targets left should panic")
		}
	}()
	c.SendMulticast(0, targets, Request{Kind: KindInvalidateUser})
}

// releaseCounter counts Release calls for FlagFreeArg tests.
type releaseCounter struct {
	n atomic.Int32
}

func (r *releaseCounter) Release() { r.n.Add(1) }

func TestFreeArgReleasedOnce(t *testing.T) {
	t.Run("directed", func(t *testing.T) {
		c, _ := newTestCoordinator(t, 2)
		r := &releaseCounter{}

		c.Send(0, 1, Request{Kind: KindInvalidateUser, Arg: r, Flags: FlagFreeArg})
		if r.n.Load() != 0 {
			t.Error("payload must not be released before delivery")
		}
		c.Drain(1)
		if got := r.n.Load(); got != 1 {
			t.Errorf("payload released %d times, want 1", got)
		}
	})

	t.Run("broadcast", func(t *testing.T) {
		c, _ := newTestCoordinator(t, 4)
		r := &releaseCounter{}

		c.Broadcast(0, Request{Kind: KindInvalidateUser, Arg: r, Flags: FlagFreeArg})
		c.Drain(1)
		c.Drain(2)
		if r.n.Load() != 0 {
			t.Error("payload must not be released while targets remain")
		}
		c.Drain(3)
		if got := r.n.Load(); got != 1 {
			t.Errorf("payload released %d times, want 1", got)
		}
	})

	t.Run("self", func(t *testing.T) {
		c, _ := newTestCoordinator(t, 2)
		r := &releaseCounter{}

		c.Send(1, 1, Request{Kind: KindInvalidateUser, Arg: r, Flags: FlagFreeArg})
		if got := r.n.Load(); got != 1 {
			t.Errorf("self send released payload %d times, want 1", got)
		}
	})

	t.Run("without flag", func(t *testing.T) {
		c, _ := newTestCoordinator(t, 2)
		r := &releaseCounter{}

		c.Send(0, 1, Request{Kind: KindInvalidateUser, Arg: r})
		c.Drain(1)
		if got := r.n.Load(); got != 0 {
			t.Errorf("payload released %d times without FlagFreeArg, want 0", got)
		}
	})
}

func TestPoolExhaustionDrainsOwnMailbox(t *testing.T) {
	mock := NewMockPlatform()
	c, err := New(Params{NumCPUs: 2, MessagesPerCPU: 1}, &Options{Interconnect: mock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.EnableMessaging()

	if got := c.FreeMessages(); got != 2 {
		t.Fatalf("expected a 2-slot pool, got %d", got)
	}

	var onOne, onZero atomic.Int64
	incrOne := func(any, int32) { onOne.Add(1) }

	// tie up every slot with mail for cpu 1
	c.Send(0, 1, Request{Kind: KindCallFunction, Fn: incrOne})
	c.Send(0, 1, Request{Kind: KindCallFunction, Fn: incrOne})
	if got := c.FreeMessages(); got != 0 {
		t.Fatalf("pool should be exhausted, free = %d", got)
	}

	// cpu 1 can still send: acquiring a slot drains its own mailbox, which
	// retires the two pending messages
	c.Send(1, 0, Request{Kind: KindCallFunction, Fn: func(any, int32) { onZero.Add(1) }})

	if got := onOne.Load(); got != 2 {
		t.Errorf("pool wait should have drained cpu 1's mail, ran %d of 2", got)
	}
	if got := c.Drain(0); got != 1 {
		t.Errorf("Drain(0) handled %d messages, want 1", got)
	}
	if got := onZero.Load(); got != 1 {
		t.Errorf("cpu 0 ran %d calls, want 1", got)
	}
	if got := c.FreeMessages(); got != 2 {
		t.Errorf("pool should be full again, free = %d", got)
	}
	if got := c.MetricsSnapshot().PoolWaits; got < 1 {
		t.Errorf("PoolWaits = %d, want at least 1", got)
	}
}

func TestInvalidateDispatch(t *testing.T) {
	c, mock := newInlineCoordinator(t, 2)

	c.Send(0, 1, Request{
		Kind:  KindInvalidateRange,
		Data:  0x1000,
		Data2: 0x3000,
		Flags: FlagSync,
	})
	start, end := mock.LastRange()
	if start != 0x1000 || end != 0x3000 {
		t.Errorf("LastRange = [%#x, %#x), want [0x1000, 0x3000)", start, end)
	}

	pages := []uintptr{0x4000, 0x5000, 0x9000}
	c.Send(0, 1, Request{
		Kind:  KindInvalidateList,
		Arg:   pages,
		Flags: FlagSync,
	})
	got := mock.LastPages()
	if len(got) != len(pages) {
		t.Fatalf("LastPages has %d entries, want %d", len(got), len(pages))
	}
	for i := range pages {
		if got[i] != pages[i] {
			t.Errorf("LastPages[%d] = %#x, want %#x", i, got[i], pages[i])
		}
	}

	c.Send(0, 1, Request{Kind: KindInvalidateUser, Flags: FlagSync})
	c.Send(0, 1, Request{Kind: KindInvalidateGlobal, Flags: FlagSync})

	counts := mock.InvalidateCounts()
	want := map[string]int{"range": 1, "list": 1, "user": 1, "global": 1}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("%s invalidations = %d, want %d", kind, counts[kind], n)
		}
	}
}

func TestRescheduleDispatch(t *testing.T) {
	c, mock := newTestCoordinator(t, 2)

	c.Send(0, 1, Request{Kind: KindReschedule})
	c.Drain(1)

	if got := mock.RescheduleCalls(1); got != 1 {
		t.Errorf("cpu 1 received %d reschedule pokes, want 1", got)
	}
}

func TestHaltMessage(t *testing.T) {
	mock := NewMockPlatform()
	var haltedCPU atomic.Int32
	haltedCPU.Store(-1)
	var haltCalls atomic.Int32

	c, err := New(Params{NumCPUs: 2}, &Options{
		Interconnect: mock,
		Halt: func(cpu int32) {
			haltedCPU.Store(cpu)
			haltCalls.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.EnableMessaging()

	c.Send(0, 1, Request{Kind: KindHaltCPU})
	if c.CPUHalted(1) {
		t.Error("cpu 1 should not halt before draining")
	}
	if got := c.Drain(1); got != 1 {
		t.Errorf("Drain(1) handled %d messages, want 1", got)
	}

	if !c.CPUHalted(1) {
		t.Error("cpu 1 should be halted after processing the message")
	}
	if haltedCPU.Load() != 1 {
		t.Errorf("halt hook saw cpu %d, want 1", haltedCPU.Load())
	}

	// a second halt is acknowledged but the hook does not run again
	c.Send(0, 1, Request{Kind: KindHaltCPU})
	c.Drain(1)
	if got := haltCalls.Load(); got != 1 {
		t.Errorf("halt hook ran %d times, want 1", got)
	}
}

func TestConcurrentCrossSends(t *testing.T) {
	const rounds = 300
	c, _ := newTestCoordinator(t, 4)
	n := c.NumCPUs()
	capacity := c.FreeMessages()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := int32(0); i < n; i++ {
		wg.Add(1)
		go func(cpu int32) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				c.Send(cpu, (cpu+1)%n, Request{
					Kind: KindCallFunction,
					Fn:   func(any, int32) { count.Add(1) },
				})
				c.Drain(cpu)
			}
		}(i)
	}
	wg.Wait()

	// finish whatever was still in flight when the senders stopped
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() < int64(rounds)*int64(n) {
		for i := int32(0); i < n; i++ {
			c.Drain(i)
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of %d messages", count.Load(), int64(rounds)*int64(n))
		}
	}

	if got := c.FreeMessages(); got != capacity {
		t.Errorf("pool should be full once traffic stops, free = %d", got)
	}
}
