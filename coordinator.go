// Package smp provides the cross-processor coordination layer of a
// multiprocessor kernel as a reusable library: pooled message passing between
// processors, lock-free per-CPU mailboxes, a broadcast queue, boot
// rendezvous, and distributed function calls.
//
// Hardware is injected, not assumed. The Interconnect collaborator raises the
// platform's inter-processor interrupts, the VM collaborator applies
// translation invalidations, and the Scheduler collaborator handles
// reschedule pokes. The loopback package provides a pure in-process
// implementation for hosted use and testing.
package smp

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/Tsarazon/go-smp/cpuset"
	"github.com/Tsarazon/go-smp/internal/constants"
	"github.com/Tsarazon/go-smp/internal/logging"
	"github.com/Tsarazon/go-smp/spin"
)

// ilock is an internal spinlock with holder bookkeeping for diagnostics.
type ilock struct {
	lock    spin.Lock
	holder  atomic.Int32
	waiters atomic.Int32
}

func (l *ilock) init(name string) {
	l.lock.Name = name
	l.holder.Store(-1)
}

// perCPU is the coordinator's per-processor state.
type perCPU struct {
	mailbox Mailbox
	online  atomic.Bool
	halted  atomic.Bool
	_       cpu.CacheLinePad
}

// Params contains sizing parameters for a coordinator
type Params struct {
	// NumCPUs is the number of processors to coordinate (default: the
	// host's CPU count, capped at MaxCPUs)
	NumCPUs int32

	// MessagesPerCPU sizes the message pool at NumCPUs*MessagesPerCPU
	// slots (default: 4)
	MessagesPerCPU int

	// DeadlockThreshold is the failed spin attempts after which a lock
	// acquisition is reported to the fatal sink (default: 100M)
	DeadlockThreshold uint64
}

// DefaultParams returns default coordinator parameters
func DefaultParams() Params {
	return Params{
		NumCPUs:           0, // 0 means auto-detect based on host CPUs
		MessagesPerCPU:    constants.DefaultMessagesPerCPU,
		DeadlockThreshold: constants.DefaultDeadlockThreshold,
	}
}

// Options contains collaborators and hooks for a coordinator
type Options struct {
	// Interconnect raises inter-processor interrupts (if nil, message
	// delivery relies on the targets draining on their own)
	Interconnect Interconnect

	// VM applies translation invalidations (if nil, invalidate messages
	// are acknowledged without effect)
	VM VM

	// Scheduler receives reschedule pokes (if nil, ignored)
	Scheduler Scheduler

	// Logger for debug/info messages (if nil, no caller logging)
	Logger Logger

	// Observer for metrics collection (if nil, uses the built-in metrics)
	Observer Observer

	// Fatal receives unrecoverable condition reports (if nil, logs and
	// panics)
	Fatal FatalFunc

	// Relax is the busy-wait hint (if nil, runtime.Gosched)
	Relax func()

	// Halt runs on a processor just after it honors KindHaltCPU
	Halt HaltFunc
}

// Coordinator owns the cross-processor messaging state for one set of
// processors. All methods taking a cpu argument must be called from that
// processor's context; on hosted platforms that means the goroutine driving
// the virtual core.
type Coordinator struct {
	numCPUs           int32
	deadlockThreshold uint64

	pool messagePool
	cpus []perCPU

	// broadcast queue, holding multicast and broadcast messages. The head
	// is written only under bcastLock; it is atomic so diagnostics can
	// peek without taking the lock.
	bcastLock ilock
	bcastHead atomic.Pointer[Message]

	// messaging is enabled once, by the boot processor
	enabled  atomic.Bool
	bootGate atomic.Bool

	// single-slot early call used before messaging is enabled
	earlyFn    CallFunc
	earlyArg   any
	earlySet   cpuset.Set
	earlyCount atomic.Int32

	ic    Interconnect
	vm    VM
	sched Scheduler
	halt  HaltFunc
	relax func()
	fatal FatalFunc

	logger     *logging.Logger
	userLogger Logger

	metrics  *Metrics
	observer Observer
}

// New creates a coordinator for params.NumCPUs processors. The coordinator
// starts with messaging disabled; processors come online through OnBootCPU
// and the boot processor calls EnableMessaging to open the message paths.
func New(params Params, options *Options) (*Coordinator, error) {
	if options == nil {
		options = &Options{}
	}

	numCPUs := params.NumCPUs
	if numCPUs == 0 {
		numCPUs = int32(runtime.NumCPU())
		if numCPUs > constants.MaxCPUs {
			numCPUs = constants.MaxCPUs
		}
	}
	if numCPUs < 1 || numCPUs > constants.MaxCPUs {
		return nil, NewError("New", ErrCodeInvalidParameters,
			"cpu count must be in [1, 256]")
	}

	perCPUMessages := params.MessagesPerCPU
	if perCPUMessages == 0 {
		perCPUMessages = constants.DefaultMessagesPerCPU
	}
	if perCPUMessages < 1 {
		return nil, NewError("New", ErrCodeInvalidParameters,
			"messages per cpu must be positive")
	}

	threshold := params.DeadlockThreshold
	if threshold == 0 {
		threshold = constants.DefaultDeadlockThreshold
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	c := &Coordinator{
		numCPUs:           numCPUs,
		deadlockThreshold: threshold,
		cpus:              make([]perCPU, numCPUs),
		ic:                options.Interconnect,
		vm:                options.VM,
		sched:             options.Scheduler,
		halt:              options.Halt,
		relax:             options.Relax,
		fatal:             options.Fatal,
		logger:            logging.Default(),
		userLogger:        options.Logger,
		metrics:           metrics,
		observer:          observer,
	}

	c.pool.init(int(numCPUs) * perCPUMessages)
	c.bcastLock.init("broadcast_queue")

	if c.relax == nil {
		c.relax = runtime.Gosched
	}
	if c.fatal == nil {
		c.fatal = func(err error) {
			c.logger.WithError(err).Error("unrecoverable smp condition")
			panic(err)
		}
	}

	c.logger.Info("coordinator initialized",
		"num_cpus", numCPUs,
		"pool_slots", int(numCPUs)*perCPUMessages)

	if c.userLogger != nil {
		c.userLogger.Printf("smp coordinator ready: %d CPUs, %d message slots",
			numCPUs, int(numCPUs)*perCPUMessages)
	}

	return c, nil
}

// NumCPUs returns the number of processors this coordinator manages.
func (c *Coordinator) NumCPUs() int32 {
	return c.numCPUs
}

// MessagingEnabled reports whether EnableMessaging has run.
func (c *Coordinator) MessagingEnabled() bool {
	return c.enabled.Load()
}

// CPUOnline reports whether cpu has checked in through OnBootCPU.
func (c *Coordinator) CPUOnline(cpu int32) bool {
	c.checkCPU(cpu)
	return c.cpus[cpu].online.Load()
}

// CPUHalted reports whether cpu has honored a KindHaltCPU message.
func (c *Coordinator) CPUHalted(cpu int32) bool {
	c.checkCPU(cpu)
	return c.cpus[cpu].halted.Load()
}

// Metrics returns the coordinator's metrics registry.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of coordinator metrics.
func (c *Coordinator) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// checkCPU validates a processor index. Out-of-range indices are caller bugs.
func (c *Coordinator) checkCPU(cpu int32) {
	if cpu < 0 || cpu >= c.numCPUs {
		panic("smp: CPU index out of range")
	}
}

// AcquireLock spins for l on behalf of cpu, draining cpu's mailbox between
// attempts so that senders waiting on cpu cannot deadlock against the lock
// holder. Past the deadlock threshold the fatal sink gets a report; if the
// sink returns, spinning resumes.
func (c *Coordinator) AcquireLock(l *spin.Lock, cpu int32) {
	c.checkCPU(cpu)
	var spins uint64
	for !l.TryLock() {
		c.Drain(cpu)
		c.relax()
		spins++
		if spins >= c.deadlockThreshold {
			c.reportDeadlock(l.Name, cpu, spins)
			spins = 0
		}
	}
}

// ReleaseLock releases a lock taken with AcquireLock.
func (c *Coordinator) ReleaseLock(l *spin.Lock) {
	l.Unlock()
}

// lockInternal takes a coordinator-internal lock. Internal critical sections
// are a few pointer operations, so this spins without draining.
func (c *Coordinator) lockInternal(l *ilock, cpu int32) {
	l.waiters.Add(1)
	var spins uint64
	for !l.lock.TryLock() {
		c.relax()
		spins++
		if spins >= c.deadlockThreshold {
			c.reportDeadlock(l.lock.Name, cpu, spins)
			spins = 0
		}
	}
	l.waiters.Add(-1)
	l.holder.Store(cpu)
}

func (c *Coordinator) unlockInternal(l *ilock) {
	l.holder.Store(-1)
	l.lock.Unlock()
}

func (c *Coordinator) reportDeadlock(lock string, cpu int32, spins uint64) {
	c.observer.ObserveDeadlock(lock, cpu)
	c.fatal(NewDeadlockError(lock, cpu, spins))
}
