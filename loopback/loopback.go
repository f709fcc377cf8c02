// Package loopback provides an in-process cluster of virtual cores backing
// the smp coordinator: one goroutine per core pinned to an OS thread,
// doorbell channels standing in for inter-processor interrupts. It is the
// stock platform for hosted use, stress runs, and tests.
package loopback

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	smp "github.com/Tsarazon/go-smp"
	"github.com/Tsarazon/go-smp/cpuset"
	"github.com/Tsarazon/go-smp/internal/constants"
	"github.com/Tsarazon/go-smp/internal/logging"
)

// CoreFunc is work injected onto a virtual core. It runs on the core's
// goroutine, where it may freely use the coordinator's send, call and drain
// operations with that core's CPU ID.
type CoreFunc func(coord *smp.Coordinator, cpu int32)

// Config holds cluster configuration
type Config struct {
	// NumCPUs is the number of virtual cores (default: host CPU count)
	NumCPUs int32

	// MessagesPerCPU and DeadlockThreshold size the coordinator
	// (defaults as in smp.DefaultParams)
	MessagesPerCPU    int
	DeadlockThreshold uint64

	// Collaborators handed through to the coordinator
	VM        smp.VM
	Scheduler smp.Scheduler

	// Logger for debug/info messages (if nil, no caller logging)
	Logger smp.Logger

	// Observer for metrics collection (if nil, built-in metrics)
	Observer smp.Observer

	// Fatal receives deadlock reports (if nil, logs and panics)
	Fatal smp.FatalFunc

	// PinThreads binds each core's OS thread to a hardware CPU
	// (Linux only; silently ignored elsewhere)
	PinThreads bool

	// WorkQueueDepth bounds injected work per core (default: 16)
	WorkQueueDepth int
}

// Cluster is a running set of virtual cores. It implements the smp
// Interconnect by ringing per-core doorbells.
type Cluster struct {
	coord   *smp.Coordinator
	numCPUs int32

	doorbells []chan struct{}
	work      []chan coreWork

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pin     bool
	logger  smp.Logger
	stopped atomic.Bool
}

type coreWork struct {
	fn   CoreFunc
	done chan struct{} // nil for async work
}

// Start boots a cluster: it creates the coordinator, launches the core
// goroutines, runs the boot rendezvous, and returns once core 0 has enabled
// messaging. The context cancels the cluster; Stop does the same
// explicitly.
func Start(ctx context.Context, config Config) (*Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	numCPUs := config.NumCPUs
	if numCPUs == 0 {
		numCPUs = int32(runtime.NumCPU())
		if numCPUs > smp.MaxCPUs {
			numCPUs = smp.MaxCPUs
		}
	}
	if numCPUs < 1 || numCPUs > smp.MaxCPUs {
		return nil, smp.NewError("ClusterStart", smp.ErrCodeInvalidParameters,
			"cpu count must be in [1, 256]")
	}

	workDepth := config.WorkQueueDepth
	if workDepth <= 0 {
		workDepth = 16
	}

	cl := &Cluster{
		numCPUs:   numCPUs,
		doorbells: make([]chan struct{}, numCPUs),
		work:      make([]chan coreWork, numCPUs),
		pin:       config.PinThreads,
		logger:    config.Logger,
	}
	for i := range cl.doorbells {
		// one buffered slot coalesces repeated rings
		cl.doorbells[i] = make(chan struct{}, 1)
		cl.work[i] = make(chan coreWork, workDepth)
	}

	coord, err := smp.New(smp.Params{
		NumCPUs:           numCPUs,
		MessagesPerCPU:    config.MessagesPerCPU,
		DeadlockThreshold: config.DeadlockThreshold,
	}, &smp.Options{
		Interconnect: cl,
		VM:           config.VM,
		Scheduler:    config.Scheduler,
		Logger:       config.Logger,
		Observer:     config.Observer,
		Fatal:        config.Fatal,
	})
	if err != nil {
		return nil, smp.WrapError("ClusterStart", err)
	}
	cl.coord = coord

	cl.ctx, cl.cancel = context.WithCancel(ctx)

	var rendezvous smp.RendezvousPoint
	booted := make(chan struct{})

	for i := int32(0); i < numCPUs; i++ {
		cl.wg.Add(1)
		go cl.run(i, &rendezvous, booted)
	}

	select {
	case <-booted:
	case <-cl.ctx.Done():
		cl.cancel()
		return nil, smp.WrapError("ClusterStart", cl.ctx.Err())
	}

	logging.Default().Info("loopback cluster booted",
		"num_cpus", numCPUs,
		"pinned", cl.pin)

	return cl, nil
}

// run is one virtual core's life: boot, then drain on doorbell until
// cancelled or halted.
func (cl *Cluster) run(cpu int32, r *smp.RendezvousPoint, booted chan<- struct{}) {
	defer cl.wg.Done()

	// one OS thread per core, like one interrupt context per processor
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cl.pin {
		if err := pinThread(int(cpu)); err != nil && cl.logger != nil {
			cl.logger.Printf("core %d: thread pinning failed: %v", cpu, err)
		}
	}

	if cl.coord.OnBootCPU(cpu, r) {
		cl.coord.EnableMessaging()
		close(booted)
	}

	logger := logging.Default().WithCPU(cpu)
	logger.Debug("core online")

	// idle cores also poll so a ring lost to shutdown races cannot strand
	// a message
	ticker := time.NewTicker(constants.DoorbellPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.ctx.Done():
			logger.Debug("core stopping")
			return
		case w := <-cl.work[cpu]:
			w.fn(cl.coord, cpu)
			if w.done != nil {
				close(w.done)
			}
		case <-cl.doorbells[cpu]:
		case <-ticker.C:
		}

		cl.coord.Drain(cpu)

		if cl.coord.CPUHalted(cpu) {
			logger.Info("core halted, leaving service")
			return
		}
	}
}

// ring coalesces a doorbell press; a core with a ring already pending will
// drain anyway.
func (cl *Cluster) ring(cpu int32) {
	select {
	case cl.doorbells[cpu] <- struct{}{}:
	default:
	}
}

// RaiseDirected implements the smp Interconnect interface
func (cl *Cluster) RaiseDirected(cpu int32) {
	cl.ring(cpu)
}

// RaiseMulticast implements the smp Interconnect interface
func (cl *Cluster) RaiseMulticast(targets cpuset.Set) {
	for i := int32(0); i < cl.numCPUs; i++ {
		if targets.GetBit(i) {
			cl.ring(i)
		}
	}
}

// RaiseBroadcast implements the smp Interconnect interface
func (cl *Cluster) RaiseBroadcast(exclude int32) {
	for i := int32(0); i < cl.numCPUs; i++ {
		if i != exclude {
			cl.ring(i)
		}
	}
}

// Coordinator returns the cluster's coordinator.
func (cl *Cluster) Coordinator() *smp.Coordinator {
	return cl.coord
}

// NumCPUs returns the number of virtual cores.
func (cl *Cluster) NumCPUs() int32 {
	return cl.numCPUs
}

// RunOn queues fn to run on cpu's core goroutine and returns without
// waiting for it.
func (cl *Cluster) RunOn(cpu int32, fn CoreFunc) error {
	if cpu < 0 || cpu >= cl.numCPUs {
		return smp.NewCPUError("RunOn", cpu, smp.ErrCodeInvalidParameters, "no such core")
	}
	select {
	case cl.work[cpu] <- coreWork{fn: fn}:
		cl.ring(cpu)
		return nil
	case <-cl.ctx.Done():
		return smp.NewCPUError("RunOn", cpu, smp.ErrCodeNotStarted, "cluster stopped")
	}
}

// RunOnSync runs fn on cpu's core goroutine and waits for it to finish.
func (cl *Cluster) RunOnSync(cpu int32, fn CoreFunc) error {
	if cpu < 0 || cpu >= cl.numCPUs {
		return smp.NewCPUError("RunOnSync", cpu, smp.ErrCodeInvalidParameters, "no such core")
	}
	done := make(chan struct{})
	select {
	case cl.work[cpu] <- coreWork{fn: fn, done: done}:
		cl.ring(cpu)
	case <-cl.ctx.Done():
		return smp.NewCPUError("RunOnSync", cpu, smp.ErrCodeNotStarted, "cluster stopped")
	}
	select {
	case <-done:
		return nil
	case <-cl.ctx.Done():
		return smp.NewCPUError("RunOnSync", cpu, smp.ErrCodeNotStarted, "cluster stopped")
	}
}

// Stop cancels the cluster and waits for the cores to park. Cores stuck in
// a sync wait that can never complete make Stop time out.
func (cl *Cluster) Stop() error {
	if cl.stopped.Swap(true) {
		return smp.NewError("ClusterStop", smp.ErrCodeNotStarted, "cluster already stopped")
	}

	cl.cancel()

	done := make(chan struct{})
	go func() {
		cl.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.ClusterStopTimeout):
		return smp.NewError("ClusterStop", smp.ErrCodeStopTimeout,
			"cores did not park in time")
	}

	cl.coord.Metrics().Stop()
	logging.Default().Info("loopback cluster stopped")
	return nil
}

// Compile-time interface check
var _ smp.Interconnect = (*Cluster)(nil)
