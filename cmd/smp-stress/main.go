package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	smp "github.com/Tsarazon/go-smp"
	"github.com/Tsarazon/go-smp/cpuset"
	"github.com/Tsarazon/go-smp/internal/logging"
	"github.com/Tsarazon/go-smp/loopback"
)

const opsPerBatch = 32

func main() {
	var (
		numCPUs  = flag.Int("cpus", 0, "Number of virtual cores (0 = host CPU count)")
		duration = flag.Duration("duration", 0, "How long to run (0 = until interrupted)")
		interval = flag.Duration("interval", time.Second, "Statistics reporting interval")
		pin      = flag.Bool("pin", false, "Pin virtual cores to hardware CPUs")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	vm := &countingVM{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster, err := loopback.Start(ctx, loopback.Config{
		NumCPUs:    int32(*numCPUs),
		PinThreads: *pin,
		VM:         vm,
	})
	if err != nil {
		logger.Error("failed to start cluster", "error", err)
		os.Exit(1)
	}

	coord := cluster.Coordinator()
	n := cluster.NumCPUs()

	logger.Info("stress cluster running", "cpus", n, "pinned", *pin)
	fmt.Printf("Stress cluster up: %d virtual cores\n", n)
	if *duration > 0 {
		fmt.Printf("Running for %s\n", *duration)
	} else {
		fmt.Printf("Press Ctrl+C to stop...\n")
	}
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump stacks and coordinator state\n", os.Getpid())

	// Traffic pumps, one per core
	var ops atomic.Uint64
	var wg sync.WaitGroup
	for i := int32(0); i < n; i++ {
		wg.Add(1)
		go pump(ctx, &wg, cluster, i, n, &ops)
	}

	// Periodic statistics
	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		var lastOps uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := ops.Load()
				snap := coord.MetricsSnapshot()
				logger.Info("stress progress",
					"ops_per_sec", cur-lastOps,
					"total_sends", snap.TotalSends,
					"processed", snap.ProcessedTotal,
					"sync_p50_us", snap.SyncWaitP50Ns/1000,
					"sync_p99_us", snap.SyncWaitP99Ns/1000,
					"pool_waits", snap.PoolWaits,
					"free_messages", coord.FreeMessages(),
					"invalidations", vm.total())
				lastOps = cur
			}
		}
	}()

	// SIGUSR1 dumps goroutine stacks and coordinator state to a file
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			stackLen := runtime.Stack(buf, true)

			filename := fmt.Sprintf("smp-stress-dump-%d.txt", time.Now().Unix())
			f, err := os.Create(filename)
			if err != nil {
				logger.Error("failed to create dump file", "error", err)
				continue
			}
			fmt.Fprintf(f, "Dump at %s, pid %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())

			fmt.Fprintf(f, "=== COORDINATOR STATE ===\n")
			if state, err := json.MarshalIndent(coord.DebugInfo(), "", "  "); err == nil {
				f.Write(state)
			}

			fmt.Fprintf(f, "\n\n=== GOROUTINE STACKS ===\n")
			f.Write(buf[:stackLen])

			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)

			f.Close()
			logger.Info("state dump written", "file", filename)
		}
	}()

	// Wait for the duration or a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if *duration > 0 {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
		case <-time.After(*duration):
			logger.Info("duration elapsed")
		}
	} else {
		<-sigCh
		logger.Info("received shutdown signal")
	}

	cancel()
	wg.Wait()
	if err := cluster.Stop(); err != nil {
		logger.Error("error stopping cluster", "error", err)
	}

	// Final report
	snap := coord.MetricsSnapshot()
	fmt.Printf("\nTotal sends:        %d (self %d, directed %d, multicast %d, broadcast %d)\n",
		snap.TotalSends, snap.SelfSends, snap.DirectedSends, snap.MulticastSends, snap.BroadcastSends)
	fmt.Printf("Messages processed: %d\n", snap.ProcessedTotal)
	fmt.Printf("Sync sends:         %d (avg wait %s, p50 %s, p99 %s)\n",
		snap.SyncSends,
		time.Duration(snap.AvgSyncWaitNs),
		time.Duration(snap.SyncWaitP50Ns),
		time.Duration(snap.SyncWaitP99Ns))
	fmt.Printf("Pool waits:         %d\n", snap.PoolWaits)
	fmt.Printf("Invalidations:      %d\n", vm.total())
	fmt.Printf("Send rate:          %.0f msgs/sec\n", snap.SendRate)

	os.Exit(0)
}

// pump drives one core with batches of mixed traffic until the context is
// cancelled. Each batch runs on the core's own goroutine, so every send has
// a legitimate CPU context.
func pump(ctx context.Context, wg *sync.WaitGroup, cl *loopback.Cluster, core, n int32, ops *atomic.Uint64) {
	defer wg.Done()

	r := rand.New(rand.NewSource(int64(core)*7919 + time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := cl.RunOnSync(core, func(coord *smp.Coordinator, cpu int32) {
			for b := 0; b < opsPerBatch; b++ {
				runOne(coord, r, cpu, n)
				ops.Add(1)
			}
			coord.Drain(cpu)
		})
		if err != nil {
			return
		}
	}
}

// runOne issues a single randomized operation from cpu's context.
func runOne(coord *smp.Coordinator, r *rand.Rand, cpu, n int32) {
	target := cpu
	if n > 1 {
		for target == cpu {
			target = int32(r.Intn(int(n)))
		}
	}

	switch r.Intn(10) {
	case 0, 1, 2:
		coord.CallOnCPU(cpu, target, func(any, int32) {}, nil)
	case 3, 4:
		coord.CallOnCPUSync(cpu, target, func(any, int32) {}, nil)
	case 5:
		// self-addressed, runs inline
		coord.Send(cpu, cpu, smp.Request{Kind: smp.KindCallFunction, Fn: func(any, int32) {}})
	case 6:
		if r.Intn(4) == 0 {
			pages := []uintptr{uintptr(r.Intn(1 << 20)), uintptr(r.Intn(1 << 20))}
			coord.Send(cpu, target, smp.Request{Kind: smp.KindInvalidateList, Arg: pages})
		} else {
			coord.Send(cpu, target, smp.Request{
				Kind:  smp.KindInvalidateRange,
				Data:  uint64(r.Intn(1 << 20)),
				Data2: uint64(1<<20 + r.Intn(1<<20)),
			})
		}
	case 7:
		coord.Send(cpu, target, smp.Request{Kind: smp.KindReschedule})
	case 8:
		if n > 1 {
			coord.Broadcast(cpu, smp.Request{Kind: smp.KindInvalidateUser, Flags: smp.FlagSync})
		}
	case 9:
		if n > 2 {
			var targets cpuset.Set
			targets.SetBit(target)
			targets.SetBit((target + 1) % n)
			targets.ClearBit(cpu)
			if !targets.IsEmpty() {
				coord.SendMulticast(cpu, targets, smp.Request{
					Kind:  smp.KindInvalidateGlobal,
					Flags: smp.FlagSync,
				})
			}
		}
	}
}

// countingVM tallies invalidation traffic from all cores.
type countingVM struct {
	ranges  atomic.Uint64
	lists   atomic.Uint64
	users   atomic.Uint64
	globals atomic.Uint64
}

func (v *countingVM) InvalidateRange(cpu int32, start, end uintptr) { v.ranges.Add(1) }
func (v *countingVM) InvalidateList(cpu int32, pages []uintptr)     { v.lists.Add(1) }
func (v *countingVM) InvalidateUser(cpu int32)                      { v.users.Add(1) }
func (v *countingVM) InvalidateGlobal(cpu int32)                    { v.globals.Add(1) }

func (v *countingVM) total() uint64 {
	return v.ranges.Load() + v.lists.Load() + v.users.Load() + v.globals.Load()
}
