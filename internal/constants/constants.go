package constants

import "time"

// Default configuration constants
const (
	// MaxCPUs is the hard upper bound on addressable processors. Chosen so a
	// CPU set fits in four 64-bit words.
	MaxCPUs = 256

	// DefaultMessagesPerCPU is the default message pool sizing factor: the
	// pool holds NumCPUs * DefaultMessagesPerCPU slots.
	DefaultMessagesPerCPU = 4

	// DefaultDeadlockThreshold is the number of failed spin attempts after
	// which a lock acquisition is reported as a likely deadlock.
	DefaultDeadlockThreshold = 100_000_000

	// BootCPU is the processor that drives system bring-up and releases the
	// boot gate.
	BootCPU = 0
)

// Timing constants for the loopback platform lifecycle
const (
	// ClusterStopTimeout is how long Stop waits for virtual cores to park
	// before giving up on a clean shutdown.
	ClusterStopTimeout = 2 * time.Second

	// DoorbellPollInterval is the interval at which an idle virtual core
	// rechecks its mailbox even without a doorbell ring.
	DoorbellPollInterval = 100 * time.Microsecond
)
