package smp

import "github.com/Tsarazon/go-smp/internal/constants"

// Re-export constants for public API
const (
	MaxCPUs                  = constants.MaxCPUs
	DefaultMessagesPerCPU    = constants.DefaultMessagesPerCPU
	DefaultDeadlockThreshold = constants.DefaultDeadlockThreshold
	BootCPU                  = constants.BootCPU
)
