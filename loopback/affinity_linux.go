//go:build linux

package loopback

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to one hardware CPU. Virtual cores
// beyond the hardware count wrap around.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
