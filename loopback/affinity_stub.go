//go:build !linux

package loopback

// pinThread is a no-op where sched_setaffinity is unavailable. Cores still
// get dedicated OS threads via LockOSThread, just not dedicated hardware.
func pinThread(cpu int) error { return nil }
