//go:build !linux

package rtsched

import "runtime"

// Pin locks the calling goroutine to its current OS thread.
func Pin() {
	runtime.LockOSThread()
}

// Elevate is a no-op outside Linux; SCHED_FIFO has no equivalent exposed
// here, and the dummy device never needs realtime scheduling in the
// first place.
func Elevate(priority int) error {
	return nil
}
