//go:build linux

// Package rtsched pins the calling goroutine to its OS thread and makes a
// best-effort attempt to raise that thread to the SCHED_FIFO realtime
// class, the way a JACK/ALSA-backed audio callback thread normally runs.
// Failure to elevate priority (no CAP_SYS_NICE, no /etc/security/limits.d
// entry) is not fatal — the driver keeps running at normal scheduling
// priority and logs once.
package rtsched

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread. Callers must
// invoke this from the goroutine that will run the realtime audio loop,
// before calling Elevate.
func Pin() {
	runtime.LockOSThread()
}

// Elevate attempts to switch the current OS thread to SCHED_FIFO at the
// given priority (1-99). It returns an error describing why elevation
// failed; callers should log it and continue at normal priority rather
// than treat it as fatal.
func Elevate(priority int) error {
	if priority < 1 {
		priority = 1
	}
	if priority > 99 {
		priority = 99
	}
	// x/sys/unix has no sched_setscheduler(2) wrapper; call it directly
	// with a C-compatible struct sched_param. pid 0 means the calling thread.
	type schedParam struct{ priority int32 }
	param := schedParam{priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return fmt.Errorf("rtsched: sched_setscheduler: %w", errno)
	}
	return nil
}
