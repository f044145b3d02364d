//go:build linux

package worker

import (
	"golang.org/x/sys/unix"
)

// bindCPU restricts the calling thread to cpu. The caller must have locked its goroutine to the thread.
func bindCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
