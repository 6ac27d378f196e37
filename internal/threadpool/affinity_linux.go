// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package threadpool

import "golang.org/x/sys/unix"

// pinToCPUs restricts the calling OS thread to the given CPU set.
func pinToCPUs(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}
