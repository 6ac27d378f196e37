// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package threadpool

import "github.com/pkg/errors"

func pinToCPUs(cpus []int) error {
	return errors.Errorf("thread affinity is not supported on this platform")
}
