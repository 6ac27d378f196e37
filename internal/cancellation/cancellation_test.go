// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cancellation

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartCancelRunsCallbacksOnce(t *testing.T) {
	m := New()
	var calls atomic.Int32
	token := m.GetToken()
	require.True(t, m.RegisterCallback(token, func() { calls.Add(1) }))
	require.False(t, m.IsCancelled())

	m.StartCancel()
	m.StartCancel()
	require.True(t, m.IsCancelled())
	require.Equal(t, int32(1), calls.Load())
}

func TestRegisterAfterCancel(t *testing.T) {
	m := New()
	m.StartCancel()
	require.False(t, m.RegisterCallback(m.GetToken(), func() { t.Fatal("must not run") }))
}

func TestDeregister(t *testing.T) {
	m := New()
	token := m.GetToken()
	require.True(t, m.RegisterCallback(token, func() { t.Fatal("must not run") }))
	require.True(t, m.DeregisterCallback(token))
	m.StartCancel()
	require.False(t, m.DeregisterCallback(token))
}
