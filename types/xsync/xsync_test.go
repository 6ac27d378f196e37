// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotification(t *testing.T) {
	n := NewNotification()
	require.False(t, n.HasBeenNotified())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Wait()
	}()
	n.Notify()
	n.Notify() // Safe to trigger twice.
	wg.Wait()
	require.True(t, n.HasBeenNotified())
}

func TestNotificationTimeout(t *testing.T) {
	n := NewNotification()
	require.False(t, n.WaitWithTimeout(10*time.Millisecond))
	n.Notify()
	require.True(t, n.WaitWithTimeout(10*time.Millisecond))
	require.True(t, n.WaitWithTimeout(0)) // No limit, already notified.
}

func TestNotificationWaitChan(t *testing.T) {
	n := NewNotification()
	select {
	case <-n.WaitChan():
		t.Fatal("channel closed before Notify")
	default:
	}
	n.Notify()
	<-n.WaitChan()
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, ok := m.Load("a")
	require.False(t, ok)

	m.Store("a", 1)
	value, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, value)

	actual, loaded := m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, actual)

	value, loaded = m.LoadAndDelete("a")
	require.True(t, loaded)
	require.Equal(t, 1, value)
	_, ok = m.Load("a")
	require.False(t, ok)

	m.Store("b", 2)
	m.Store("c", 3)
	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	require.Equal(t, 5, total)
}
