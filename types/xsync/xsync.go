// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools used by the
// session engine: one-shot notifications (optionally with timeouts) and a
// typed wrapper over sync.Map.
package xsync

import (
	"sync"
	"time"
)

// Notification is a one-shot signal that can be waited for until it is
// triggered. Once notified it never changes state, it's forever triggered.
type Notification struct {
	muNotify sync.Mutex
	done     chan struct{}
}

// NewNotification returns an un-triggered Notification.
func NewNotification() *Notification {
	return &Notification{
		done: make(chan struct{}),
	}
}

// Notify triggers the notification. It is safe to call it more than once,
// only the first call has any effect.
func (n *Notification) Notify() {
	n.muNotify.Lock()
	defer n.muNotify.Unlock()

	if n.HasBeenNotified() {
		return
	}
	close(n.done)
}

// HasBeenNotified checks whether the notification has been triggered, without
// blocking.
func (n *Notification) HasBeenNotified() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the notification is triggered.
func (n *Notification) Wait() {
	<-n.done
}

// WaitWithTimeout blocks until the notification is triggered or until timeout
// elapses, whichever comes first. It returns true if the notification was
// triggered. A timeout <= 0 means wait without limit.
func (n *Notification) WaitWithTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		<-n.done
		return true
	}
	select {
	case <-n.done:
		return true
	case <-time.After(timeout):
		// Re-check: the notification may have raced the timer.
		return n.HasBeenNotified()
	}
}

// WaitChan returns the channel one can use in a `select` to check when the
// notification triggers. The returned channel is closed when it is triggered.
func (n *Notification) WaitChan() <-chan struct{} {
	return n.done
}

// SyncMap is a trivial wrapper to sync.Map that casts the key and value types
// accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once
// it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// LoadAndDelete deletes the value for a key, returning the previous value if
// any. The loaded result reports whether the key was present.
func (m *SyncMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	v, loaded := m.Map.LoadAndDelete(key)
	if !loaded {
		return value, false
	}
	return v.(V), true
}

// Delete deletes the value for a key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
