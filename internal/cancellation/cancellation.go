// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cancellation implements the cancellation manager the session fans
// step-cancel requests through: callbacks are registered per token, and
// StartCancel runs every registered callback exactly once.
package cancellation

import "sync"

// Token identifies one registered callback.
type Token int64

// Manager tracks cancel callbacks. A session owns one manager for its
// lifetime and each step owns a fresh one; the session manager's callbacks
// cancel the per-step managers.
type Manager struct {
	mu        sync.Mutex
	cancelled bool
	nextToken Token
	callbacks map[Token]func()
}

// New returns a Manager ready for registrations.
func New() *Manager {
	return &Manager{callbacks: make(map[Token]func())}
}

// GetToken reserves a token for a future RegisterCallback call.
func (m *Manager) GetToken() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.nextToken
	m.nextToken++
	return token
}

// RegisterCallback installs the callback under the token. It returns false
// if cancellation already started, in which case the callback is NOT run and
// the caller must handle the cancellation itself.
func (m *Manager) RegisterCallback(token Token, callback func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return false
	}
	m.callbacks[token] = callback
	return true
}

// DeregisterCallback removes the callback under the token, returning false
// if cancellation already started (meaning the callback ran or is running).
func (m *Manager) DeregisterCallback(token Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, token)
	return !m.cancelled
}

// StartCancel runs all registered callbacks. Idempotent: only the first call
// runs anything. Callbacks execute outside the manager lock.
func (m *Manager) StartCancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	callbacks := make([]func(), 0, len(m.callbacks))
	for _, callback := range m.callbacks {
		callbacks = append(callbacks, callback)
	}
	m.callbacks = make(map[Token]func())
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// IsCancelled reports whether StartCancel has been called.
func (m *Manager) IsCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}
