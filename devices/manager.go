// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/status"
)

// Manager owns a set of devices and resolves lookups under every accepted
// name spelling.
//
// Managers are reference counted: session groups with multi-stream disabled
// share the leader's manager, and the devices are released only when the
// last session drops its reference.
type Manager struct {
	refs atomic.Int64

	// owning managers clear their devices' resources when the last
	// reference is dropped; shared managers leave that to whoever owns the
	// devices (e.g. a session group).
	owning bool

	mu      sync.Mutex
	devices []Device
	byName  map[string]Device
}

// NewManager creates a manager owning the given devices. The caller's
// reference is already counted; use AddRef for additional shared owners.
func NewManager(devs []Device) *Manager {
	m := &Manager{byName: make(map[string]Device), owning: true}
	m.refs.Store(1)
	for _, device := range devs {
		m.addLocked(device)
	}
	return m
}

// NewSharedManager creates a manager over devices owned elsewhere: dropping
// the last reference forgets the devices without clearing their resources.
func NewSharedManager(devs []Device) *Manager {
	m := NewManager(devs)
	m.owning = false
	return m
}

func (m *Manager) addLocked(device Device) {
	m.devices = append(m.devices, device)
	for _, spelling := range NameSpellings(device.Name()) {
		m.byName[spelling] = device
	}
}

// AddDevice registers one more device with the manager.
func (m *Manager) AddDevice(device Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(device)
}

// AddRef registers one more shared owner of the manager.
func (m *Manager) AddRef() *Manager {
	m.refs.Add(1)
	return m
}

// Unref drops one owner reference. When the last reference is gone, the
// manager forgets its devices; an owning manager also clears every device's
// resource manager, a shared one leaves them untouched.
func (m *Manager) Unref() {
	if m.refs.Add(-1) > 0 {
		return
	}
	m.mu.Lock()
	devices := m.devices
	m.devices = nil
	m.byName = make(map[string]Device)
	m.mu.Unlock()
	if m.owning {
		for _, device := range devices {
			device.ResourceMgr().Clear()
		}
	}
	klog.V(1).Infof("device manager released %d devices (owning=%t)", len(devices), m.owning)
}

// ListDevices returns the attributes of every managed device.
func (m *Manager) ListDevices() []Attributes {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs := make([]Attributes, 0, len(m.devices))
	for _, device := range m.devices {
		attrs = append(attrs, device.Attributes())
	}
	return attrs
}

// Devices returns the managed devices in registration order.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device{}, m.devices...)
}

// NumDevices managed.
func (m *Manager) NumDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// LookupDevice resolves a device by any accepted name spelling.
func (m *Manager) LookupDevice(name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device, found := m.byName[name]; found {
		return device, nil
	}
	canonical, err := CanonicalName(name)
	if err != nil {
		return nil, err
	}
	if device, found := m.byName[canonical]; found {
		return device, nil
	}
	return nil, status.NotFoundf("unknown device %q", name)
}

// CanonicalizeName resolves any accepted spelling to the canonical name of a
// managed device.
func (m *Manager) CanonicalizeName(name string) (string, error) {
	device, err := m.LookupDevice(name)
	if err != nil {
		return "", err
	}
	return device.Name(), nil
}

// ClientDevice returns the device that represents the client of the session:
// the first CPU device.
func (m *Manager) ClientDevice() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, device := range m.devices {
		if device.Attributes().Type == "CPU" {
			return device
		}
	}
	if len(m.devices) > 0 {
		return m.devices[0]
	}
	return nil
}

// ClearContainers releases the named resource containers on every device.
// With no names given, the default container is cleared.
func (m *Manager) ClearContainers(names []string) {
	if len(names) == 0 {
		names = []string{DefaultContainer}
	}
	for _, device := range m.Devices() {
		for _, name := range names {
			device.ResourceMgr().Cleanup(name)
		}
	}
}
