// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"io"
	"sync"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/status"
)

// DefaultContainer is the resource container used when a step or session
// doesn't name one.
const DefaultContainer = "localhost"

// resourceKey identifies a resource inside a container.
type resourceKey struct {
	typeName string
	name     string
}

// ResourceMgr holds named resources grouped in containers. Stateful kernels
// keep their state here so it survives across steps; per-step containers are
// cleaned up when the step ends.
type ResourceMgr struct {
	mu         sync.Mutex
	containers map[string]map[resourceKey]any
}

// NewResourceMgr returns an empty resource manager.
func NewResourceMgr() *ResourceMgr {
	return &ResourceMgr{containers: make(map[string]map[resourceKey]any)}
}

// Create registers a resource under (container, typeName, name). It fails
// with an already-exists error if the slot is taken.
func (m *ResourceMgr) Create(container, typeName, name string, resource any) error {
	if container == "" {
		container = DefaultContainer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resources, found := m.containers[container]
	if !found {
		resources = make(map[resourceKey]any)
		m.containers[container] = resources
	}
	key := resourceKey{typeName: typeName, name: name}
	if _, taken := resources[key]; taken {
		return status.AlreadyExistsf("resource %s/%s already exists in container %q", typeName, name, container)
	}
	resources[key] = resource
	return nil
}

// Lookup returns the resource under (container, typeName, name).
func (m *ResourceMgr) Lookup(container, typeName, name string) (any, error) {
	if container == "" {
		container = DefaultContainer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resources, found := m.containers[container]
	if found {
		if resource, ok := resources[resourceKey{typeName: typeName, name: name}]; ok {
			return resource, nil
		}
	}
	return nil, status.NotFoundf("resource %s/%s not found in container %q", typeName, name, container)
}

// LookupOrCreate returns the resource under (container, typeName, name),
// creating it with the factory if absent. Concurrent callers get the same
// resource.
func (m *ResourceMgr) LookupOrCreate(container, typeName, name string, create func() (any, error)) (any, error) {
	if container == "" {
		container = DefaultContainer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resources, found := m.containers[container]
	if !found {
		resources = make(map[resourceKey]any)
		m.containers[container] = resources
	}
	key := resourceKey{typeName: typeName, name: name}
	if resource, ok := resources[key]; ok {
		return resource, nil
	}
	resource, err := create()
	if err != nil {
		return nil, err
	}
	resources[key] = resource
	return resource, nil
}

// Cleanup releases every resource of the given container. Resources
// implementing io.Closer are closed; close errors are logged, not returned.
func (m *ResourceMgr) Cleanup(container string) {
	if container == "" {
		container = DefaultContainer
	}
	m.mu.Lock()
	resources := m.containers[container]
	delete(m.containers, container)
	m.mu.Unlock()

	for key, resource := range resources {
		closeResource(key, resource)
	}
}

// Clear releases every container.
func (m *ResourceMgr) Clear() {
	m.mu.Lock()
	containers := m.containers
	m.containers = make(map[string]map[resourceKey]any)
	m.mu.Unlock()

	for _, resources := range containers {
		for key, resource := range resources {
			closeResource(key, resource)
		}
	}
}

// Containers lists the current container names.
func (m *ResourceMgr) Containers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Keys(m.containers)
}

func closeResource(key resourceKey, resource any) {
	closer, ok := resource.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		klog.Warningf("failed to close resource %s/%s: %v", key.typeName, key.name, err)
	}
}

// OpSegment caches instantiated kernels per session handle, so repeated
// executor builds within a session share kernels instead of recreating them.
// Kernels live until the last hold on their session is removed.
type OpSegment struct {
	mu       sync.Mutex
	sessions map[string]*opSegmentSession
}

type opSegmentSession struct {
	holds   int
	kernels map[string]any
}

// NewOpSegment returns an empty op-segment.
func NewOpSegment() *OpSegment {
	return &OpSegment{sessions: make(map[string]*opSegmentSession)}
}

// AddHold takes a hold on the kernels of the given session handle, creating
// the segment on first use.
func (s *OpSegment) AddHold(sessionHandle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segment, found := s.sessions[sessionHandle]
	if !found {
		segment = &opSegmentSession{kernels: make(map[string]any)}
		s.sessions[sessionHandle] = segment
	}
	segment.holds++
}

// RemoveHold drops a hold previously taken with AddHold. When the last hold
// is gone, the session's kernels are released.
func (s *OpSegment) RemoveHold(sessionHandle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segment, found := s.sessions[sessionHandle]
	if !found {
		return
	}
	segment.holds--
	if segment.holds <= 0 {
		delete(s.sessions, sessionHandle)
	}
}

// FindOrCreate returns the kernel cached under (sessionHandle, nodeName),
// creating it with the factory on first use. It fails if no hold exists for
// the session handle.
func (s *OpSegment) FindOrCreate(sessionHandle, nodeName string, create func() (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segment, found := s.sessions[sessionHandle]
	if !found {
		return nil, status.Internalf("op-segment has no hold for session %q", sessionHandle)
	}
	if kernel, ok := segment.kernels[nodeName]; ok {
		return kernel, nil
	}
	kernel, err := create()
	if err != nil {
		return nil, err
	}
	segment.kernels[nodeName] = kernel
	return kernel, nil
}
