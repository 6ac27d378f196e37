// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices models the local compute devices a session executes on:
// their attributes (name, incarnation, locality), the per-device resource
// manager and op-segment (kernel cache), and the device manager that owns or
// shares them between sessions.
package devices

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/dataflow/internal/threadpool"
	"github.com/gomlx/dataflow/status"
)

// Locality describes where the device sits relative to the host topology.
type Locality struct {
	// NumaNode the device memory is attached to, or -1 when unknown.
	NumaNode int
}

// Attributes identify a device instance.
type Attributes struct {
	// Name is the canonical device name, e.g. "/device:CPU:0".
	Name string

	// Type is the device class: "CPU" or "GPU".
	Type string

	// MemoryLimit in bytes; -1 means "grow on demand".
	MemoryLimit int64

	// Incarnation is a random non-zero value regenerated every time the
	// device object is created. Rendezvous keys embed it, so stale keys from
	// a previous incarnation never match.
	Incarnation uint64

	Locality Locality
}

// Device is the contract the session engine needs from a compute device.
type Device interface {
	// Name returns the canonical device name.
	Name() string

	// Attributes of the device.
	Attributes() Attributes

	// OpSegment returns the per-device kernel cache, scoped by session
	// handle.
	OpSegment() *OpSegment

	// ResourceMgr returns the device resource manager.
	ResourceMgr() *ResourceMgr

	// ComputePool returns a device-preferred pool for inter-op closures, or
	// nil if the device has no opinion.
	ComputePool() *threadpool.Pool

	// MaybeRewriteGraph gives the device a chance to rewrite its partition
	// before kernels are instantiated. The default implementation is a
	// no-op returning the input.
	MaybeRewriteGraph(partition any) (any, error)

	// Sync blocks until work queued on the device has drained.
	Sync() error
}

// newIncarnation returns a random non-zero incarnation number.
func newIncarnation() uint64 {
	for {
		if incarnation := rand.Uint64(); incarnation != 0 {
			return incarnation
		}
	}
}

// LocalDevice is the CPU (and virtual GPU) device implementation: all
// compute happens on host threads, state lives in the resource manager.
type LocalDevice struct {
	attrs       Attributes
	opSegment   *OpSegment
	resourceMgr *ResourceMgr
	computePool *threadpool.Pool

	// streamID distinguishes virtual GPU devices multiplexed over one
	// physical device; always 0 for CPU.
	streamID int
}

var _ Device = (*LocalDevice)(nil)

// NewCPUDevice creates a CPU device with the given index and NUMA node
// (-1 if unknown). It owns a fresh resource manager.
func NewCPUDevice(index int, numaNode int) *LocalDevice {
	return &LocalDevice{
		attrs: Attributes{
			Name:        fmt.Sprintf("/device:CPU:%d", index),
			Type:        "CPU",
			MemoryLimit: -1,
			Incarnation: newIncarnation(),
			Locality:    Locality{NumaNode: numaNode},
		},
		opSegment:   NewOpSegment(),
		resourceMgr: NewResourceMgr(),
	}
}

// NewVirtualGPUDevice creates one of the per-session virtual GPU devices of
// a session group: rank is both the device index and the stream id, and the
// resource manager is shared between all virtual devices of the group.
func NewVirtualGPUDevice(rank int, sharedResourceMgr *ResourceMgr) *LocalDevice {
	if sharedResourceMgr == nil {
		sharedResourceMgr = NewResourceMgr()
	}
	return &LocalDevice{
		attrs: Attributes{
			Name:        fmt.Sprintf("/device:GPU:%d", rank),
			Type:        "GPU",
			MemoryLimit: -1,
			Incarnation: newIncarnation(),
			Locality:    Locality{NumaNode: -1},
		},
		opSegment:   NewOpSegment(),
		resourceMgr: sharedResourceMgr,
		streamID:    rank,
	}
}

// Name returns the canonical device name.
func (d *LocalDevice) Name() string { return d.attrs.Name }

// Attributes of the device.
func (d *LocalDevice) Attributes() Attributes { return d.attrs }

// OpSegment returns the per-device kernel cache.
func (d *LocalDevice) OpSegment() *OpSegment { return d.opSegment }

// ResourceMgr returns the device resource manager.
func (d *LocalDevice) ResourceMgr() *ResourceMgr { return d.resourceMgr }

// ComputePool returns the device-preferred pool, or nil.
func (d *LocalDevice) ComputePool() *threadpool.Pool { return d.computePool }

// SetComputePool installs a device-preferred pool for inter-op closures.
func (d *LocalDevice) SetComputePool(pool *threadpool.Pool) { d.computePool = pool }

// StreamID of a virtual GPU device; 0 for CPU devices.
func (d *LocalDevice) StreamID() int { return d.streamID }

// MaybeRewriteGraph is a no-op for local devices.
func (d *LocalDevice) MaybeRewriteGraph(partition any) (any, error) { return partition, nil }

// Sync is immediate for local devices: kernels run synchronously on host
// threads.
func (d *LocalDevice) Sync() error { return nil }

func (d *LocalDevice) String() string { return d.attrs.Name }

// ParseName splits a device name into its type and index, accepting every
// spelling the engine publishes: "/device:CPU:0", "/cpu:0" and fully
// qualified "/job:.../device:CPU:0" forms.
func ParseName(name string) (deviceType string, index int, err error) {
	lowered := strings.ToLower(name)
	idx := strings.LastIndex(lowered, "/device:")
	var rest string
	if idx >= 0 {
		rest = name[idx+len("/device:"):]
	} else {
		// Legacy "/cpu:0" spelling.
		slash := strings.LastIndexByte(name, '/')
		if slash == -1 {
			return "", 0, status.InvalidArgumentf("cannot parse device name %q", name)
		}
		rest = name[slash+1:]
	}
	colon := strings.LastIndexByte(rest, ':')
	if colon == -1 {
		return "", 0, status.InvalidArgumentf("cannot parse device name %q: missing index", name)
	}
	deviceType = strings.ToUpper(rest[:colon])
	if _, err := fmt.Sscanf(rest[colon+1:], "%d", &index); err != nil {
		return "", 0, status.InvalidArgumentf("cannot parse device name %q: bad index %q", name, rest[colon+1:])
	}
	return deviceType, index, nil
}

// CanonicalName returns the "/device:TYPE:index" spelling for any accepted
// device name spelling.
func CanonicalName(name string) (string, error) {
	deviceType, index, err := ParseName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/device:%s:%d", deviceType, index), nil
}

// NameSpellings returns every spelling under which a device should be
// findable: the canonical name and the legacy lower-case short form.
func NameSpellings(canonical string) []string {
	deviceType, index, err := ParseName(canonical)
	if err != nil {
		return []string{canonical}
	}
	return []string{
		fmt.Sprintf("/device:%s:%d", deviceType, index),
		fmt.Sprintf("/%s:%d", strings.ToLower(deviceType), index),
	}
}
