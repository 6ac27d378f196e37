// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"runtime"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/devices"
	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/status"
)

// Group is a leader/follower cluster of sessions serving the same model
// concurrently over shared resource managers. With GPU multi-stream enabled
// every member gets its own virtual GPU device (one stream each) over a
// single shared GPU resource manager; otherwise all members share the
// leader's device manager.
type Group struct {
	sessions []*Session

	// sharedDevices are owned by the group (multi-stream mode) and released
	// after the last session closes.
	sharedDevices []devices.Device
}

// NewSessionGroup creates a group of count sessions: one leader (index 0)
// and count-1 followers.
//
// All members share one CPU device (hence one CPU resource manager,
// published under every spelling of the CPU device name), and each follower
// advertises a distinct global thread-pool index so members never contend on
// one pool. When multi-stream GPU is requested, count virtual GPU devices
// over one shared GPU resource manager are synthesized and each session
// keeps only the device matching its rank, with memory growth forced on.
func NewSessionGroup(options Options, count int) (*Group, error) {
	if count <= 0 {
		return nil, status.InvalidArgumentf("session group size must be positive, got %d", count)
	}

	group := &Group{}
	multiStream := options.Config.GPUOptions.MultiStream

	// One CPU device shared by every member.
	cpu := devices.NewCPUDevice(0, -1)

	// Partition the visible CPUs evenly across members, for the optional
	// per-session pool affinity.
	cpuSlices := partitionCPUs(runtime.NumCPU(), count)

	var sharedGPUResources *devices.ResourceMgr
	var gpus []devices.Device
	if multiStream {
		if !options.Config.GPUOptions.AllowGrowth {
			klog.V(1).Infof("session group: multi-stream forces GPU memory growth on")
		}
		sharedGPUResources = devices.NewResourceMgr()
		for rank := range count {
			gpus = append(gpus, devices.NewVirtualGPUDevice(rank, sharedGPUResources))
		}
		group.sharedDevices = append([]devices.Device{cpu}, gpus...)
	}

	var leaderMgr *devices.Manager
	for rank := range count {
		memberOptions := options
		memberOptions.Config.GPUOptions.AllowGrowth = multiStream || options.Config.GPUOptions.AllowGrowth
		memberOptions.Config.VisibleCPUs = cpuSlices[rank]
		if rank > 0 {
			// Distinct global pool per follower.
			memberOptions.Config.DeviceThreadPoolIndex = rank
		}
		if memberOptions.Config.SessionMetadata != nil && rank > 0 {
			// (Name, Version) must stay unique: followers get a derived
			// version offset by their rank.
			metadata := *memberOptions.Config.SessionMetadata
			metadata.Version += int64(rank)
			memberOptions.Config.SessionMetadata = &metadata
		}

		var mgr *devices.Manager
		var owns bool
		switch {
		case multiStream:
			// Each member sees the shared CPU plus only its own stream's
			// virtual GPU; the devices belong to the group.
			mgr = devices.NewSharedManager([]devices.Device{cpu, gpus[rank]})
			owns = true
		case rank == 0:
			mgr = devices.NewManager([]devices.Device{cpu})
			leaderMgr = mgr
			owns = true
		default:
			// Followers share the leader's manager. This works, but device
			// lifetime now follows the reference count rather than any one
			// session.
			klog.Warningf("session group without multi-stream: follower %d shares the leader's device manager (degraded)", rank)
			mgr = leaderMgr.AddRef()
			owns = true
		}

		member, err := NewWithDeviceManager(memberOptions, mgr, owns)
		if err != nil {
			_ = group.Close()
			return nil, err
		}
		group.sessions = append(group.sessions, member)
	}
	klog.V(1).Infof("created session group: %d sessions, multiStream=%t", count, multiStream)
	return group, nil
}

// partitionCPUs splits CPUs 0..numCPUs-1 into count contiguous slices, as
// even as possible.
func partitionCPUs(numCPUs, count int) [][]int {
	slices := make([][]int, count)
	base := numCPUs / count
	extra := numCPUs % count
	next := 0
	for ii := range count {
		width := base
		if ii < extra {
			width++
		}
		for jj := 0; jj < width && next < numCPUs; jj++ {
			slices[ii] = append(slices[ii], next)
			next++
		}
	}
	return slices
}

// Leader returns the leader session.
func (g *Group) Leader() *Session {
	if len(g.sessions) == 0 {
		return nil
	}
	return g.sessions[0]
}

// Sessions returns all members, leader first.
func (g *Group) Sessions() []*Session { return g.sessions }

// Size of the group.
func (g *Group) Size() int { return len(g.sessions) }

// Create installs the graph on every member, so any of them can serve it.
func (g *Group) Create(def *graph.GraphDef) error {
	for _, member := range g.sessions {
		if err := member.Create(def); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every member concurrently and then releases the group-owned
// shared devices. The first error wins; all are logged.
func (g *Group) Close() error {
	var eg errgroup.Group
	for _, member := range g.sessions {
		eg.Go(func() error {
			if err := member.Close(); err != nil {
				klog.Errorf("session group member close failed: %v", err)
				return err
			}
			return nil
		})
	}
	err := eg.Wait()
	for _, device := range g.sharedDevices {
		device.ResourceMgr().Clear()
	}
	g.sharedDevices = nil
	return err
}
