// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

func TestSessionGroupMultiStream(t *testing.T) {
	group, err := NewSessionGroup(Options{Config: Config{
		UsePerSessionThreads: true,
		GPUOptions:           GPUOptions{MultiStream: true},
	}}, 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, group.Close()) }()
	require.Equal(t, 3, group.Size())
	require.Same(t, group.Sessions()[0], group.Leader())

	seenGPUs := make(map[string]bool)
	var cpuResources, gpuResources []any
	for _, member := range group.Sessions() {
		devs := member.DeviceManager().Devices()
		require.Len(t, devs, 2)

		// Every member shares the one CPU device (hence its resource
		// manager, under every name spelling).
		cpu, err := member.DeviceManager().LookupDevice("/cpu:0")
		require.NoError(t, err)
		cpuResources = append(cpuResources, cpu.ResourceMgr())

		// And each member sees exactly one virtual GPU, distinct from the
		// other members' GPUs.
		var gpuNames []string
		for _, device := range devs {
			if device.Attributes().Type == "GPU" {
				gpuNames = append(gpuNames, device.Name())
				gpuResources = append(gpuResources, device.ResourceMgr())
				require.Equal(t, int64(-1), device.Attributes().MemoryLimit)
			}
		}
		require.Len(t, gpuNames, 1)
		require.False(t, seenGPUs[gpuNames[0]])
		seenGPUs[gpuNames[0]] = true
	}
	for _, resources := range cpuResources[1:] {
		require.Same(t, cpuResources[0], resources)
	}
	for _, resources := range gpuResources[1:] {
		require.Same(t, gpuResources[0], resources)
	}
}

func TestSessionGroupServesConcurrently(t *testing.T) {
	group, err := NewSessionGroup(Options{Config: Config{
		UsePerSessionThreads: true,
		GPUOptions:           GPUOptions{MultiStream: true},
	}}, 2)
	require.NoError(t, err)
	defer func() { require.NoError(t, group.Close()) }()
	require.NoError(t, group.Create(identityGraphDef()))

	var wg sync.WaitGroup
	for _, member := range group.Sessions() {
		for value := range int32(4) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outputs, err := member.Run(nil,
					[]NamedTensor{{Name: "x:0", Tensor: tensors.FromScalar(value)}},
					[]string{"y:0"}, nil, nil)
				require.NoError(t, err)
				require.Equal(t, value, outputs[0].Value())
			}()
		}
	}
	wg.Wait()
}

func TestSessionGroupSharedDeviceManager(t *testing.T) {
	// Without multi-stream, followers share the leader's manager.
	group, err := NewSessionGroup(Options{Config: Config{UsePerSessionThreads: true}}, 2)
	require.NoError(t, err)
	require.Same(t, group.Leader().DeviceManager(), group.Sessions()[1].DeviceManager())

	// The shared manager survives the leader closing: the follower still
	// resolves devices until the last reference is gone.
	require.NoError(t, group.Leader().Close())
	_, err = group.Sessions()[1].DeviceManager().LookupDevice("/cpu:0")
	require.NoError(t, err)
	require.NoError(t, group.Sessions()[1].Close())
}

func TestSessionGroupSizeValidation(t *testing.T) {
	_, err := NewSessionGroup(Options{}, 0)
	require.True(t, status.IsInvalidArgument(err))
}

func TestPartitionCPUs(t *testing.T) {
	slices := partitionCPUs(8, 3)
	require.Len(t, slices, 3)
	require.Equal(t, []int{0, 1, 2}, slices[0])
	require.Equal(t, []int{3, 4, 5}, slices[1])
	require.Equal(t, []int{6, 7}, slices[2])
}
