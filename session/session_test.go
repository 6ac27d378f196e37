// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// newTestSession builds a session with a per-session pool, so tests don't
// populate the process-wide pool.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Options{Config: Config{
		UsePerSessionThreads:      true,
		InterOpParallelismThreads: 4,
	}})
	require.NoError(t, err)
	return s
}

// identityGraphDef is a placeholder passed through an identity.
func identityGraphDef() *graph.GraphDef {
	return &graph.GraphDef{Nodes: []*graph.NodeDef{
		{Name: "x", Op: "Placeholder", Attrs: map[string]any{graph.AttrDType: dtypes.Int32}},
		{Name: "y", Op: "Identity", Inputs: []string{"x:0"}},
	}}
}

// addMulGraphDef computes s = a + b and t = s * 2.
func addMulGraphDef() *graph.GraphDef {
	return &graph.GraphDef{Nodes: []*graph.NodeDef{
		{Name: "a", Op: "Placeholder", Attrs: map[string]any{graph.AttrDType: dtypes.Int32}},
		{Name: "b", Op: "Placeholder", Attrs: map[string]any{graph.AttrDType: dtypes.Int32}},
		{Name: "s", Op: "Add", Inputs: []string{"a:0", "b:0"}},
		{Name: "two", Op: "Const", Attrs: map[string]any{graph.AttrValue: int32(2)}},
		{Name: "t", Op: "Mul", Inputs: []string{"s:0", "two:0"}},
	}}
}

// blockGraphDef holds a node that parks until cancelled.
func blockGraphDef() *graph.GraphDef {
	return &graph.GraphDef{Nodes: []*graph.NodeDef{
		{Name: "wall", Op: "Block"},
	}}
}

func feedInt32(name string, value int32) NamedTensor {
	return NamedTensor{Name: name, Tensor: tensors.FromScalar(value)}
}

func TestIdentityRun(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))

	outputs, err := s.Run(nil, []NamedTensor{feedInt32("x:0", 7)}, []string{"y:0"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, int32(7), outputs[0].Value())
}

func TestReorderedFetchesReuseExecutors(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))

	outputs, err := s.Run(nil, []NamedTensor{feedInt32("x:0", 7)}, []string{"y:0"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(7), outputs[0].Value())

	// Fetching the same tensor twice returns it twice.
	outputs, err = s.Run(nil, []NamedTensor{feedInt32("x:0", 9)}, []string{"y:0", "y:0"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	require.Equal(t, int32(9), outputs[0].Value())
	require.Equal(t, int32(9), outputs[1].Value())
}

func TestPermutedRequestSharesExecutors(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	run := func(feeds []NamedTensor, fetches []string) []*tensors.Tensor {
		outputs, err := s.Run(nil, feeds, fetches, nil, nil)
		require.NoError(t, err)
		return outputs
	}
	first := run([]NamedTensor{feedInt32("a:0", 3), feedInt32("b:0", 4)}, []string{"s:0", "t:0"})
	require.Equal(t, int32(7), first[0].Value())
	require.Equal(t, int32(14), first[1].Value())

	// Permuted feeds and fetches give consistent results...
	second := run([]NamedTensor{feedInt32("b:0", 4), feedInt32("a:0", 3)}, []string{"t:0", "s:0"})
	require.Equal(t, int32(14), second[0].Value())
	require.Equal(t, int32(7), second[1].Value())

	// ...and resolve to the same prepared executors through the canonical
	// cache key.
	s.executorLock.Lock()
	defer s.executorLock.Unlock()
	distinct := make(map[*executorsAndKeys]bool)
	for _, ek := range s.executors {
		distinct[ek] = true
	}
	require.Len(t, distinct, 1)
}

func TestConcurrentIdenticalRuns(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))

	const numThreads = 8
	var wg sync.WaitGroup
	for ii := range numThreads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs, err := s.Run(nil, []NamedTensor{feedInt32("x:0", int32(ii))}, []string{"y:0"}, nil, nil)
			require.NoError(t, err)
			require.Equal(t, int32(ii), outputs[0].Value())
		}()
	}
	wg.Wait()

	s.executorLock.Lock()
	defer s.executorLock.Unlock()
	distinct := make(map[*executorsAndKeys]bool)
	for _, ek := range s.executors {
		distinct[ek] = true
	}
	require.Len(t, distinct, 1)
}

func TestCreateExactlyOnce(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()

	require.True(t, status.IsInvalidArgument(s.Create(&graph.GraphDef{})))
	require.NoError(t, s.Create(identityGraphDef()))
	err := s.Create(identityGraphDef())
	require.True(t, status.IsAlreadyExists(err))
}

func TestExtendAddsNodes(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))
	require.NoError(t, s.Extend(&graph.GraphDef{Nodes: []*graph.NodeDef{
		{Name: "z", Op: "Identity", Inputs: []string{"y:0"}},
	}}))

	outputs, err := s.Run(nil, []NamedTensor{feedInt32("x:0", 5)}, []string{"z:0"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(5), outputs[0].Value())
}

func TestRunBeforeCreate(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	_, err := s.Run(nil, nil, []string{"y:0"}, nil, nil)
	require.True(t, status.IsFailedPrecondition(err))
}

func TestOperationsAfterClose(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Create(identityGraphDef()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // Idempotent.

	_, err := s.Run(nil, []NamedTensor{feedInt32("x:0", 1)}, []string{"y:0"}, nil, nil)
	require.True(t, status.IsCancelled(err))
	require.True(t, status.IsCancelled(s.Create(identityGraphDef())))
	require.True(t, status.IsCancelled(s.Extend(identityGraphDef())))
	_, err = s.PRunSetup([]string{"x:0"}, []string{"y:0"}, nil)
	require.True(t, status.IsCancelled(err))
	_, err = s.ListDevices()
	require.True(t, status.IsCancelled(err))
}

func TestNotFoundNames(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))

	_, err := s.Run(nil, []NamedTensor{feedInt32("nope:0", 1)}, []string{"y:0"}, nil, nil)
	require.True(t, status.IsNotFound(err))
	_, err = s.Run(nil, []NamedTensor{feedInt32("x:0", 1)}, []string{"nope:0"}, nil, nil)
	require.True(t, status.IsNotFound(err))
}

func TestInvalidThreadPoolIndex(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))

	_, err := s.Run(&RunOptions{InterOpThreadPool: 3},
		[]NamedTensor{feedInt32("x:0", 1)}, []string{"y:0"}, nil, nil)
	require.True(t, status.IsInvalidArgument(err))
}

func TestPartialRunProtocol(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	handle, err := s.PRunSetup([]string{"a:0", "b:0"}, []string{"s:0", "t:0"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	// Feed a alone, fetch nothing yet.
	outputs, err := s.PRun(handle, []NamedTensor{feedInt32("a:0", 3)}, nil)
	require.NoError(t, err)
	require.Empty(t, outputs)

	// Feed b and fetch the sum.
	outputs, err = s.PRun(handle, []NamedTensor{feedInt32("b:0", 4)}, []string{"s:0"})
	require.NoError(t, err)
	require.Equal(t, int32(7), outputs[0].Value())

	// Feeding a again is rejected.
	_, err = s.PRun(handle, []NamedTensor{feedInt32("a:0", 1)}, nil)
	require.True(t, status.IsInvalidArgument(err))

	// Fetch the product; this completes the partial run.
	outputs, err = s.PRun(handle, nil, []string{"t:0"})
	require.NoError(t, err)
	require.Equal(t, int32(14), outputs[0].Value())

	// The handle is gone now.
	_, err = s.PRun(handle, []NamedTensor{feedInt32("a:0", 1)}, nil)
	require.True(t, status.IsInvalidArgument(err))
}

func TestPartialRunRejectsPrematureFetch(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	handle, err := s.PRunSetup([]string{"a:0", "b:0"}, []string{"s:0"}, nil)
	require.NoError(t, err)

	// s depends on b, which is still pending.
	_, err = s.PRun(handle, []NamedTensor{feedInt32("a:0", 1)}, []string{"s:0"})
	require.True(t, status.IsInvalidArgument(err))
	require.Contains(t, err.Error(), "b:0")
}

func TestPartialRunRejectsUndeclaredNames(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	handle, err := s.PRunSetup([]string{"a:0", "b:0"}, []string{"s:0"}, nil)
	require.NoError(t, err)

	_, err = s.PRun(handle, []NamedTensor{feedInt32("two:0", 1)}, nil)
	require.True(t, status.IsInvalidArgument(err))
	_, err = s.PRun(handle, nil, []string{"t:0"})
	require.True(t, status.IsInvalidArgument(err))
}

func TestPartialRunRendezvousKeyFormat(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	_, err := s.PRunSetup([]string{"a:0"}, []string{"a:0"}, nil)
	require.NoError(t, err)

	client := s.deviceMgr.ClientDevice().Attributes()
	expected := fmt.Sprintf("%s;%016x;%s;a:0;0:0", client.Name, client.Incarnation, client.Name)

	s.executorLock.Lock()
	defer s.executorLock.Unlock()
	require.Len(t, s.partialRuns, 1)
	for _, entry := range s.partialRuns {
		require.Equal(t, expected, entry.ek.inputName2RendezvousKey["a:0"])
		parsed, err := rendezvous.ParseKey(expected)
		require.NoError(t, err)
		require.Equal(t, client.Incarnation, parsed.SrcIncarnation)
	}
}

func TestCloseCancelsInFlightRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestSession(t)
	require.NoError(t, s.Create(blockGraphDef()))

	runErr := make(chan error, 1)
	go func() {
		_, err := s.Run(nil, nil, []string{"wall:0"}, nil, nil)
		runErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-runErr:
		require.Error(t, err)
		require.True(t, status.IsCancelled(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after Close")
	}
}

func TestRunTimeout(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(blockGraphDef()))

	start := time.Now()
	_, err := s.Run(&RunOptions{Timeout: 50 * time.Millisecond}, nil, []string{"wall:0"}, nil, nil)
	require.Error(t, err)
	require.True(t, status.IsDeadlineExceeded(err), "got %v", err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCallable(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	handle, err := s.MakeCallable(CallableOptions{
		Feeds:   []string{"a:0", "b:0"},
		Fetches: []string{"t:0"},
	})
	require.NoError(t, err)

	outputs, err := s.RunCallable(handle,
		[]*tensors.Tensor{tensors.FromScalar(int32(5)), tensors.FromScalar(int32(6))}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(22), outputs[0].Value())

	// Wrong number of feeds.
	_, err = s.RunCallable(handle, []*tensors.Tensor{tensors.FromScalar(int32(5))}, nil, nil)
	require.True(t, status.IsInvalidArgument(err))

	require.NoError(t, s.ReleaseCallable(handle))
	_, err = s.RunCallable(handle, []*tensors.Tensor{tensors.FromScalar(int32(5)), tensors.FromScalar(int32(6))}, nil, nil)
	require.True(t, status.IsInvalidArgument(err))
	require.True(t, status.IsInvalidArgument(s.ReleaseCallable(handle)))
}

func TestRunMetadataOutputs(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(addMulGraphDef()))

	var metadata RunMetadata
	_, err := s.Run(&RunOptions{
		TraceLevel:            SoftwareTrace,
		OutputPartitionGraphs: true,
		OutputCostModel:       true,
	}, []NamedTensor{feedInt32("a:0", 1), feedInt32("b:0", 2)}, []string{"t:0"}, nil, &metadata)
	require.NoError(t, err)
	require.NotNil(t, metadata.StepStats)
	require.NotEmpty(t, metadata.StepStats.PerDevice)
	require.NotEmpty(t, metadata.CostEstimates)
	require.Len(t, metadata.PartitionGraphs, 1)
}

func TestTargetsRunForEffect(t *testing.T) {
	s := newTestSession(t)
	defer func() { require.NoError(t, s.Close()) }()
	def := addMulGraphDef()
	def.Nodes = append(def.Nodes, &graph.NodeDef{Name: "v", Op: "Variable",
		Attrs: map[string]any{graph.AttrValue: int32(42)}})
	require.NoError(t, s.Create(def))

	outputs, err := s.Run(nil, []NamedTensor{feedInt32("a:0", 1), feedInt32("b:0", 1)},
		[]string{"s:0"}, []string{"v"}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), outputs[0].Value())

	// The target's state landed in the device resource manager.
	device := s.deviceMgr.ClientDevice()
	_, err = device.ResourceMgr().Lookup("", "Variable", "v")
	require.NoError(t, err)
}

func TestSessionMetadataMustBeUnique(t *testing.T) {
	metadata := &Metadata{Name: "serving", Version: 1}
	first, err := New(Options{Config: Config{UsePerSessionThreads: true, SessionMetadata: metadata}})
	require.NoError(t, err)

	_, err = New(Options{Config: Config{UsePerSessionThreads: true, SessionMetadata: metadata}})
	require.True(t, status.IsAlreadyExists(err))

	require.NoError(t, first.Close())
	second, err := New(Options{Config: Config{UsePerSessionThreads: true, SessionMetadata: metadata}})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
