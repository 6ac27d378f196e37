// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/executor"
	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/internal/cancellation"
	"github.com/gomlx/dataflow/internal/threadpool"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
	"github.com/gomlx/dataflow/types/xsync"
)

// TraceLevel selects how much a run records into its metadata.
type TraceLevel int

const (
	NoTrace TraceLevel = iota
	SoftwareTrace
	FullTrace
)

// RunOptions tunes one Run call.
type RunOptions struct {
	TraceLevel TraceLevel

	// Timeout bounds this run; 0 falls back to the session's operation
	// timeout.
	Timeout time.Duration

	// InterOpThreadPool indexes the session's pool vector.
	InterOpThreadPool int

	// OutputPartitionGraphs copies the per-device partition graphs into the
	// run metadata.
	OutputPartitionGraphs bool

	// OutputCostModel folds this step's stats into the session cost model
	// and copies the accumulated per-node estimates into the run metadata.
	OutputCostModel bool

	// RunInCallerThread executes a single-partition step inline in the
	// calling goroutine, skipping the pool hop.
	RunInCallerThread bool

	// Debug selects tensor watches; it participates in the executor cache
	// key.
	Debug *DebugOptions
}

// DebugOptions lists tensor watches. Their summary is part of the executor
// cache key; the session's DebugObserver is not handed the watches.
type DebugOptions struct {
	Watches []string
}

// Summary is the canonical string form used inside the executor cache key.
func (o *DebugOptions) Summary() string {
	if o == nil || len(o.Watches) == 0 {
		return ""
	}
	return fmt.Sprintf("watches:%d:%s", len(o.Watches), fmt.Sprint(o.Watches))
}

func debugSummaryOf(runOptions *RunOptions) string {
	if runOptions == nil {
		return ""
	}
	return runOptions.Debug.Summary()
}

// RunMetadata collects the optional outputs of one run.
type RunMetadata struct {
	StepStats       *executor.StepStats
	CostEstimates   []executor.CostEstimate
	PartitionGraphs []*graph.GraphDef
}

// ThreadPoolPair lets a caller substitute its own inter- and intra-op pools
// for one call (RunCallable only).
type ThreadPoolPair struct {
	Inter *threadpool.Pool
	Intra *threadpool.Pool
}

// runState is the per-step state shared between the orchestrator, the
// barrier and the timeout handler. The rendezvous is reference counted: the
// state holds one reference, the barrier another, and the state is only torn
// down once the executors-done notification fired.
type runState struct {
	rendez        *rendezvous.Rendezvous
	tensorStore   *executor.TensorStore
	stepContainer string
	collector     *executor.StatsCollector
	cancel        *cancellation.Manager
	collective    *collectiveExecutor

	executorsDone *xsync.Notification

	mu  sync.Mutex
	err error

	// Partial runs only: pending feed/fetch maps. Transitions are monotonic
	// (false -> true, never back) and happen under the session executor
	// lock.
	pendingInputs  map[string]bool
	pendingOutputs map[string]bool
}

func newRunState(stepID int64, rendez *rendezvous.Rendezvous) *runState {
	return &runState{
		rendez:        rendez,
		tensorStore:   executor.NewTensorStore(),
		stepContainer: fmt.Sprintf("__step_%d", stepID),
		cancel:        cancellation.New(),
		executorsDone: xsync.NewNotification(),
	}
}

// accumulate records a non-OK status; the first one wins for reporting, the
// rest are logged.
func (rs *runState) accumulate(err error) {
	if err == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.err == nil {
		rs.err = err
		return
	}
	klog.V(1).Infof("suppressed secondary step error: %v", err)
}

// status returns the accumulated error.
func (rs *runState) status() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.err
}

// pendingDone reports whether every pending feed and fetch of a partial run
// has been supplied and consumed.
func (rs *runState) pendingDone() bool {
	for _, done := range rs.pendingInputs {
		if !done {
			return false
		}
	}
	for _, done := range rs.pendingOutputs {
		if !done {
			return false
		}
	}
	return true
}

// teardown cleans the step-scoped resources: every device's resource
// container for this step, and the state's rendezvous reference.
func (rs *runState) teardown(s *Session) {
	for _, device := range s.deviceMgr.Devices() {
		device.ResourceMgr().Cleanup(rs.stepContainer)
	}
	if rs.collective != nil {
		rs.collective.Release()
	}
	rs.rendez.Unref()
}

// executorBarrier joins the per-partition executors of one step: each
// completion folds its status into the run state; the last one notifies
// executors-done and drops the barrier's rendezvous reference. Failures
// abort the rendezvous so sibling partitions fail fast.
type executorBarrier struct {
	rendez  *rendezvous.Rendezvous
	state   *runState
	pending int
	mu      sync.Mutex
}

func newExecutorBarrier(numExecutors int, rendez *rendezvous.Rendezvous, state *runState) *executorBarrier {
	return &executorBarrier{rendez: rendez.Ref(), state: state, pending: numExecutors}
}

// whenDone returns the completion callback handed to one executor.
func (b *executorBarrier) whenDone() func(error) {
	return func(err error) {
		if err != nil {
			b.state.accumulate(err)
			b.rendez.StartAbort(err)
		}
		b.mu.Lock()
		b.pending--
		last := b.pending == 0
		b.mu.Unlock()
		if last {
			b.rendez.Unref()
			b.state.executorsDone.Notify()
		}
	}
}

// Run executes the graph once with the given feeds, returning the fetched
// tensors in the order requested. targetNames name nodes to run for effect
// only. metadata may be nil.
func (s *Session) Run(runOptions *RunOptions, inputs []NamedTensor, outputNames, targetNames []string, metadata *RunMetadata) ([]*tensors.Tensor, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	if err := s.checkGraphCreated("Run()"); err != nil {
		return nil, err
	}
	start := time.Now()

	feeds := make([]string, len(inputs))
	var feedBytes int64
	for ii, input := range inputs {
		feeds[ii] = input.Name
		if input.Tensor == nil {
			return nil, status.InvalidArgumentf("feed %q has a nil tensor", input.Name)
		}
		feedBytes += int64(input.Tensor.Memory())
	}

	ek, err := s.getOrCreateExecutors(feeds, outputNames, targetNames, false, debugSummaryOf(runOptions))
	if err != nil {
		return nil, err
	}

	// Route the caller's tensors into call-frame slots through the entry's
	// name table, so feed order doesn't matter.
	frame := executor.NewFunctionCallFrame(ek.feedTypes, ek.fetchTypes)
	args := make([]*tensors.Tensor, len(inputs))
	for _, input := range inputs {
		args[ek.inputName2Index[input.Name]] = input.Tensor
	}
	if err := frame.SetArgs(args); err != nil {
		// Frame type mismatches reflect client-supplied values.
		return nil, status.WithKind(status.InvalidArgument, err)
	}

	stepID := s.stepCounter.Add(1)
	ek.stepCount.Add(1)
	if err := s.runInternal(stepID, runOptions, frame, ek, metadata, nil); err != nil {
		return nil, err
	}

	retvals, err := frame.ConsumeRetvals(false)
	if err != nil {
		return nil, status.WithKind(status.InvalidArgument, err)
	}
	outputs := make([]*tensors.Tensor, len(outputNames))
	var fetchBytes int64
	for ii, name := range outputNames {
		outputs[ii] = retvals[ek.outputName2Index[name]]
		if outputs[ii] != nil {
			fetchBytes += int64(outputs[ii].Memory())
		}
	}
	recordRunMetrics(feedBytes, fetchBytes, time.Since(start))
	return outputs, nil
}

// runInternal drives one step over the entry's executors: state setup,
// cancellation registration, pool selection, parallel dispatch, join with
// timeout, and metadata collection.
func (s *Session) runInternal(stepID int64, runOptions *RunOptions, frame executor.CallFrame, ek *executorsAndKeys, metadata *RunMetadata, pools *ThreadPoolPair) error {
	if runOptions == nil {
		runOptions = &RunOptions{}
	}
	state := newRunState(stepID, rendezvous.New())
	defer state.teardown(s)

	// Collective ops need the per-step collective handle from the lazily
	// created manager.
	if ek.collectiveGraphKey != 0 {
		state.collective = s.collectiveHandle(stepID, ek.collectiveGraphKey)
	}

	// Stats are collected when tracing, when sampling for the cost model,
	// or under the cost-model executor policy.
	if runOptions.TraceLevel > NoTrace || runOptions.OutputCostModel || s.policy == executor.PolicyCostModel {
		state.collector = executor.NewStatsCollector()
	}

	// Validate the pool index before anything is dispatched.
	poolIndex := runOptions.InterOpThreadPool
	if pools == nil || pools.Inter == nil {
		if poolIndex < 0 || poolIndex >= len(s.threadPools) {
			state.executorsDone.Notify()
			return status.InvalidArgumentf("invalid inter-op thread pool index %d (session has %d pools)",
				poolIndex, len(s.threadPools))
		}
	}

	// Register this step with the session cancellation manager, so Close
	// fans out into the per-step manager.
	token := s.cancellationMgr.GetToken()
	if !s.cancellationMgr.RegisterCallback(token, func() {
		state.cancel.StartCancel()
		state.rendez.StartAbort(status.Cancelledf("session closed during step %d", stepID))
	}) {
		state.executorsDone.Notify()
		return status.Cancelledf("run called on a session being closed")
	}

	// Pool selection: the caller's pool, the indexed session pool, pool 0;
	// single-partition steps may collapse to the caller thread.
	var pool *threadpool.Pool
	if pools != nil && pools.Inter != nil {
		pool = pools.Inter
	} else {
		pool = s.threadPools[poolIndex].pool
	}
	runInline := s.runInCallerThread || runOptions.RunInCallerThread
	if runInline && len(ek.items) == 1 {
		pool = nil
	}

	var handler *threadpool.RunHandler
	if s.runHandlers != nil && pool != nil {
		handler = s.runHandlers.Get(stepID)
		if handler != nil {
			defer handler.Release()
		}
	}

	// The closure runner routes inter-op work: inline, through the
	// run-handler, through a device-preferred pool, or the chosen pool.
	defaultRunner := func(task func()) { task() }
	if handler != nil {
		defaultRunner = handler.Schedule
	} else if pool != nil {
		defaultRunner = pool.Schedule
	}

	intraWidth := numIntraOpThreads(&s.options.Config)
	if handler != nil {
		intraWidth = handler.IntraOpWidth()
	} else if pools != nil && pools.Intra != nil {
		intraWidth = pools.Intra.NumThreads()
	}

	barrier := newExecutorBarrier(len(ek.items), state.rendez, state)
	for _, item := range ek.items {
		runner := defaultRunner
		if devicePool := item.device.ComputePool(); devicePool != nil && pool != nil && handler == nil {
			runner = devicePool.Schedule
		}
		policy := s.policy
		if pool == nil && policy == executor.PolicyNormal {
			policy = executor.PolicyInline
		}
		args := executor.Args{
			StepID:             stepID,
			CallFrame:          frame,
			Rendezvous:         state.rendez,
			Cancellation:       state.cancel,
			SessionState:       s.sessionState,
			TensorStore:        state.tensorStore,
			StepContainer:      state.stepContainer,
			CollectiveExecutor: state.collective,
			Runner:             runner,
			IntraOpWidth:       intraWidth,
			StatsCollector:     state.collector,
			SyncOnFinish:       s.syncOnFinish,
			Policy:             policy,
		}
		if pool == nil {
			args.Runner = nil
		}
		item.exec.RunAsync(args, barrier.whenDone())
	}

	// Join: wait for the executors with the effective deadline; on timeout
	// cancel the step and wait again for the drain.
	timeout := runOptions.Timeout
	if timeout <= 0 {
		timeout = s.options.Config.OperationTimeout
	}
	if !state.executorsDone.WaitWithTimeout(timeout) {
		state.accumulate(status.DeadlineExceededf("step %d exceeded its deadline of %s", stepID, timeout))
		state.cancel.StartCancel()
		state.rendez.StartAbort(status.DeadlineExceededf("step %d timed out", stepID))
		state.executorsDone.Wait()
	}

	// If the session-level cancellation fired before we deregistered, the
	// step was cancelled even if the executors managed to finish.
	if !s.cancellationMgr.DeregisterCallback(token) {
		state.accumulate(status.Cancelledf("step %d was cancelled", stepID))
	}

	if err := state.status(); err != nil {
		return err
	}

	// Persist the tensors this step asked to keep.
	if state.tensorStore.IsDirty() {
		fetchNames := make([]string, 0, len(ek.outputName2Index))
		for name := range ek.outputName2Index {
			fetchNames = append(fetchNames, name)
		}
		state.tensorStore.SaveTensors(fetchNames, s.sessionState)
	}

	// Metadata: step stats, cost model, partition graphs.
	stepStats := state.collector.Finalize()
	if runOptions.OutputCostModel || s.policy == executor.PolicyCostModel {
		s.costModelLock.Lock()
		s.costModel.MergeStats(stepStats)
		s.costModelLock.Unlock()
	}
	if metadata != nil {
		if runOptions.TraceLevel > NoTrace {
			metadata.StepStats = stepStats
		}
		if runOptions.OutputCostModel {
			s.costModelLock.Lock()
			metadata.CostEstimates = s.costModel.Estimates()
			s.costModelLock.Unlock()
		}
		if runOptions.OutputPartitionGraphs {
			for _, item := range ek.items {
				metadata.PartitionGraphs = append(metadata.PartitionGraphs, item.exec.Graph().ToGraphDef())
			}
		}
	}
	return nil
}
