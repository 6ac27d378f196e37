// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor runs one partition of a client graph on one device: it
// materializes kernels through the device op-segment and schedules nodes in
// dataflow order through a caller-provided runner.
package executor

import (
	"sync"
	"time"

	"github.com/gomlx/dataflow/devices"
	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/internal/cancellation"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
)

// Policy selects how the executor schedules node closures.
type Policy int

const (
	// PolicyNormal dispatches every ready node through the runner.
	PolicyNormal Policy = iota

	// PolicyInline runs every node in the goroutine that completed its last
	// dependency (or the caller's for the roots): single-partition steps use
	// it to skip pool hops.
	PolicyInline

	// PolicyCostModel behaves like PolicyNormal and records node costs even
	// when the step doesn't trace.
	PolicyCostModel
)

// Args carries the per-step context into RunAsync. Everything here is
// borrowed: the executor takes no ownership.
type Args struct {
	StepID       int64
	CallFrame    CallFrame
	Rendezvous   *rendezvous.Rendezvous
	Cancellation *cancellation.Manager
	SessionState *SessionState
	TensorStore  *TensorStore

	// StepContainer names the per-step resource container, cleaned up by the
	// session when the step completes.
	StepContainer string

	// CollectiveExecutor is the per-step collective handle, nil when the
	// graph has no collective ops.
	CollectiveExecutor any

	// Runner dispatches one inter-op closure; nil means run inline.
	Runner func(func())

	// IntraOpWidth is a hint for kernels that parallelize internally.
	IntraOpWidth int

	StatsCollector *StatsCollector
	SyncOnFinish   bool
	Policy         Policy
}

// OpKernelContext is handed to each kernel Compute call.
type OpKernelContext struct {
	StepID       int64
	Node         *graph.Node
	Device       devices.Device
	Inputs       []Value
	Outputs      []Value
	CallFrame    CallFrame
	Rendezvous   *rendezvous.Rendezvous
	Cancellation *cancellation.Manager
	SessionState *SessionState
	TensorStore  *TensorStore
	StepContainer string
	IntraOpWidth int
}

// nodeItem is the prepared form of one node: its kernel plus the wiring
// discovered at construction time.
type nodeItem struct {
	node       *graph.Node
	kernel     any
	numOutputs int
}

// Executor runs one partition graph. Construction materializes all kernels;
// RunAsync can then be called any number of times, concurrently, one
// RunState each.
type Executor struct {
	sessionHandle string
	device        devices.Device
	graph         *graph.Graph

	items  []*nodeItem       // Dense, in node id order (nil for removed ids).
	byNode map[*graph.Node]*nodeItem
	roots  []*nodeItem       // Nodes with no inputs.
	total  int               // Number of live nodes.
}

// Params configures NewExecutor.
type Params struct {
	SessionHandle string
	Device        devices.Device
}

// NewExecutor prepares an executor for the partition graph. The graph is
// owned by the executor afterwards. Kernels are created through the device
// op-segment so they are shared with other executors of the same session; a
// hold for the session handle must already exist.
func NewExecutor(params Params, g *graph.Graph) (*Executor, error) {
	e := &Executor{
		sessionHandle: params.SessionHandle,
		device:        params.Device,
		graph:         g,
		items:         make([]*nodeItem, len(g.Nodes())),
		byNode:        make(map[*graph.Node]*nodeItem, g.NumNodes()),
	}
	segment := params.Device.OpSegment()
	for _, node := range g.LiveNodes() {
		factory, err := kernelFor(node.Op())
		if err != nil {
			return nil, err
		}
		kernel, err := segment.FindOrCreate(params.SessionHandle, node.Name(), func() (any, error) {
			return factory(node)
		})
		if err != nil {
			return nil, err
		}
		numOutputs := 1
		for _, edge := range node.OutEdges() {
			if !edge.IsControl() && edge.SrcOutput+1 > numOutputs {
				numOutputs = edge.SrcOutput + 1
			}
		}
		item := &nodeItem{node: node, kernel: kernel, numOutputs: numOutputs}
		e.items[node.Id()] = item
		e.byNode[node] = item
		if len(node.InEdges()) == 0 {
			e.roots = append(e.roots, item)
		}
		e.total++
	}
	return e, nil
}

// Graph returns the partition graph owned by the executor.
func (e *Executor) Graph() *graph.Graph { return e.graph }

// Device the executor runs on.
func (e *Executor) Device() devices.Device { return e.device }

// runState is the mutable state of one RunAsync invocation.
type runState struct {
	executor *Executor
	args     Args

	mu        sync.Mutex
	outputs   map[*nodeItem][]Value
	pending   map[*nodeItem]int
	active    int
	completed int
	err       error
	done      func(error)
	finished  bool
}

// Run executes the partition synchronously. It is a convenience wrapper
// over RunAsync used by tests and single-partition tools.
func (e *Executor) Run(args Args) error {
	errCh := make(chan error, 1)
	e.RunAsync(args, func(err error) { errCh <- err })
	return <-errCh
}

// RunAsync executes the partition, dispatching ready nodes through
// args.Runner, and calls done exactly once when every dispatched node has
// drained. The first kernel error aborts the rendezvous so sibling
// partitions fail fast, and becomes the status reported to done.
func (e *Executor) RunAsync(args Args, done func(error)) {
	state := &runState{
		executor: e,
		args:     args,
		outputs:  make(map[*nodeItem][]Value, e.total),
		pending:  make(map[*nodeItem]int, e.total),
		done:     done,
	}
	for _, item := range e.items {
		if item != nil {
			state.pending[item] = len(item.node.InEdges())
		}
	}
	if e.total == 0 {
		done(nil)
		return
	}
	if args.Cancellation != nil && args.Cancellation.IsCancelled() {
		done(status.Cancelledf("step %d was cancelled before it started", args.StepID))
		return
	}
	if len(e.roots) == 0 {
		done(status.Internalf("partition graph has %d nodes but no source node", e.total))
		return
	}

	state.mu.Lock()
	state.active = len(e.roots)
	roots := e.roots
	state.mu.Unlock()
	for _, item := range roots {
		state.schedule(item)
	}
}

// schedule dispatches one ready node through the runner (or inline).
// state.active already counts it.
func (s *runState) schedule(item *nodeItem) {
	task := func() { s.process(item) }
	if s.args.Runner == nil || s.args.Policy == PolicyInline {
		task()
		return
	}
	s.args.Runner(task)
}

// process runs one node and then accounts for its completion.
func (s *runState) process(item *nodeItem) {
	// Short-circuit when the step already failed or was cancelled: the node
	// still counts as drained.
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if !failed && s.args.Cancellation != nil && s.args.Cancellation.IsCancelled() {
		s.recordError(status.Cancelledf("step %d cancelled", s.args.StepID))
		failed = true
	}
	if failed {
		s.nodeDone(item, nil, nil)
		return
	}

	inputs := make([]Value, item.node.NumDataInputs())
	anyDead := false
	s.mu.Lock()
	for _, edge := range item.node.InEdges() {
		if edge.IsControl() {
			continue
		}
		srcItem := s.executor.byNode[edge.Src]
		srcOutputs := s.outputs[srcItem]
		var value Value
		if edge.SrcOutput < len(srcOutputs) {
			value = srcOutputs[edge.SrcOutput]
		}
		inputs[edge.DstInput] = value
		anyDead = anyDead || value.Dead
	}
	s.mu.Unlock()

	if anyDead && !AcceptsDeadInputs(item.node.Op()) {
		// Forward deadness without computing.
		outputs := make([]Value, item.numOutputs)
		for ii := range outputs {
			outputs[ii] = Value{Dead: true}
		}
		s.nodeDone(item, outputs, nil)
		return
	}

	ctx := &OpKernelContext{
		StepID:        s.args.StepID,
		Node:          item.node,
		Device:        s.executor.device,
		Inputs:        inputs,
		Outputs:       make([]Value, item.numOutputs),
		CallFrame:     s.args.CallFrame,
		Rendezvous:    s.args.Rendezvous,
		Cancellation:  s.args.Cancellation,
		SessionState:  s.args.SessionState,
		TensorStore:   s.args.TensorStore,
		StepContainer: s.args.StepContainer,
		IntraOpWidth:  s.args.IntraOpWidth,
	}

	collectStats := s.args.StatsCollector != nil || s.args.Policy == PolicyCostModel
	start := time.Now()
	finish := func(err error) {
		if collectStats && err == nil {
			stats := NodeStats{
				Node:     item.node.Name(),
				Device:   s.executor.device.Name(),
				Start:    start,
				Duration: time.Since(start),
			}
			for _, output := range ctx.Outputs {
				if output.Tensor != nil {
					stats.OutputBytes += int64(output.Tensor.Memory())
				}
			}
			s.args.StatsCollector.Record(stats)
		}
		s.nodeDone(item, ctx.Outputs, err)
	}

	switch kernel := item.kernel.(type) {
	case AsyncOpKernel:
		kernel.ComputeAsync(ctx, finish)
	case OpKernel:
		finish(kernel.Compute(ctx))
	default:
		finish(status.Internalf("kernel for node %q implements neither OpKernel nor AsyncOpKernel", item.node.Name()))
	}
}

// recordError keeps the first error and aborts the rendezvous so sibling
// partitions blocked on receives fail fast.
func (s *runState) recordError(err error) {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.mu.Unlock()
	if first && s.args.Rendezvous != nil {
		s.args.Rendezvous.StartAbort(err)
	}
}

// nodeDone publishes the node outputs, schedules nodes it unblocked and
// fires done when everything dispatched has drained.
func (s *runState) nodeDone(item *nodeItem, outputs []Value, err error) {
	if err != nil {
		s.recordError(err)
	}

	var ready []*nodeItem
	s.mu.Lock()
	if outputs != nil {
		s.outputs[item] = outputs
	}
	s.completed++
	s.active--
	if s.err == nil {
		for _, edge := range item.node.OutEdges() {
			dstItem := s.executor.byNode[edge.Dst]
			s.pending[dstItem]--
			if s.pending[dstItem] == 0 {
				ready = append(ready, dstItem)
			}
		}
		s.active += len(ready)
	}
	finished := false
	if s.active == 0 && !s.finished {
		if s.err == nil && s.completed < s.executor.total {
			// Nothing runnable, nothing running, nodes left: the partition
			// graph has a cycle or a missing producer.
			s.err = status.Internalf("executor stalled with %d of %d nodes executed",
				s.completed, s.executor.total)
		}
		if s.err != nil || s.completed == s.executor.total {
			s.finished = true
			finished = true
		}
	}
	doneErr := s.err
	s.mu.Unlock()

	for _, readyItem := range ready {
		s.schedule(readyItem)
	}
	if finished {
		if s.args.SyncOnFinish {
			if syncErr := s.executor.device.Sync(); syncErr != nil && doneErr == nil {
				doneErr = syncErr
			}
		}
		s.done(doneErr)
	}
}
