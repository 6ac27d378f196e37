// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gomlx/dataflow/executor"
	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/internal/cancellation"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// partialRunState binds a partial-run handle to its executors and run state.
type partialRunState struct {
	ek    *executorsAndKeys
	state *runState

	// cancelToken deregisters the step from the session manager when the
	// partial run completes.
	cancelToken cancellation.Token
}

// PRunSetup prepares a partial run over the given feeds, fetches and
// targets: the pruned subgraph is launched immediately over a persistent
// rendezvous, and the returned handle is used to feed and fetch
// incrementally with PRun.
func (s *Session) PRunSetup(inputNames, outputNames, targetNames []string) (string, error) {
	if err := s.checkNotClosed(); err != nil {
		return "", err
	}
	if err := s.checkGraphCreated("PRunSetup()"); err != nil {
		return "", err
	}

	ek, err := s.getOrCreateExecutors(inputNames, outputNames, targetNames, true, "")
	if err != nil {
		return "", err
	}

	stepID := s.stepCounter.Add(1)
	ek.stepCount.Add(1)
	state := newRunState(stepID, rendezvous.New())
	state.pendingInputs = make(map[string]bool, len(inputNames))
	for _, name := range inputNames {
		state.pendingInputs[name] = false
	}
	state.pendingOutputs = make(map[string]bool, len(outputNames))
	for _, name := range outputNames {
		state.pendingOutputs[name] = false
	}

	handle := fmt.Sprintf("%s;%s", uuid.NewString(), s.handle)
	entry := &partialRunState{ek: ek, state: state}

	s.executorLock.Lock()
	if _, taken := s.partialRuns[handle]; taken {
		s.executorLock.Unlock()
		state.teardown(s)
		return "", status.Internalf("partial-run handle %q already exists", handle)
	}
	s.partialRuns[handle] = entry
	s.executorLock.Unlock()

	// Fan session-level cancellation into the step.
	token := s.cancellationMgr.GetToken()
	entry.cancelToken = token
	if !s.cancellationMgr.RegisterCallback(token, func() {
		state.cancel.StartCancel()
		state.rendez.StartAbort(status.Cancelledf("session closed during partial run"))
	}) {
		s.erasePartialRun(handle)
		state.teardown(s)
		return "", status.Cancelledf("partial run started on a session being closed")
	}

	// Launch every partition now; they park on the persistent rendezvous
	// until PRun supplies the feeds.
	barrier := newExecutorBarrier(len(ek.items), state.rendez, state)
	pool := s.threadPools[0].pool
	for _, item := range ek.items {
		args := executor.Args{
			StepID:         stepID,
			Rendezvous:     state.rendez,
			Cancellation:   state.cancel,
			SessionState:   s.sessionState,
			TensorStore:    state.tensorStore,
			StepContainer:  state.stepContainer,
			IntraOpWidth:   numIntraOpThreads(&s.options.Config),
			StatsCollector: state.collector,
			SyncOnFinish:   s.syncOnFinish,
			Policy:         s.policy,
		}
		if pool != nil {
			args.Runner = pool.Schedule
		}
		item.exec.RunAsync(args, barrier.whenDone())
	}
	return handle, nil
}

// PRun advances the partial run: it sends the given feeds into the step's
// rendezvous and receives the requested fetches out of it. Feeds and fetches
// must have been declared at setup and may be used at most once per handle,
// and a fetch is refused while any feed it depends on is still pending.
func (s *Session) PRun(handle string, inputs []NamedTensor, outputNames []string) ([]*tensors.Tensor, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}

	s.executorLock.Lock()
	entry, found := s.partialRuns[handle]
	if !found {
		s.executorLock.Unlock()
		return nil, status.InvalidArgumentf("no partial run with handle %q", handle)
	}
	ek, state := entry.ek, entry.state

	// Validate feeds and fetches against the pending maps, still under the
	// executor lock.
	seenFeeds := make(map[string]bool, len(inputs))
	for _, input := range inputs {
		done, declared := state.pendingInputs[input.Name]
		if !declared {
			s.executorLock.Unlock()
			return nil, status.InvalidArgumentf("feed %q was not declared in PRunSetup", input.Name)
		}
		if done || seenFeeds[input.Name] {
			s.executorLock.Unlock()
			return nil, status.InvalidArgumentf("feed %q has already been fed for this partial run", input.Name)
		}
		seenFeeds[input.Name] = true
	}
	seenFetches := make(map[string]bool, len(outputNames))
	for _, name := range outputNames {
		done, declared := state.pendingOutputs[name]
		if !declared {
			s.executorLock.Unlock()
			return nil, status.InvalidArgumentf("fetch %q was not declared in PRunSetup", name)
		}
		if done || seenFetches[name] {
			s.executorLock.Unlock()
			return nil, status.InvalidArgumentf("fetch %q has already been fetched for this partial run", name)
		}
		seenFetches[name] = true
	}
	if err := s.checkFetch(inputs, outputNames, ek, state); err != nil {
		s.executorLock.Unlock()
		return nil, err
	}
	s.executorLock.Unlock()

	// Send the feeds; any failure poisons the whole partial run.
	if err := s.sendPRunInputs(inputs, ek, state.rendez); err != nil {
		return nil, err
	}

	// Receive the fetches with the session's default timeout.
	outputs, err := s.recvPRunOutputs(outputNames, ek, state.rendez)
	if err != nil {
		return nil, err
	}

	// Keep tensors the step saved, under the fetched names.
	state.tensorStore.SaveTensors(outputNames, s.sessionState)

	// Mark progress; when everything has been fed and fetched, wait for the
	// executors and erase the entry.
	s.executorLock.Lock()
	for _, input := range inputs {
		state.pendingInputs[input.Name] = true
	}
	for _, name := range outputNames {
		state.pendingOutputs[name] = true
	}
	done := state.pendingDone()
	s.executorLock.Unlock()

	if done {
		if !state.executorsDone.WaitWithTimeout(s.options.Config.OperationTimeout) {
			state.cancel.StartCancel()
			state.rendez.StartAbort(status.Cancelledf("partial run torn down before executors finished"))
			state.executorsDone.Wait()
		}
		s.cancellationMgr.DeregisterCallback(entry.cancelToken)
		s.erasePartialRun(handle)
		state.teardown(s)
		if err := state.status(); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func (s *Session) erasePartialRun(handle string) {
	s.executorLock.Lock()
	delete(s.partialRuns, handle)
	s.executorLock.Unlock()
}

// checkFetch rejects fetches that transitively depend on a feed that is
// still pending after this call's feeds are applied: walking in-edges from
// the requested fetch sinks must not touch a pending feed source.
func (s *Session) checkFetch(inputs []NamedTensor, outputNames []string, ek *executorsAndKeys, state *runState) error {
	feedsNow := make(map[string]bool, len(inputs))
	for _, input := range inputs {
		feedsNow[input.Name] = true
	}

	// Feed source nodes still pending in the client graph.
	g := ek.clientGraph.Graph
	pending := make(map[*graph.Node]string)
	for name, done := range state.pendingInputs {
		if done || feedsNow[name] {
			continue
		}
		if node := g.NodeByName(ek.feedNodeNames[name]); node != nil {
			pending[node] = name
		}
	}
	if len(pending) == 0 {
		return nil
	}

	stack := make([]*graph.Node, 0, len(outputNames))
	for _, name := range outputNames {
		if node := g.NodeByName(ek.fetchNodeNames[name]); node != nil {
			stack = append(stack, node)
		}
	}
	visited := make(map[*graph.Node]bool)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[node] {
			continue
		}
		visited[node] = true
		if feedName, isPending := pending[node]; isPending {
			return status.InvalidArgumentf("fetch requires feed %q which has not yet been fed", feedName)
		}
		for _, edge := range node.InEdges() {
			if !visited[edge.Src] {
				stack = append(stack, edge.Src)
			}
		}
	}
	return nil
}

// sendPRunInputs feeds the rendezvous under the precomputed per-name keys.
func (s *Session) sendPRunInputs(inputs []NamedTensor, ek *executorsAndKeys, rendez *rendezvous.Rendezvous) error {
	for _, input := range inputs {
		key := ek.inputName2RendezvousKey[input.Name]
		parsed, err := rendezvous.ParseKey(key)
		if err != nil {
			return status.Internalf("bad rendezvous key %q for feed %q: %v", key, input.Name, err)
		}
		if err := rendez.Send(parsed, input.Tensor, false); err != nil {
			rendez.StartAbort(err)
			return err
		}
	}
	return nil
}

// recvPRunOutputs receives each fetch with the session's default timeout. A
// dead tensor means the value was never produced, which the client can only
// have caused by the feeds it chose.
func (s *Session) recvPRunOutputs(outputNames []string, ek *executorsAndKeys, rendez *rendezvous.Rendezvous) ([]*tensors.Tensor, error) {
	outputs := make([]*tensors.Tensor, len(outputNames))
	for ii, name := range outputNames {
		key := ek.outputName2RendezvousKey[name]
		parsed, err := rendezvous.ParseKey(key)
		if err != nil {
			return nil, status.Internalf("bad rendezvous key %q for fetch %q: %v", key, name, err)
		}
		tensor, isDead, err := rendez.Recv(parsed, s.options.Config.OperationTimeout)
		if err != nil {
			return nil, err
		}
		if isDead {
			return nil, status.InvalidArgumentf("fetch %q produced a dead tensor", name)
		}
		outputs[ii] = tensor
	}
	return outputs, nil
}
