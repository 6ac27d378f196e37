// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"k8s.io/klog/v2"
)

// collectiveExecutorMgr hands out per-step collective handles. The engine
// only correlates collective work (by graph key and step); the reductions
// themselves are the kernels' business.
type collectiveExecutorMgr struct {
	mu        sync.Mutex
	executors map[int64]*collectiveExecutor
}

func newCollectiveExecutorMgr() *collectiveExecutorMgr {
	return &collectiveExecutorMgr{executors: make(map[int64]*collectiveExecutor)}
}

// collectiveExecutor is one step's collective handle.
type collectiveExecutor struct {
	mgr      *collectiveExecutorMgr
	stepID   int64
	graphKey int64
	refs     int
}

// findOrCreate returns the handle for a step, creating it on first use.
func (m *collectiveExecutorMgr) findOrCreate(stepID, graphKey int64) *collectiveExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec, found := m.executors[stepID]; found {
		exec.refs++
		return exec
	}
	exec := &collectiveExecutor{mgr: m, stepID: stepID, graphKey: graphKey, refs: 1}
	m.executors[stepID] = exec
	return exec
}

// GraphKey this handle correlates under.
func (e *collectiveExecutor) GraphKey() int64 { return e.graphKey }

// Release drops the step's reference; the handle is forgotten with the last
// one.
func (e *collectiveExecutor) Release() {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(e.mgr.executors, e.stepID)
	}
}

// collectiveHandle lazily creates the collective manager and returns the
// per-step handle, also latching the session's current collective graph key.
func (s *Session) collectiveHandle(stepID, graphKey int64) *collectiveExecutor {
	s.collectiveLock.Lock()
	defer s.collectiveLock.Unlock()
	if s.collectiveMgr == nil {
		klog.V(1).Infof("creating collective executor manager for session %s", s.handle)
		s.collectiveMgr = newCollectiveExecutorMgr()
	}
	if s.collectiveKey != 0 && s.collectiveKey != graphKey {
		klog.V(1).Infof("collective graph key changed from %d to %d", s.collectiveKey, graphKey)
	}
	s.collectiveKey = graphKey
	return s.collectiveMgr.findOrCreate(stepID, graphKey)
}
