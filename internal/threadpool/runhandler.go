// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threadpool

import (
	"sync"

	"k8s.io/klog/v2"
)

// RunHandler multiplexes the inter-op closures of one step onto the
// run-handler pool, and carries an intra-op width hint for kernels of that
// step.
type RunHandler struct {
	pool       *RunHandlerPool
	stepID     int64
	intraWidth int
}

// Schedule routes one inter-op closure through the handler.
func (h *RunHandler) Schedule(task func()) {
	h.pool.workers.Schedule(task)
}

// IntraOpWidth is the suggested intra-op parallelism for kernels of the
// step this handler was acquired for.
func (h *RunHandler) IntraOpWidth() int { return h.intraWidth }

// Release returns the handler to its pool.
func (h *RunHandler) Release() {
	h.pool.put(h)
}

// RunHandlerPool is a bounded set of RunHandlers sharing one worker pool.
// Steps acquire a handler for finer-grained scheduling; when the pool is
// exhausted, Get returns nil and the step falls back to its inter-op pool.
type RunHandlerPool struct {
	workers *Pool

	mu   sync.Mutex
	free []*RunHandler
}

// NewRunHandlerPool creates a pool of numHandlers handlers backed by
// numThreads workers; intraWidth is the hint handed to kernels.
func NewRunHandlerPool(numHandlers, numThreads, intraWidth int) *RunHandlerPool {
	p := &RunHandlerPool{workers: New("run-handlers", numThreads)}
	p.free = make([]*RunHandler, 0, numHandlers)
	for range numHandlers {
		p.free = append(p.free, &RunHandler{pool: p, intraWidth: intraWidth})
	}
	return p
}

// Get acquires a handler for the given step, or returns nil when all
// handlers are busy.
func (p *RunHandlerPool) Get(stepID int64) *RunHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		klog.V(1).Infof("run-handler pool exhausted for step %d", stepID)
		return nil
	}
	handler := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	handler.stepID = stepID
	return handler
}

func (p *RunHandlerPool) put(handler *RunHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handler.stepID = 0
	p.free = append(p.free, handler)
}

// Shutdown stops the backing workers.
func (p *RunHandlerPool) Shutdown() {
	p.workers.Shutdown()
}
