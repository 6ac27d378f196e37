// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package threadpool implements the compute pools the session engine
// dispatches inter-op closures to: session-local pools, process-global named
// pools interned first-writer-wins, and the run-handler pool used for
// fine-grained multiplexing of concurrent steps.
package threadpool

import (
	"runtime"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/status"
)

// Pool is a fixed-width worker pool with an unbounded task queue.
//
// Width 0 is the degenerate caller-thread pool: Schedule runs the task
// inline. The queue must be unbounded because executors schedule follow-up
// closures from within worker goroutines; a bounded queue could deadlock.
type Pool struct {
	name       string
	numThreads int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	shutdown bool
	workers  sync.WaitGroup

	// affinity, when non-empty, pins every worker thread to these CPUs.
	affinity []int
}

// New creates a pool with the given name and width. Width <= 0 creates a
// caller-thread pool that runs tasks inline.
func New(name string, numThreads int) *Pool {
	p := &Pool{name: name, numThreads: max(numThreads, 0)}
	p.cond = sync.NewCond(&p.mu)
	p.start()
	return p
}

// NewWithAffinity creates a pool whose worker threads are pinned to the
// given CPU set (best effort; unsupported platforms log and continue).
func NewWithAffinity(name string, numThreads int, cpus []int) *Pool {
	p := &Pool{name: name, numThreads: max(numThreads, 0), affinity: cpus}
	p.cond = sync.NewCond(&p.mu)
	p.start()
	return p
}

func (p *Pool) start() {
	for range p.numThreads {
		p.workers.Add(1)
		go p.workerLoop()
	}
}

func (p *Pool) workerLoop() {
	defer p.workers.Done()
	if len(p.affinity) > 0 {
		// Pinning is per OS thread, so the goroutine must stick to one.
		runtime.LockOSThread()
		if err := pinToCPUs(p.affinity); err != nil {
			klog.Warningf("pool %q: failed to pin worker to CPUs %v: %v", p.name, p.affinity, err)
		}
	}
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		task()
	}
}

// Name of the pool.
func (p *Pool) Name() string { return p.name }

// NumThreads of the pool; 0 means caller-thread execution.
func (p *Pool) NumThreads() int { return p.numThreads }

// Schedule enqueues the task, or runs it inline for width-0 pools and pools
// already shut down.
func (p *Pool) Schedule(task func()) {
	if p == nil || p.numThreads == 0 {
		task()
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		task()
		return
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
}

// Shutdown drains the queue and stops the workers. It blocks until every
// queued task has finished.
func (p *Pool) Shutdown() {
	if p == nil || p.numThreads == 0 {
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.workers.Wait()
		return
	}
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.workers.Wait()
}

// Named-pool interning: pools with a global name are shared process-wide,
// first writer wins, and a later request with a different width is an error.
var globalPools struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// Interned returns the process-wide pool under the given global name,
// creating it with numThreads workers on first use. A request whose width
// disagrees with the stored pool fails.
func Interned(globalName string, numThreads int) (*Pool, error) {
	globalPools.mu.Lock()
	defer globalPools.mu.Unlock()
	if globalPools.pools == nil {
		globalPools.pools = make(map[string]*Pool)
	}
	if pool, found := globalPools.pools[globalName]; found {
		if pool.NumThreads() != numThreads {
			return nil, status.InvalidArgumentf(
				"global pool %q already exists with %d threads, requested %d",
				globalName, pool.NumThreads(), numThreads)
		}
		return pool, nil
	}
	klog.V(1).Infof("creating global pool %q with %d threads", globalName, numThreads)
	pool := New(globalName, numThreads)
	globalPools.pools[globalName] = pool
	return pool, nil
}

// Process-wide default pool, built once.
var (
	processPoolOnce sync.Once
	processPool     *Pool
)

// Process returns the single process-wide pool, sizing it on first use. The
// width is only honored by the first caller.
func Process(numThreads int) *Pool {
	processPoolOnce.Do(func() {
		if numThreads <= 0 {
			numThreads = runtime.NumCPU()
		}
		klog.V(1).Infof("creating process-wide pool with %d threads", numThreads)
		processPool = New("process", numThreads)
	})
	return processPool
}
