// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session implements the in-process execution engine: a Session
// accepts a declarative computation graph plus feeds and fetches and drives
// it to completion over the local devices, caching prepared per-device
// executors between runs.
package session

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/devices"
	"github.com/gomlx/dataflow/executor"
	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/internal/cancellation"
	"github.com/gomlx/dataflow/internal/threadpool"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// NamedTensor is one feed: a tensor bound to a tensor name ("node:output").
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// poolEntry is one inter-op pool of the session and whether the session owns
// it (global interned pools are shared, never shut down by a session).
type poolEntry struct {
	pool  *threadpool.Pool
	owned bool
}

// Session drives computation graphs to completion over a fixed set of local
// devices. Create installs the graph, Extend grows it, Run, PRun and
// RunCallable execute it, and Close cancels in-flight steps; a Session is
// safe for concurrent use.
type Session struct {
	options Options
	handle  string // Random identity used to scope op-segment kernels.

	deviceMgr     *devices.Manager
	ownsDeviceMgr bool

	threadPools       []poolEntry
	runInCallerThread bool
	syncOnFinish      bool
	policy            executor.Policy
	affinity          bool
	affinityCPUs      []int

	runHandlers *threadpool.RunHandlerPool

	sessionState    *executor.SessionState
	cancellationMgr *cancellation.Manager

	stepCounter atomic.Int64

	// graphStateLock protects the graph execution state, the creation latch
	// and the stateful placements. Never held across executor dispatch.
	graphStateLock     sync.Mutex
	graphCreated       bool
	execState          *graph.ExecutionState
	flib               *graph.FunctionLibrary
	statefulPlacements map[string]string

	// executorLock protects the executor cache and the partial-run table.
	// Dropped during executor builds.
	executorLock sync.Mutex
	executors    map[string]*executorsAndKeys
	partialRuns  map[string]*partialRunState

	// callablesLock protects the callables table and its handle counter.
	callablesLock  sync.Mutex
	callables      map[int64]*executorsAndKeys
	nextCallable   int64

	// collectiveLock protects the collective graph key and the lazily
	// created collective executor manager.
	collectiveLock sync.Mutex
	collectiveKey  int64
	collectiveMgr  *collectiveExecutorMgr

	// costModelLock guards the cost model independently of the executor
	// cache, so cost updates don't contend with cache lookups.
	costModelLock sync.Mutex
	costModel     *executor.CostModel

	// closedLock only checks or flips the closed latch.
	closedLock sync.Mutex
	closed     bool

	debugObserver DebugObserver
}

// perPartitionExecutor binds one prepared executor to its device. The
// partition graph is exclusively owned by the executor.
type perPartitionExecutor struct {
	device devices.Device
	exec   *executor.Executor
}

// executorsAndKeys is one executor-cache entry: the prepared per-partition
// executors for a (feeds, fetches, targets) request plus the name tables
// used to route caller tensors in and out. Entries are immutable after
// insertion except for the step counter.
type executorsAndKeys struct {
	stepCount atomic.Int64

	items []perPartitionExecutor

	// clientGraph is the placed, pruned graph before partitioning; partial
	// runs traverse it in CheckFetch.
	clientGraph *graph.ClientGraph

	feedTypes, fetchTypes []dtypes.DType

	inputName2Index  map[string]int
	outputName2Index map[string]int

	// feedNodeNames/fetchNodeNames name the rewritten source/sink nodes in
	// clientGraph, aligned with the feeds/fetches.
	feedNodeNames  map[string]string
	fetchNodeNames map[string]string

	// Rendezvous keys per feed/fetch name, only for partial-run entries.
	inputName2RendezvousKey  map[string]string
	outputName2RendezvousKey map[string]string

	collectiveGraphKey int64
	isPartialRun       bool

	// callableOptions are kept for entries owned by the callables table.
	callableOptions CallableOptions
}

// liveSessions is the process-wide factory state: Reset captures and closes
// every live session, and session metadata (name, version) pairs must be
// unique among them.
var liveSessions struct {
	mu       sync.Mutex
	sessions []*Session
	metadata map[Metadata]bool
}

// New creates a session with its own device manager holding a single CPU
// device.
func New(options Options) (*Session, error) {
	mgr := devices.NewManager([]devices.Device{devices.NewCPUDevice(0, -1)})
	return NewWithDeviceManager(options, mgr, true)
}

// NewWithDeviceManager creates a session over an existing device manager.
// When owns is true the session drops the manager reference on Close.
func NewWithDeviceManager(options Options, deviceMgr *devices.Manager, owns bool) (*Session, error) {
	if deviceMgr.NumDevices() == 0 {
		return nil, status.InvalidArgumentf("cannot create a session without devices")
	}
	if metadata := options.Config.SessionMetadata; metadata != nil {
		liveSessions.mu.Lock()
		if liveSessions.metadata == nil {
			liveSessions.metadata = make(map[Metadata]bool)
		}
		if liveSessions.metadata[*metadata] {
			liveSessions.mu.Unlock()
			return nil, status.AlreadyExistsf("a session with metadata name=%q version=%d already exists",
				metadata.Name, metadata.Version)
		}
		liveSessions.metadata[*metadata] = true
		liveSessions.mu.Unlock()
	}

	s := &Session{
		options:            options,
		handle:             uuid.NewString(),
		deviceMgr:          deviceMgr,
		ownsDeviceMgr:      owns,
		sessionState:       executor.NewSessionState(),
		cancellationMgr:    cancellation.New(),
		statefulPlacements: make(map[string]string),
		executors:          make(map[string]*executorsAndKeys),
		partialRuns:        make(map[string]*partialRunState),
		callables:          make(map[int64]*executorsAndKeys),
		flib:               graph.NewFunctionLibrary(),
		costModel:          executor.NewCostModel(),
	}

	// Executor policy and engine toggles, overridable from the environment.
	if readBoolEnv(envUseCostModelExecutor, false, true) {
		s.policy = executor.PolicyCostModel
	}
	if readBoolEnv(envUseInlineExecutor, false, true) {
		s.policy = executor.PolicyInline
	}
	s.affinity = readBoolEnv(envThreadPoolAffinity, options.Config.NumaAffinity, true)
	s.affinityCPUs = options.Config.VisibleCPUs
	s.syncOnFinish = readBoolEnv(envSyncOnFinish, true, false)

	if err := s.createThreadPools(); err != nil {
		if metadata := options.Config.SessionMetadata; metadata != nil {
			liveSessions.mu.Lock()
			delete(liveSessions.metadata, *metadata)
			liveSessions.mu.Unlock()
		}
		return nil, err
	}

	if options.Config.UseRunHandlerPool {
		size := options.Config.RunHandlerPoolSize
		if size <= 0 {
			size = 16
		}
		s.runHandlers = threadpool.NewRunHandlerPool(size, numInterOpThreadsOrCPUs(&options.Config), numIntraOpThreads(&options.Config))
	}

	// The session scopes kernel caching on every device by its handle.
	for _, device := range deviceMgr.Devices() {
		device.OpSegment().AddHold(s.handle)
	}

	liveSessions.mu.Lock()
	liveSessions.sessions = append(liveSessions.sessions, s)
	liveSessions.mu.Unlock()
	klog.V(1).Infof("created session %s with %d devices", s.handle, deviceMgr.NumDevices())
	return s, nil
}

func numInterOpThreadsOrCPUs(config *Config) int {
	if n := numInterOpThreads(config); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// createThreadPools builds the session's inter-op pools, in decreasing
// priority: per-config pools, one per-session pool, or the process pool.
func (s *Session) createThreadPools() error {
	config := &s.options.Config
	switch {
	case len(config.SessionInterOpThreadPools) > 0:
		for ii, poolOptions := range config.SessionInterOpThreadPools {
			numThreads := poolOptions.NumThreads
			if numThreads <= 0 {
				numThreads = defaultPoolWidth(config)
			}
			if poolOptions.GlobalName == "" {
				klog.V(1).Infof("session inter-op pool #%d: %d threads", ii, numThreads)
				s.threadPools = append(s.threadPools, poolEntry{
					pool:  s.newSessionPool(fmt.Sprintf("compute-%d", ii), numThreads),
					owned: true,
				})
				continue
			}
			pool, err := threadpool.Interned(poolOptions.GlobalName, numThreads)
			if err != nil {
				return err
			}
			s.threadPools = append(s.threadPools, poolEntry{pool: pool, owned: false})
		}
	case config.DeviceThreadPoolIndex != 0 && config.DeviceThreadPoolIndex != DefaultDeviceThreadPoolIndex:
		// Session-group followers ask for a distinct interned global pool.
		pool, err := threadpool.Interned(
			fmt.Sprintf("session-group-%d", config.DeviceThreadPoolIndex), defaultPoolWidth(config))
		if err != nil {
			return err
		}
		s.threadPools = append(s.threadPools, poolEntry{pool: pool, owned: false})
	case config.UsePerSessionThreads:
		s.threadPools = append(s.threadPools, poolEntry{
			pool:  s.newSessionPool("compute", defaultPoolWidth(config)),
			owned: true,
		})
	default:
		override := readBoolEnv(envOverrideGlobalPool, false, false)
		interOp := numInterOpThreads(config)
		if interOp < 0 && config.InterOpParallelismThreads < 0 {
			// Both the environment and the config ask for non-positive
			// inter-op threads: execute in the caller thread.
			s.runInCallerThread = true
			s.threadPools = append(s.threadPools, poolEntry{pool: nil, owned: false})
			break
		}
		if override {
			s.threadPools = append(s.threadPools, poolEntry{
				pool:  s.newSessionPool("compute-override", defaultPoolWidth(config)),
				owned: true,
			})
			break
		}
		s.threadPools = append(s.threadPools, poolEntry{pool: threadpool.Process(interOp), owned: false})
	}
	return nil
}

// newSessionPool creates a session-owned pool, pinning it to the session's
// CPU slice when affinity is on.
func (s *Session) newSessionPool(name string, numThreads int) *threadpool.Pool {
	if s.affinity && len(s.affinityCPUs) > 0 {
		return threadpool.NewWithAffinity(name, numThreads, s.affinityCPUs)
	}
	return threadpool.New(name, numThreads)
}

func defaultPoolWidth(config *Config) int {
	if n := numInterOpThreads(config); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Handle returns the session's random identity string.
func (s *Session) Handle() string { return s.handle }

// DeviceManager used by the session.
func (s *Session) DeviceManager() *devices.Manager { return s.deviceMgr }

// ListDevices enumerates the attributes of the session's devices.
func (s *Session) ListDevices() ([]devices.Attributes, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	return s.deviceMgr.ListDevices(), nil
}

// checkNotClosed fails with cancelled once Close has latched.
func (s *Session) checkNotClosed() error {
	s.closedLock.Lock()
	defer s.closedLock.Unlock()
	if s.closed {
		return status.Cancelledf("session has been closed")
	}
	return nil
}

// checkGraphCreated fails operations that need a graph installed first.
func (s *Session) checkGraphCreated(op string) error {
	s.graphStateLock.Lock()
	defer s.graphStateLock.Unlock()
	if !s.graphCreated {
		return status.FailedPreconditionf("session is not initialized with a graph before %s", op)
	}
	return nil
}

// Create installs the session's graph. It is valid exactly once per session
// (for graphs with at least one node): the second call fails with
// already-exists.
func (s *Session) Create(def *graph.GraphDef) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if len(def.Nodes) == 0 {
		return status.InvalidArgumentf("cannot create a session with an empty graph")
	}
	s.graphStateLock.Lock()
	defer s.graphStateLock.Unlock()
	if s.graphCreated {
		return status.AlreadyExistsf("a Graph has already been created for this session")
	}
	return s.extendLocked(def)
}

// Extend adds nodes (and functions) to the installed graph. Nodes are only
// ever added; existing nodes are never removed or modified. Extend before
// Create fails with failed-precondition.
func (s *Session) Extend(def *graph.GraphDef) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	s.graphStateLock.Lock()
	defer s.graphStateLock.Unlock()
	if !s.graphCreated {
		return status.FailedPreconditionf("session is not initialized with a graph before Extend()")
	}
	return s.extendLocked(def)
}

// extendLocked merges the function library and swaps in the extended
// execution state. Called with graphStateLock held.
func (s *Session) extendLocked(def *graph.GraphDef) error {
	if err := s.flib.Merge(def.Functions); err != nil {
		return status.WithKind(status.AlreadyExists, err)
	}
	if !s.graphCreated {
		state, err := graph.MakeForBaseGraph(def, s.flib)
		if err != nil {
			return err
		}
		s.execState = state
		s.graphCreated = true
		return nil
	}
	state, err := s.execState.Extend(def)
	if err != nil {
		return err
	}
	s.execState = state
	return nil
}

// Reset clears the named resource containers on every device of this
// session.
func (s *Session) Reset(containers []string) error {
	s.deviceMgr.ClearContainers(containers)
	return nil
}

// Close cancels all in-flight steps and marks the session closed. It is
// idempotent; resources shared through the device manager are released with
// the last owner.
func (s *Session) Close() error {
	s.cancellationMgr.StartCancel()
	s.closedLock.Lock()
	if s.closed {
		s.closedLock.Unlock()
		return nil
	}
	s.closed = true
	s.closedLock.Unlock()

	// Deregister from the factory.
	liveSessions.mu.Lock()
	for ii, live := range liveSessions.sessions {
		if live == s {
			liveSessions.sessions = append(liveSessions.sessions[:ii], liveSessions.sessions[ii+1:]...)
			break
		}
	}
	if metadata := s.options.Config.SessionMetadata; metadata != nil {
		delete(liveSessions.metadata, *metadata)
	}
	liveSessions.mu.Unlock()

	// Release op-segment holds, session pools and the device manager.
	for _, device := range s.deviceMgr.Devices() {
		device.OpSegment().RemoveHold(s.handle)
	}
	for _, entry := range s.threadPools {
		if entry.owned {
			entry.pool.Shutdown()
		}
	}
	if s.runHandlers != nil {
		s.runHandlers.Shutdown()
	}
	if s.ownsDeviceMgr {
		s.deviceMgr.Unref()
	}
	klog.V(1).Infof("closed session %s", s.handle)
	return nil
}

// ResetAll atomically captures the set of live sessions, then resets the
// named containers and closes each of them. The first error is returned;
// every error is logged.
func ResetAll(containers []string) error {
	liveSessions.mu.Lock()
	captured := liveSessions.sessions
	liveSessions.sessions = nil
	liveSessions.mu.Unlock()

	var firstErr error
	for _, s := range captured {
		if err := s.Reset(containers); err != nil {
			klog.Errorf("session %s reset failed: %v", s.handle, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.Close(); err != nil {
			klog.Errorf("session %s close failed: %v", s.handle, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// executorCacheKey builds the cache key for a (feeds, fetches, targets)
// request: exact order for the fast path, sorted copies for the canonical
// slow path.
func executorCacheKey(feeds, fetches, targets []string, isPartialRun bool, debugSummary string) string {
	return fmt.Sprintf("%s->%s/%s/%t/%s",
		strings.Join(feeds, ","), strings.Join(fetches, ","), strings.Join(targets, ","),
		isPartialRun, debugSummary)
}

func sortedCopy(names []string) []string {
	copied := append([]string{}, names...)
	sort.Strings(copied)
	return copied
}

// getOrCreateExecutors returns the prepared executors for the request,
// building them on a cache miss. Lookup is two-phase: the exact-order key
// first, then the sorted canonical key; the expensive build happens with the
// executor lock dropped, and a losing racer discards its build.
func (s *Session) getOrCreateExecutors(feeds, fetches, targets []string, isPartialRun bool, debugSummary string) (*executorsAndKeys, error) {
	directKey := executorCacheKey(feeds, fetches, targets, isPartialRun, debugSummary)

	s.executorLock.Lock()
	if ek, found := s.executors[directKey]; found {
		s.executorLock.Unlock()
		return ek, nil
	}
	sortedFeeds, sortedFetches, sortedTargets := sortedCopy(feeds), sortedCopy(fetches), sortedCopy(targets)
	canonicalKey := executorCacheKey(sortedFeeds, sortedFetches, sortedTargets, isPartialRun, debugSummary)
	if ek, found := s.executors[canonicalKey]; found {
		// Alias the caller's ordering so the next identical call takes the
		// fast path.
		s.executors[directKey] = ek
		s.executorLock.Unlock()
		return ek, nil
	}
	s.executorLock.Unlock()

	// Build outside the lock: first-time requests should not serialize.
	built, err := s.createExecutors(feeds, fetches, targets, isPartialRun)
	if err != nil {
		return nil, err
	}

	s.executorLock.Lock()
	defer s.executorLock.Unlock()
	if winner, found := s.executors[canonicalKey]; found {
		// Another thread built the same request first; discard ours.
		s.executors[directKey] = winner
		return winner, nil
	}
	s.executors[canonicalKey] = built
	s.executors[directKey] = built
	return built, nil
}

// createExecutors runs the build pipeline: client graph -> placement ->
// partition -> per-partition rewrite and executor construction.
func (s *Session) createExecutors(feeds, fetches, targets []string, isPartialRun bool) (*executorsAndKeys, error) {
	clientDevice := s.deviceMgr.ClientDevice()
	clientAttrs := clientDevice.Attributes()

	buildOptions := graph.BuildGraphOptions{
		Feeds:                 feeds,
		Fetches:               fetches,
		Targets:               targets,
		UseFunctionConvention: !isPartialRun,
	}
	if isPartialRun {
		// Partial runs move feeds and fetches through the step rendezvous,
		// keyed from the client device with frame and iteration zero.
		buildOptions.FeedRendezvousKey = func(name string) string {
			return rendezvous.CreateKey(clientAttrs.Name, clientAttrs.Incarnation, clientAttrs.Name, name, 0, 0)
		}
		buildOptions.FetchRendezvousKey = buildOptions.FeedRendezvousKey
	}

	// Snapshot the execution state under the graph-state lock; the client
	// graph build and the executor construction below run without it.
	s.graphStateLock.Lock()
	if !s.graphCreated {
		s.graphStateLock.Unlock()
		return nil, status.FailedPreconditionf("session is not initialized with a graph")
	}
	execState := s.execState
	s.graphStateLock.Unlock()

	clientGraph, err := execState.BuildGraph(buildOptions)
	if err != nil {
		return nil, err
	}

	if err := graph.Place(clientGraph.Graph, clientDevice.Name(), s.deviceMgr.CanonicalizeName); err != nil {
		return nil, err
	}
	if err := s.updateStatefulPlacements(clientGraph.Graph); err != nil {
		return nil, err
	}

	partitions, err := graph.Partition(clientGraph.Graph, graph.PartitionOptions{
		NodeToLoc: func(node *graph.Node) string { return node.AssignedDevice() },
		MakeRendezvousKey: func(srcDevice, dstDevice, tensorName string) string {
			incarnation := uint64(0)
			if device, err := s.deviceMgr.LookupDevice(srcDevice); err == nil {
				incarnation = device.Attributes().Incarnation
			}
			return rendezvous.CreateKey(srcDevice, incarnation, dstDevice, tensorName, 0, 0)
		},
	})
	if err != nil {
		return nil, err
	}

	ek := &executorsAndKeys{
		clientGraph:              clientGraph,
		feedTypes:                clientGraph.FeedTypes,
		fetchTypes:               clientGraph.FetchTypes,
		inputName2Index:          make(map[string]int, len(feeds)),
		outputName2Index:         make(map[string]int, len(fetches)),
		feedNodeNames:            make(map[string]string, len(feeds)),
		fetchNodeNames:           make(map[string]string, len(fetches)),
		collectiveGraphKey:       clientGraph.CollectiveGraphKey,
		isPartialRun:             isPartialRun,
		inputName2RendezvousKey:  make(map[string]string),
		outputName2RendezvousKey: make(map[string]string),
	}
	for ii, feed := range feeds {
		ek.inputName2Index[feed] = ii
		ek.feedNodeNames[feed] = clientGraph.FeedNodeNames[ii]
		if isPartialRun {
			ek.inputName2RendezvousKey[feed] = buildOptions.FeedRendezvousKey(feed)
		}
	}
	for ii, fetch := range fetches {
		ek.outputName2Index[fetch] = ii
		ek.fetchNodeNames[fetch] = clientGraph.FetchNodeNames[ii]
		if isPartialRun {
			ek.outputName2RendezvousKey[fetch] = buildOptions.FetchRendezvousKey(fetch)
		}
	}

	// One executor per partition: rewrite hook, debug decoration, kernel
	// materialization through the device op-segment.
	for deviceName, partitionDef := range partitions {
		device, err := s.deviceMgr.LookupDevice(deviceName)
		if err != nil {
			return nil, err
		}
		rewritten, err := device.MaybeRewriteGraph(partitionDef)
		if err != nil {
			return nil, err
		}
		if rewrittenDef, ok := rewritten.(*graph.GraphDef); ok && rewrittenDef != nil {
			partitionDef = rewrittenDef
		}
		partitionGraph, err := graph.New(partitionDef)
		if err != nil {
			return nil, status.WithKind(status.Internal, err)
		}
		if s.debugObserver != nil {
			if err := s.debugObserver.Decorate(deviceName, partitionGraph); err != nil {
				return nil, err
			}
			if err := s.debugObserver.Publish(deviceName, partitionGraph); err != nil {
				return nil, err
			}
		}
		exec, err := executor.NewExecutor(executor.Params{
			SessionHandle: s.handle,
			Device:        device,
		}, partitionGraph)
		if err != nil {
			return nil, err
		}
		ek.items = append(ek.items, perPartitionExecutor{device: device, exec: exec})
	}
	// Deterministic partition order (map iteration above isn't).
	sort.Slice(ek.items, func(i, j int) bool {
		return ek.items[i].device.Name() < ek.items[j].device.Name()
	})
	return ek, nil
}

// updateStatefulPlacements checks this build's stateful placements against
// the remembered ones: a previously seen node moving devices is fatal,
// otherwise the memory is refreshed with the latest snapshot.
func (s *Session) updateStatefulPlacements(g *graph.Graph) error {
	placements := graph.StatefulPlacements(g)
	s.graphStateLock.Lock()
	defer s.graphStateLock.Unlock()
	for node, device := range placements {
		if previous, seen := s.statefulPlacements[node]; seen && previous != device {
			return status.Internalf("stateful node %q was placed on %q but is now assigned to %q",
				node, previous, device)
		}
	}
	for node, device := range placements {
		s.statefulPlacements[node] = device
	}
	return nil
}

// SetDebugObserver installs the debug decoration visitor invoked on each
// partition during executor builds.
func (s *Session) SetDebugObserver(observer DebugObserver) { s.debugObserver = observer }

// DebugObserver is the two-step visitor over each partition graph: Decorate
// inserts watch nodes, Publish notifies debug collaborators. Both are keyed
// by device name.
type DebugObserver interface {
	Decorate(deviceName string, partition *graph.Graph) error
	Publish(deviceName string, partition *graph.Graph) error
}
