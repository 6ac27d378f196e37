// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// ThreadPoolOptions configures one inter-op pool of a session.
type ThreadPoolOptions struct {
	// NumThreads of the pool; 0 picks the session default width.
	NumThreads int

	// GlobalName, when set, interns the pool process-wide under this name
	// (first writer wins; a later request with a different width fails).
	GlobalName string
}

// GPUOptions configures how the session uses GPU devices.
type GPUOptions struct {
	// AllowGrowth lets the device grow its memory use on demand.
	AllowGrowth bool

	// MultiStream gives each session of a session group its own virtual GPU
	// device (stream) over the shared physical device.
	MultiStream bool
}

// Metadata names a session for bookkeeping. The (Name, Version) pair must be
// unique among live sessions.
type Metadata struct {
	Name    string
	Version int64
}

// Config carries the session-construction knobs.
type Config struct {
	// InterOpParallelismThreads sizes the inter-op pools; <= 0 picks the
	// number of CPUs. When the process-wide pool is used, a negative value
	// switches to caller-thread execution unless TF_NUM_INTEROP_THREADS sets
	// a positive width.
	InterOpParallelismThreads int

	// IntraOpParallelismThreads is handed to kernels as a hint.
	IntraOpParallelismThreads int

	// SessionInterOpThreadPools, when non-empty, builds one pool per entry
	// (mode 1); otherwise UsePerSessionThreads builds one session-local pool
	// (mode 2); otherwise the process-wide pool is used (mode 3).
	SessionInterOpThreadPools []ThreadPoolOptions

	UsePerSessionThreads bool

	// DeviceThreadPoolIndex, when neither 0 nor DefaultDeviceThreadPoolIndex,
	// makes the session use the global pool interned under that index;
	// session groups give each follower a distinct index.
	DeviceThreadPoolIndex int

	// OperationTimeout bounds every blocking session operation; 0 means no
	// limit.
	OperationTimeout time.Duration

	// UseRunHandlerPool multiplexes inter-op closures of concurrent steps
	// through the shared run-handler pool.
	UseRunHandlerPool  bool
	RunHandlerPoolSize int

	GPUOptions GPUOptions

	// SessionMetadata, when set, must be unique per (Name, Version) among
	// live sessions.
	SessionMetadata *Metadata

	// NumaAffinity pins each session-group member's pool to its CPU slice.
	NumaAffinity bool

	// VisibleCPUs restricts the session's worker threads to these CPUs when
	// affinity is enabled; session groups fill it with each member's slice.
	VisibleCPUs []int
}

// Options creates a session.
type Options struct {
	Config Config
}

// DefaultDeviceThreadPoolIndex marks "no device pool preference".
const DefaultDeviceThreadPoolIndex = -1

// Environment variables honored at session construction. Boolean parse
// failures are fatal for the first three (they silently change the execution
// engine, better to stop loudly) and logged for the rest.
const (
	envUseCostModelExecutor = "USE_COST_MODEL_EXECUTOR"
	envUseInlineExecutor    = "USE_INLINE_EXECUTOR"
	envThreadPoolAffinity   = "SET_SESSION_THREAD_POOL_AFFINITY"
	envSyncOnFinish         = "TF_SYNC_ON_FINISH"
	envOverrideGlobalPool   = "TF_OVERRIDE_GLOBAL_THREADPOOL"
	envNumInterOpThreads    = "TF_NUM_INTEROP_THREADS"
	envNumIntraOpThreads    = "TF_NUM_INTRAOP_THREADS"
)

// readBoolEnv parses a boolean environment variable. Unset returns the
// default. Parse failures either stop the process or log, per fatal.
func readBoolEnv(name string, defaultValue, fatal bool) bool {
	text, found := os.LookupEnv(name)
	if !found || text == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(text)
	if err != nil {
		if fatal {
			klog.Fatalf("environment variable %s=%q is not a boolean: %v", name, text, err)
		}
		klog.Errorf("ignoring environment variable %s=%q: not a boolean: %v", name, text, err)
		return defaultValue
	}
	return value
}

// readIntEnv parses an integer environment variable, logging and returning
// the default on failure.
func readIntEnv(name string, defaultValue int) int {
	text, found := os.LookupEnv(name)
	if !found || text == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		klog.Errorf("ignoring environment variable %s=%q: not an integer: %v", name, text, err)
		return defaultValue
	}
	return value
}

// numInterOpThreads returns the requested inter-op width: a non-zero
// environment override wins over the config. Values <= 0 are returned as
// they are; callers resolve them to the CPU count or to caller-thread
// execution.
func numInterOpThreads(config *Config) int {
	if fromEnv := readIntEnv(envNumInterOpThreads, 0); fromEnv != 0 {
		return fromEnv
	}
	return config.InterOpParallelismThreads
}

// numIntraOpThreads resolves the intra-op hint the same way.
func numIntraOpThreads(config *Config) int {
	if fromEnv := readIntEnv(envNumIntraOpThreads, 0); fromEnv != 0 {
		return fromEnv
	}
	return config.IntraOpParallelismThreads
}
