// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/gomlx/dataflow/executor"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// CallableOptions fixes the (feeds, fetches, targets) of a compiled run.
type CallableOptions struct {
	Feeds, Fetches, Targets []string
	RunOptions              RunOptions
}

// CallableHandle names one compiled run of a session.
type CallableHandle = int64

// MakeCallable eagerly builds the executors for the given options and
// returns a handle for repeated execution with RunCallable.
func (s *Session) MakeCallable(options CallableOptions) (CallableHandle, error) {
	if err := s.checkNotClosed(); err != nil {
		return 0, err
	}
	if err := s.checkGraphCreated("MakeCallable()"); err != nil {
		return 0, err
	}
	ek, err := s.createExecutors(options.Feeds, options.Fetches, options.Targets, false)
	if err != nil {
		return 0, err
	}
	ek.callableOptions = options

	s.callablesLock.Lock()
	defer s.callablesLock.Unlock()
	handle := s.nextCallable
	s.nextCallable++
	s.callables[handle] = ek
	return handle, nil
}

// RunCallable executes a compiled run with the feed tensors in declaration
// order, returning the fetches in declaration order. The optional pools
// substitute the session's inter-/intra-op pools for this call.
func (s *Session) RunCallable(handle CallableHandle, feedTensors []*tensors.Tensor, metadata *RunMetadata, pools *ThreadPoolPair) ([]*tensors.Tensor, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	s.callablesLock.Lock()
	ek, found := s.callables[handle]
	s.callablesLock.Unlock()
	if !found {
		return nil, status.InvalidArgumentf("no callable with handle %d", handle)
	}
	if len(feedTensors) != len(ek.feedTypes) {
		return nil, status.InvalidArgumentf("callable %d expects %d feeds, got %d",
			handle, len(ek.feedTypes), len(feedTensors))
	}
	start := time.Now()
	var inBytes int64
	for _, feed := range feedTensors {
		inBytes += int64(feed.Memory())
	}

	// The frame is backed directly by the caller's slices: feeds are taken
	// by position, no name routing needed.
	frame := executor.NewFunctionCallFrame(ek.feedTypes, ek.fetchTypes)
	if err := frame.SetArgs(feedTensors); err != nil {
		return nil, status.WithKind(status.InvalidArgument, err)
	}

	stepID := s.stepCounter.Add(1)
	ek.stepCount.Add(1)
	runOptions := ek.callableOptions.RunOptions
	if err := s.runInternal(stepID, &runOptions, frame, ek, metadata, pools); err != nil {
		return nil, err
	}
	fetched, err := frame.ConsumeRetvals(false)
	if err != nil {
		return nil, status.WithKind(status.InvalidArgument, err)
	}
	var outBytes int64
	for _, output := range fetched {
		if output != nil {
			outBytes += int64(output.Memory())
		}
	}
	recordRunMetrics(inBytes, outBytes, time.Since(start))
	return fetched, nil
}

// ReleaseCallable forgets the handle. Executors are dropped before the
// function information they borrow, mirroring their construction order.
func (s *Session) ReleaseCallable(handle CallableHandle) error {
	s.callablesLock.Lock()
	defer s.callablesLock.Unlock()
	if _, found := s.callables[handle]; !found {
		return status.InvalidArgumentf("no callable with handle %d", handle)
	}
	delete(s.callables, handle)
	return nil
}
