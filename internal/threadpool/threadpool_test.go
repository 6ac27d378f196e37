// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dataflow/status"
)

func TestScheduleRunsEverything(t *testing.T) {
	pool := New("test", 4)
	defer pool.Shutdown()
	var counter atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		pool.Schedule(func() {
			counter.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, int64(100), counter.Load())
}

func TestZeroWidthRunsInline(t *testing.T) {
	pool := New("inline", 0)
	ran := false
	pool.Schedule(func() { ran = true })
	require.True(t, ran)
}

func TestScheduleFromWorker(t *testing.T) {
	// Tasks scheduled from inside worker goroutines must never deadlock.
	pool := New("nested", 1)
	defer pool.Shutdown()
	done := make(chan struct{})
	pool.Schedule(func() {
		pool.Schedule(func() { close(done) })
	})
	<-done
}

func TestInternedFirstWriterWins(t *testing.T) {
	pool, err := Interned("test-interned-pool", 3)
	require.NoError(t, err)
	again, err := Interned("test-interned-pool", 3)
	require.NoError(t, err)
	require.Same(t, pool, again)

	_, err = Interned("test-interned-pool", 5)
	require.Error(t, err)
	require.True(t, status.IsInvalidArgument(err))
}

func TestRunHandlerPoolExhaustion(t *testing.T) {
	pool := NewRunHandlerPool(2, 2, 1)
	defer pool.Shutdown()

	first := pool.Get(1)
	require.NotNil(t, first)
	second := pool.Get(2)
	require.NotNil(t, second)
	require.Nil(t, pool.Get(3))

	first.Release()
	third := pool.Get(4)
	require.NotNil(t, third)
	require.Equal(t, 1, third.IntraOpWidth())

	done := make(chan struct{})
	third.Schedule(func() { close(done) })
	<-done
}
