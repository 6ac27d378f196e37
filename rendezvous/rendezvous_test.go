// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

func TestKeyRoundTrip(t *testing.T) {
	key := CreateKey("/device:CPU:0", 0x1f2e3d4c5b6a7988, "/device:CPU:1", "x:0", 0, 0)
	require.Equal(t, "/device:CPU:0;1f2e3d4c5b6a7988;/device:CPU:1;x:0;0:0", key)

	parsed, err := ParseKey(key)
	require.NoError(t, err)
	require.Equal(t, "/device:CPU:0", parsed.SrcDevice)
	require.Equal(t, uint64(0x1f2e3d4c5b6a7988), parsed.SrcIncarnation)
	require.Equal(t, "/device:CPU:1", parsed.DstDevice)
	require.Equal(t, "x:0", parsed.TensorName)
	require.Equal(t, 0, parsed.FrameID)
	require.Equal(t, 0, parsed.IterID)
	require.Equal(t, key, parsed.FullKey)
}

func TestParseKeyMalformed(t *testing.T) {
	for _, key := range []string{"", "a;b;c", "a;zz!!;c;d;0:0", "a;00;c;d;0", "a;00;c;d;x:0"} {
		_, err := ParseKey(key)
		require.Error(t, err, "key %q", key)
		require.True(t, status.IsInvalidArgument(err))
	}
}

func testKey(t *testing.T, name string) ParsedKey {
	parsed, err := ParseKey(CreateKey("/device:CPU:0", 1, "/device:CPU:0", name, 0, 0))
	require.NoError(t, err)
	return parsed
}

func TestSendThenRecv(t *testing.T) {
	r := New()
	defer r.Unref()
	key := testKey(t, "a:0")
	require.NoError(t, r.Send(key, tensors.FromScalar(int32(3)), false))
	tensor, isDead, err := r.Recv(key, time.Second)
	require.NoError(t, err)
	require.False(t, isDead)
	require.Equal(t, int32(3), tensor.Value())
}

func TestRecvThenSend(t *testing.T) {
	r := New()
	defer r.Unref()
	key := testKey(t, "a:0")

	var wg sync.WaitGroup
	wg.Add(1)
	var received *tensors.Tensor
	go func() {
		defer wg.Done()
		tensor, _, err := r.Recv(key, 5*time.Second)
		require.NoError(t, err)
		received = tensor
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Send(key, tensors.FromScalar(int32(4)), false))
	wg.Wait()
	require.Equal(t, int32(4), received.Value())
}

func TestRecvTimeout(t *testing.T) {
	r := New()
	defer r.Unref()
	_, _, err := r.Recv(testKey(t, "never:0"), 20*time.Millisecond)
	require.Error(t, err)
	require.True(t, status.IsDeadlineExceeded(err))
}

func TestAbortFailsPendingAndFuture(t *testing.T) {
	r := New()
	defer r.Unref()
	key := testKey(t, "a:0")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := r.Recv(key, 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.StartAbort(status.Cancelledf("step cancelled"))
	require.True(t, status.IsCancelled(<-errCh))

	// Future operations fail with the same error.
	require.True(t, status.IsCancelled(r.Send(key, tensors.FromScalar(int32(1)), false)))
	_, _, err := r.Recv(key, time.Second)
	require.True(t, status.IsCancelled(err))
}

func TestRecvAsync(t *testing.T) {
	r := New()
	defer r.Unref()
	key := testKey(t, "a:0")

	done := make(chan struct{})
	r.RecvAsync(key, func(tensor *tensors.Tensor, isDead bool, err error) {
		require.NoError(t, err)
		require.True(t, isDead)
		require.Nil(t, tensor)
		close(done)
	})
	require.NoError(t, r.Send(key, nil, true))
	<-done
}

func TestRecvAsyncAborted(t *testing.T) {
	r := New()
	defer r.Unref()
	done := make(chan error, 1)
	r.RecvAsync(testKey(t, "a:0"), func(_ *tensors.Tensor, _ bool, err error) { done <- err })
	r.StartAbort(status.DeadlineExceededf("too slow"))
	require.True(t, status.IsDeadlineExceeded(<-done))
}

func TestQueuedSends(t *testing.T) {
	r := New()
	defer r.Unref()
	key := testKey(t, "a:0")
	require.NoError(t, r.Send(key, tensors.FromScalar(int32(1)), false))
	require.NoError(t, r.Send(key, tensors.FromScalar(int32(2)), false))
	first, _, err := r.Recv(key, time.Second)
	require.NoError(t, err)
	second, _, err := r.Recv(key, time.Second)
	require.NoError(t, err)
	require.Equal(t, int32(1), first.Value())
	require.Equal(t, int32(2), second.Value())
}
