// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous implements the intra-process key-matched tensor
// hand-off used between partitions of one step and between the client and a
// partial run: a Send parks a tensor under a key until the matching Recv
// consumes it (or vice versa: a Recv parks until the Send arrives).
package rendezvous

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// CreateKey builds the canonical rendezvous key:
//
//	{src_device};{16-hex incarnation};{dst_device};{tensor_name};{frame}:{iter}
//
// Keys embed the source device incarnation so tensors from a previous device
// incarnation can never satisfy a current Recv.
func CreateKey(srcDevice string, srcIncarnation uint64, dstDevice, tensorName string, frameID, iterID int) string {
	return fmt.Sprintf("%s;%016x;%s;%s;%d:%d",
		srcDevice, srcIncarnation, dstDevice, tensorName, frameID, iterID)
}

// ParsedKey is the decomposed form of a rendezvous key.
type ParsedKey struct {
	SrcDevice      string
	SrcIncarnation uint64
	DstDevice      string
	TensorName     string
	FrameID        int
	IterID         int

	// FullKey is the original key string; the table is indexed by it.
	FullKey string
}

// ParseKey decomposes a key produced by CreateKey.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ";")
	if len(parts) != 5 {
		return ParsedKey{}, status.InvalidArgumentf("malformed rendezvous key %q", key)
	}
	incarnation, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return ParsedKey{}, status.InvalidArgumentf("malformed rendezvous key %q: bad incarnation %q", key, parts[1])
	}
	frameIter := strings.Split(parts[4], ":")
	if len(frameIter) != 2 {
		return ParsedKey{}, status.InvalidArgumentf("malformed rendezvous key %q: bad frame:iter %q", key, parts[4])
	}
	frameID, err := strconv.Atoi(frameIter[0])
	if err != nil {
		return ParsedKey{}, status.InvalidArgumentf("malformed rendezvous key %q: bad frame id", key)
	}
	iterID, err := strconv.Atoi(frameIter[1])
	if err != nil {
		return ParsedKey{}, status.InvalidArgumentf("malformed rendezvous key %q: bad iter id", key)
	}
	return ParsedKey{
		SrcDevice:      parts[0],
		SrcIncarnation: incarnation,
		DstDevice:      parts[2],
		TensorName:     parts[3],
		FrameID:        frameID,
		IterID:         iterID,
		FullKey:        key,
	}, nil
}

// item is one parked tensor.
type item struct {
	tensor *tensors.Tensor
	isDead bool
}

// waiter is one parked Recv: blocking receives wait on the deliver channel,
// asynchronous receives park a callback instead.
type waiter struct {
	deliver  chan item
	callback func(tensor *tensors.Tensor, isDead bool, err error)
}

// queue accumulates unmatched sends and unmatched receives for one key.
// At most one of the two slices is non-empty at any time.
type queue struct {
	items   []item
	waiters []*waiter
}

// Rendezvous is an intra-process table of parked sends and receives.
// Instances are reference counted because the session, the per-step state
// and the executor barrier all hold it; the table is dropped when the last
// reference goes away.
type Rendezvous struct {
	refs atomic.Int64

	mu      sync.Mutex
	table   map[string]*queue
	aborted error
	abortCh chan struct{}
}

// New returns a Rendezvous with one reference held by the caller.
func New() *Rendezvous {
	r := &Rendezvous{
		table:   make(map[string]*queue),
		abortCh: make(chan struct{}),
	}
	r.refs.Store(1)
	return r
}

// Ref takes one more reference.
func (r *Rendezvous) Ref() *Rendezvous {
	r.refs.Add(1)
	return r
}

// Unref drops one reference; the table is dropped with the last one.
func (r *Rendezvous) Unref() {
	if r.refs.Add(-1) > 0 {
		return
	}
	r.mu.Lock()
	r.table = make(map[string]*queue)
	r.mu.Unlock()
}

func (r *Rendezvous) queueFor(key string) *queue {
	q, found := r.table[key]
	if !found {
		q = &queue{}
		r.table[key] = q
	}
	return q
}

// Send parks the tensor under the key, or delivers it immediately to a
// parked Recv. Multiple sends to the same key queue up in order.
func (r *Rendezvous) Send(parsed ParsedKey, tensor *tensors.Tensor, isDead bool) error {
	r.mu.Lock()
	if r.aborted != nil {
		err := r.aborted
		r.mu.Unlock()
		return err
	}
	q := r.queueFor(parsed.FullKey)
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		r.mu.Unlock()
		if w.callback != nil {
			w.callback(tensor, isDead, nil)
		} else {
			w.deliver <- item{tensor: tensor, isDead: isDead}
		}
		return nil
	}
	q.items = append(q.items, item{tensor: tensor, isDead: isDead})
	r.mu.Unlock()
	return nil
}

// Recv returns the tensor parked under the key, blocking until the matching
// Send, an abort, or the timeout. A timeout <= 0 blocks until Send or abort.
func (r *Rendezvous) Recv(parsed ParsedKey, timeout time.Duration) (*tensors.Tensor, bool, error) {
	r.mu.Lock()
	if r.aborted != nil {
		err := r.aborted
		r.mu.Unlock()
		return nil, false, err
	}
	q := r.queueFor(parsed.FullKey)
	if len(q.items) > 0 {
		it := q.items[0]
		q.items = q.items[1:]
		r.mu.Unlock()
		return it.tensor, it.isDead, nil
	}
	w := &waiter{deliver: make(chan item, 1)}
	q.waiters = append(q.waiters, w)
	r.mu.Unlock()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case it := <-w.deliver:
		return it.tensor, it.isDead, nil
	case <-r.abortCh:
		// A send may have raced the abort; prefer it if already delivered.
		select {
		case it := <-w.deliver:
			return it.tensor, it.isDead, nil
		default:
		}
		r.removeWaiter(parsed.FullKey, w)
		r.mu.Lock()
		err := r.aborted
		r.mu.Unlock()
		return nil, false, err
	case <-timerCh:
		select {
		case it := <-w.deliver:
			return it.tensor, it.isDead, nil
		default:
		}
		r.removeWaiter(parsed.FullKey, w)
		return nil, false, status.DeadlineExceededf("timed out waiting for tensor %q", parsed.TensorName)
	}
}

// RecvAsync delivers the tensor parked under the key through the callback:
// immediately when the Send already happened, from the sender's goroutine
// otherwise. On abort the callback receives the abort error.
func (r *Rendezvous) RecvAsync(parsed ParsedKey, callback func(tensor *tensors.Tensor, isDead bool, err error)) {
	r.mu.Lock()
	if r.aborted != nil {
		err := r.aborted
		r.mu.Unlock()
		callback(nil, false, err)
		return
	}
	q := r.queueFor(parsed.FullKey)
	if len(q.items) > 0 {
		it := q.items[0]
		q.items = q.items[1:]
		r.mu.Unlock()
		callback(it.tensor, it.isDead, nil)
		return
	}
	q.waiters = append(q.waiters, &waiter{callback: callback})
	r.mu.Unlock()
}

// removeWaiter unlinks an abandoned waiter. If a concurrent Send already
// popped it, the delivered item stays readable in the waiter's buffer (the
// caller re-checks before discarding).
func (r *Rendezvous) removeWaiter(key string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, found := r.table[key]
	if !found {
		return
	}
	for ii, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:ii], q.waiters[ii+1:]...)
			return
		}
	}
}

// StartAbort poisons the rendezvous: every parked and future Send/Recv fails
// with the given error. Only the first abort sticks.
func (r *Rendezvous) StartAbort(err error) {
	if err == nil {
		err = status.Cancelledf("rendezvous aborted")
	}
	r.mu.Lock()
	if r.aborted != nil {
		r.mu.Unlock()
		return
	}
	// Keep the caller's status kind (cancelled, deadline exceeded, ...) so
	// it surfaces verbatim to receivers; only untagged errors become aborts.
	if status.KindOf(err) == status.Unknown {
		err = status.WithKind(status.Aborted, err)
	}
	r.aborted = err
	// Callback waiters are failed here; blocking waiters observe abortCh.
	var failed []*waiter
	for _, q := range r.table {
		remaining := q.waiters[:0]
		for _, w := range q.waiters {
			if w.callback != nil {
				failed = append(failed, w)
			} else {
				remaining = append(remaining, w)
			}
		}
		q.waiters = remaining
	}
	r.mu.Unlock()
	close(r.abortCh)
	for _, w := range failed {
		w.callback(nil, false, err)
	}
}

// Aborted returns the abort error, or nil if the rendezvous is live.
func (r *Rendezvous) Aborted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// AbortChan returns a channel closed when the rendezvous is aborted.
// Long-parking kernels select on it to fail fast.
func (r *Rendezvous) AbortChan() <-chan struct{} { return r.abortCh }
