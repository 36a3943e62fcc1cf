// Package transport provides a reusable bounded, single-goroutine fan-in
// sender. It is the generic form of the teacher's CAN-frame-specific
// AsyncTx (internal/transport/async_tx.go in the teacher repo): the payload
// type is now a type parameter so the same queue/backpressure/shutdown
// machinery serves the RPC channel writer (jobs are "serialize and write
// this request, after inserting its pending entry") instead of a CAN frame
// transmitter.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAsyncTxClosed is returned by Send once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks customize AsyncTx behavior without duplicating the goroutine and
// buffer plumbing at each call site.
type Hooks[T any] struct {
	// OnError is called when send returns a non-nil error for an item.
	OnError func(T, error)
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func(T) error
}

// AsyncTx funnels writes of T through a single goroutine (fan-in),
// providing non-blocking enqueue: if the internal buffer is full, Send
// invokes OnDrop and returns its error rather than blocking the caller
// behind a slow or wedged peer.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks[T]
	closed atomic.Bool
}

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf. The
// send function runs on the single worker goroutine: for the RPC channel
// writer this is where id allocation and pending-map insertion happen,
// immediately before the socket write, satisfying the insert-before-send
// invariant from spec.md §9 because both steps occur in the same
// non-concurrent call.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks[T]) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case item, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(item); err != nil && a.hooks.OnError != nil {
				a.hooks.OnError(item, err)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues an item for asynchronous processing, or returns the drop
// error if the buffer is full or the worker has been closed.
func (a *AsyncTx[T]) Send(item T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- item:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(item)
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
