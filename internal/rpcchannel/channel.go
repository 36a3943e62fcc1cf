package rpcchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
	"github.com/nsokolov/airlinkd/internal/transport"
	"github.com/nsokolov/airlinkd/internal/wire"
)

// writeQueueSize bounds the writer's job queue, matching the teacher's
// txQueueSize constant for its AsyncTx-backed serial writer.
const writeQueueSize = 256

// writeJob is one unit of work for the writer goroutine: serialize and
// send a request or notification, inserting the pending entry (for
// requests) immediately before the write.
type writeJob[T any] struct {
	method string
	params json.RawMessage
	notify bool
	reply  chan result[T] // nil for notifications
}

// base is the writer/pending machinery shared by the text and binary
// channel implementations. Reading is channel-kind specific (framed JSON
// vs. fixed binary header) and lives in text.go / binary.go.
type base[T any] struct {
	name    string
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger

	counter uint64 // touched only inside the writer goroutine; no atomic needed
	pending *pendingMap[T]
	writer  *transport.AsyncTx[writeJob[T]]

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func newBase[T any](name string, conn net.Conn, timeout time.Duration) *base[T] {
	b := &base[T]{
		name:     name,
		conn:     conn,
		timeout:  timeout,
		logger:   slog.Default().With("channel", name),
		pending:  newPendingMap[T](),
		shutdown: make(chan struct{}),
	}
	b.writer = transport.NewAsyncTx(context.Background(), writeQueueSize, b.process, transport.Hooks[writeJob[T]]{
		OnDrop: func(job writeJob[T]) error {
			if job.reply != nil {
				job.reply <- result[T]{err: fmt.Errorf("%w: writer queue full", rpcerrors.ErrTransport)}
			}
			return nil
		},
	})
	return b
}

// process runs on the writer's single goroutine: allocate an id (for
// requests), insert the pending entry, then write. Because both steps run
// without yielding to another writeJob, this satisfies the
// insert-before-send invariant without extra synchronization.
func (b *base[T]) process(job writeJob[T]) error {
	var id uint64
	if !job.notify {
		b.counter++
		id = b.counter
		b.pending.insert(id, job.reply)
	}
	req := wire.Request{ID: id, Method: job.method, Params: job.params}
	if err := wire.WriteFrame(b.conn, req); err != nil {
		wrapped := rpcerrors.Transport(err)
		if !job.notify {
			b.pending.complete(id, *new(T), wrapped)
		}
		metrics.IncError(b.name, rpcerrors.MetricLabel(wrapped))
		return wrapped
	}
	if !job.notify {
		metrics.IncRequestSent(b.name)
		b.armTimeout(id)
	}
	return nil
}

// armTimeout schedules a one-shot timeout completion for id. If the reader
// (or teardown) already completed it, this is a harmless no-op, matching
// spec.md §3's "exactly one of {matched response, timeout, teardown error}"
// invariant: complete() only succeeds for whichever path gets there first.
func (b *base[T]) armTimeout(id uint64) {
	time.AfterFunc(b.timeout, func() {
		if b.pending.complete(id, *new(T), rpcerrors.ErrTimeout) {
			metrics.IncRequestTimeout(b.name)
		}
	})
}

// request submits method/params and waits for a response or ctx
// cancellation. On ctx cancellation the pending entry is left for the
// timeout supervisor or teardown to clean up (no leak, per spec.md §5's
// cancellation contract) — the caller simply stops waiting.
func (b *base[T]) request(ctx context.Context, method string, params json.RawMessage) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	if err := b.writer.Send(writeJob[T]{method: method, params: params, reply: reply}); err != nil {
		return zero, rpcerrors.Transport(err)
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.shutdown:
		return zero, rpcerrors.Transport(fmt.Errorf("channel %s closed", b.name))
	}
}

// notifyMethod submits a fire-and-forget notification (no pending entry,
// no reply wait).
func (b *base[T]) notifyMethod(method string, params json.RawMessage) error {
	if err := b.writer.Send(writeJob[T]{method: method, params: params, notify: true}); err != nil {
		return rpcerrors.Transport(err)
	}
	return nil
}

// closeResources signals shutdown, stops the writer, closes the socket,
// and drains all pending requests with a connection-lost error, per
// spec.md §3's channel teardown invariant. Idempotent and safe to call
// from the reader goroutine itself (it never waits on b.wg), as well as
// from an external caller such as the channel manager's disconnect path.
func (b *base[T]) closeResources(teardownErr error) {
	b.shutdownOnce.Do(func() {
		close(b.shutdown)
		b.writer.Close()
		_ = b.conn.Close()
		b.pending.drain(teardownErr)
	})
}

// teardown closes resources and waits for the reader goroutine to exit.
// Only safe to call from a goroutine other than the reader itself.
func (b *base[T]) teardown(teardownErr error) {
	b.closeResources(teardownErr)
	b.wg.Wait()
}

// pendingCount reports outstanding requests (test/metrics hook).
func (b *base[T]) pendingCount() int { return b.pending.count() }
