// Package rpcchannel implements the per-TCP-channel task from spec.md
// §4.2/§4.3: a writer goroutine that allocates request ids and inserts a
// one-shot pending entry before the bytes hit the socket, a reader goroutine
// that correlates responses by id, and a per-request timeout guard. The
// pending-map shape is the generalization of the teacher's hub.Client:
// instead of fanning a value out to N subscribers, each id fans a single
// response in to exactly one waiter.
package rpcchannel

import "sync"

// result is delivered to a pending request's one-shot channel exactly
// once, by whichever of {reader match, timeout, teardown} gets there
// first, per spec.md §3's Channel state invariant.
type result[T any] struct {
	value T
	err   error
}

// pendingMap owns the id->reply mapping for one channel. Mutated by the
// writer (insert), the reader (take on match), and the teardown path
// (drain); the mutex protects only the map, never I/O, per spec.md §5.
type pendingMap[T any] struct {
	mu sync.Mutex
	m  map[uint64]chan result[T]
}

func newPendingMap[T any]() *pendingMap[T] {
	return &pendingMap[T]{m: make(map[uint64]chan result[T])}
}

// insert registers ch under id. Must be called before the request's bytes
// are written to the socket (insert-before-send, spec.md §9).
func (p *pendingMap[T]) insert(id uint64, ch chan result[T]) {
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
}

// take removes and returns the channel for id, if still pending. Safe to
// call from multiple goroutines racing to complete the same id (reader vs.
// timeout vs. teardown) — exactly one will see ok==true.
func (p *pendingMap[T]) take(id uint64) (chan result[T], bool) {
	p.mu.Lock()
	ch, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	p.mu.Unlock()
	return ch, ok
}

// complete delivers value/err to id's waiter if still pending, and reports
// whether it did (false means already matched/timed-out/drained).
func (p *pendingMap[T]) complete(id uint64, value T, err error) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- result[T]{value: value, err: err}
	return true
}

// drain completes every still-pending entry with err (connection-lost on
// teardown, per spec.md §3: "On channel teardown, all outstanding pendings
// are completed with a connection-lost error before the channel is
// declared closed").
func (p *pendingMap[T]) drain(err error) {
	p.mu.Lock()
	entries := p.m
	p.m = make(map[uint64]chan result[T])
	p.mu.Unlock()
	for _, ch := range entries {
		ch <- result[T]{err: err}
	}
}

// count returns the number of outstanding pending entries.
func (p *pendingMap[T]) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// completeByLowByte resolves a response from the binary channel, whose
// 80-byte header only echoes the low byte of the request id (spec.md §3).
// The binary channel does not serialize its requests, so ids 256 apart can
// share a low byte; ties are broken by lowest id, oldest request first.
func (p *pendingMap[T]) completeByLowByte(low uint8, value T, err error) bool {
	p.mu.Lock()
	var match uint64
	found := false
	for id := range p.m {
		if uint8(id) != low {
			continue
		}
		if !found || id < match {
			match = id
			found = true
		}
	}
	if !found {
		p.mu.Unlock()
		return false
	}
	ch := p.m[match]
	delete(p.m, match)
	p.mu.Unlock()
	ch <- result[T]{value: value, err: err}
	return true
}
