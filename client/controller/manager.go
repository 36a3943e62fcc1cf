// Package controller implements the Channel Manager from spec.md §4.4: it
// composes the three TCP RPC channels and owns the client state machine,
// watchdog, and reconnect loop. Structurally this generalizes the
// teacher's per-backend connect/backoff loop (cmd/can-server/backend_serial.go's
// rxBackoffMin/rxBackoffMax doubling) from a single serial RX loop into a
// three-channel dial/redial cycle.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/internal/rpcchannel"
	"github.com/nsokolov/airlinkd/internal/rpcerrors"
)

// State is one of the four client states from spec.md §4.4's transition
// table.
type State int

const (
	Idle State = iota
	Dialing
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config carries everything the manager needs to dial and supervise the
// three channels.
type Config struct {
	Host                string
	PortA, PortB, PortC int
	TextTimeout         time.Duration // short per-request timeout, channels A/B
	BinaryTimeout       time.Duration // long per-request timeout, channel C
	WatchdogInterval    time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
}

// sleepFn allows tests to intercept backoff sleeps, matching the teacher's
// backend_serial.go sleepFn hook.
var sleepFn = time.Sleep

// Manager is the Channel Manager: it owns channels A, B, C, the client
// state machine, the watchdog, and the reconnect loop. It is the only
// writer of shouldBeConnected and state; channel tasks only ever read
// via the onTransportError callback, which enqueues a reconnect signal.
type Manager struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	shouldBeConnected bool
	a                 *rpcchannel.TextChannel
	b                 *rpcchannel.TextChannel
	c                 *rpcchannel.BinaryChannel

	reconnectCh chan struct{} // capacity 1, single-slot coalescing queue
	stopOnce    sync.Once
	stopCh      chan struct{}
	loopWG      sync.WaitGroup
}

// New constructs a Manager and starts its watchdog and reconnect-loop
// tasks; both run for the Manager's lifetime and are no-ops while
// disconnected.
func New(cfg Config, bus *events.Bus) *Manager {
	m := &Manager{
		cfg:         cfg,
		bus:         bus,
		logger:      slog.Default().With("component", "channel_manager"),
		reconnectCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	m.loopWG.Add(2)
	go m.watchdogLoop()
	go m.reconnectLoop()
	return m
}

// State reports the current client state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop permanently halts the watchdog and reconnect loops, after first
// disconnecting if necessary. The Manager is not reusable after Stop.
func (m *Manager) Stop() {
	m.Disconnect()
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loopWG.Wait()
}

// Connect is idempotent: if already connecting or connected it returns
// success immediately. Otherwise it dials A, B, C concurrently; if any
// fails, the rest are closed and the first error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected, Dialing:
		m.mu.Unlock()
		return nil
	}
	m.state = Dialing
	m.shouldBeConnected = true
	m.mu.Unlock()

	a, b, c, err := m.dialAll(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = Idle
		m.shouldBeConnected = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.a, m.b, m.c = a, b, c
	m.state = Connected
	m.mu.Unlock()
	metrics.SetConnectionState(true)
	m.bus.Publish(events.ConnectionState, true)
	return nil
}

// Disconnect is idempotent: clears should_be_connected, tears down all
// channels (draining their pending requests as connection-lost errors),
// and publishes the disconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return
	}
	m.shouldBeConnected = false
	a, b, c := m.a, m.b, m.c
	m.a, m.b, m.c = nil, nil, nil
	m.state = Idle
	m.mu.Unlock()

	closeAll(a, b, c)
	metrics.SetConnectionState(false)
	m.bus.Publish(events.ConnectionState, false)
}

// RequestText issues a correlated request on channel "A" or "B".
func (m *Manager) RequestText(ctx context.Context, channel, method string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	if !m.shouldBeConnected {
		m.mu.Unlock()
		return nil, rpcerrors.ErrNotConnected
	}
	var ch *rpcchannel.TextChannel
	switch channel {
	case "A":
		ch = m.a
	case "B":
		ch = m.b
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("controller: unknown text channel %q", channel)
	}
	m.mu.Unlock()
	if ch == nil {
		return nil, rpcerrors.ErrNotConnected
	}
	return ch.Request(ctx, method, params)
}

// RequestBinary issues a correlated request on the image channel (C).
func (m *Manager) RequestBinary(ctx context.Context, method string, params json.RawMessage) (rpcchannel.BinaryResult, error) {
	m.mu.Lock()
	if !m.shouldBeConnected {
		m.mu.Unlock()
		return rpcchannel.BinaryResult{}, rpcerrors.ErrNotConnected
	}
	ch := m.c
	m.mu.Unlock()
	if ch == nil {
		return rpcchannel.BinaryResult{}, rpcerrors.ErrNotConnected
	}
	return ch.Request(ctx, method, params)
}

// Subscribe returns a latched subscription to an event bus topic.
func (m *Manager) Subscribe(topic string) *events.Subscription { return m.bus.Subscribe(topic) }

func closeAll(a *rpcchannel.TextChannel, b *rpcchannel.TextChannel, c *rpcchannel.BinaryChannel) {
	var wg sync.WaitGroup
	closers := []func(){}
	if a != nil {
		closers = append(closers, a.Close)
	}
	if b != nil {
		closers = append(closers, b.Close)
	}
	if c != nil {
		closers = append(closers, c.Close)
	}
	wg.Add(len(closers))
	for _, fn := range closers {
		fn := fn
		go func() { defer wg.Done(); fn() }()
	}
	wg.Wait()
}

// dialAll opens A, B, C concurrently. On any failure it closes whatever
// opened successfully and returns the first error observed.
func (m *Manager) dialAll(ctx context.Context) (*rpcchannel.TextChannel, *rpcchannel.TextChannel, *rpcchannel.BinaryChannel, error) {
	type res struct {
		a   *rpcchannel.TextChannel
		b   *rpcchannel.TextChannel
		c   *rpcchannel.BinaryChannel
		err error
	}
	var wg sync.WaitGroup
	var r res
	var mu sync.Mutex
	setErr := func(err error) {
		mu.Lock()
		if r.err == nil {
			r.err = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.PortA)
		ch, err := rpcchannel.DialText(ctx, "A", addr, m.cfg.TextTimeout, m.bus, m.onTransportError)
		if err != nil {
			setErr(fmt.Errorf("dial A: %w", err))
			return
		}
		mu.Lock()
		r.a = ch
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.PortB)
		ch, err := rpcchannel.DialText(ctx, "B", addr, m.cfg.TextTimeout, m.bus, m.onTransportError)
		if err != nil {
			setErr(fmt.Errorf("dial B: %w", err))
			return
		}
		mu.Lock()
		r.b = ch
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.PortC)
		ch, err := rpcchannel.DialBinary(ctx, "C", addr, m.cfg.BinaryTimeout, m.onTransportError)
		if err != nil {
			setErr(fmt.Errorf("dial C: %w", err))
			return
		}
		mu.Lock()
		r.c = ch
		mu.Unlock()
	}()
	wg.Wait()

	if r.err != nil {
		closeAll(r.a, r.b, r.c)
		return nil, nil, nil, r.err
	}
	return r.a, r.b, r.c, nil
}

// onTransportError is invoked by any channel's reader goroutine on a
// terminal transport failure. It enqueues a reconnect signal if the
// manager should still be connected; the channel that failed has already
// closed its own resources (closeResources, not teardown — see
// internal/rpcchannel) so this never blocks waiting on that channel.
func (m *Manager) onTransportError(err error) {
	m.mu.Lock()
	should := m.shouldBeConnected
	m.mu.Unlock()
	if !should {
		return
	}
	m.logger.Warn("channel_transport_error", "error", err)
	m.requestReconnect()
}

func (m *Manager) requestReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// watchdogLoop periodically probes channels A and C with test_connection,
// requesting a reconnect if either appears unresponsive. Channel C's
// response is framed as binary per spec.md §4.3; since test_connection's
// payload shape is otherwise unspecified, only a transport-level failure
// (timeout or socket error) is treated as watchdog failure — a malformed
// or empty archive still proves the socket is alive and is not failure.
func (m *Manager) watchdogLoop() {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *Manager) probeOnce() {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	a, c := m.a, m.c
	m.mu.Unlock()
	if a == nil || c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TextTimeout)
	_, errA := a.Request(ctx, "test_connection", nil)
	cancel()
	if transportDead(errA) {
		metrics.IncWatchdogFailure()
		m.requestReconnect()
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), m.cfg.TextTimeout)
	_, errC := c.Request(ctx, "test_connection", nil)
	cancel()
	if transportDead(errC) {
		metrics.IncWatchdogFailure()
		m.requestReconnect()
	}
}

// transportDead reports whether err indicates the channel is actually
// unresponsive, as opposed to merely returning an unexpected (but
// successfully transported) response.
func transportDead(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, rpcerrors.ErrTimeout) || errors.Is(err, rpcerrors.ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// reconnectLoop observes the coalescing reconnect queue. On each signal,
// while should_be_connected, it tears down existing channels and retries
// dialing with exponential backoff (capped), resetting the attempt
// counter on success, per spec.md §4.4.
func (m *Manager) reconnectLoop() {
	defer m.loopWG.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.reconnectCh:
			m.runReconnectCycle()
		}
	}
}

func (m *Manager) runReconnectCycle() {
	m.mu.Lock()
	if !m.shouldBeConnected {
		m.mu.Unlock()
		return
	}
	m.state = Reconnecting
	a, b, c := m.a, m.b, m.c
	m.a, m.b, m.c = nil, nil, nil
	m.mu.Unlock()
	closeAll(a, b, c)

	backoff := m.cfg.ReconnectMinBackoff
	for {
		m.mu.Lock()
		should := m.shouldBeConnected
		m.mu.Unlock()
		if !should {
			return
		}

		metrics.IncReconnectAttempt()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TextTimeout)
		a, b, c, err := m.dialAll(ctx)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.a, m.b, m.c = a, b, c
			m.state = Connected
			m.mu.Unlock()
			metrics.SetConnectionState(true)
			m.bus.Publish(events.ConnectionState, true)
			return
		}

		m.logger.Warn("reconnect_attempt_failed", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > m.cfg.ReconnectMaxBackoff {
			backoff = m.cfg.ReconnectMaxBackoff
		}

		// Drain any signal that coalesced while we were sleeping/dialing;
		// this cycle already covers it.
		select {
		case <-m.reconnectCh:
		default:
		}
	}
}
