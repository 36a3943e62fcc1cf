// Package listen implements the simulator's four listeners (channels A/B
// TCP text RPC, C TCP binary image RPC, D UDP discovery) and their
// per-connection dispatch, per spec.md §4.6. The accept-loop/per-connection
// goroutine shape and the Ready()-channel readiness signal are adapted
// from the teacher's internal/server.Server; the per-connection writer
// draining a single outbound channel of interleaved responses and events
// generalizes the teacher's hub.Client.Out fan-in, but unlike the
// teacher's CAN frame batching (flush interval + batch size), frames here
// are flushed immediately — RPC responses must be delivered promptly, so
// the teacher's ticker-based coalescing optimization does not carry over
// (see DESIGN.md).
package listen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	sjson "github.com/segmentio/encoding/json"

	"github.com/nsokolov/airlinkd/internal/binheader"
	"github.com/nsokolov/airlinkd/internal/discovery"
	"github.com/nsokolov/airlinkd/internal/events"
	"github.com/nsokolov/airlinkd/internal/logging"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/internal/wire"
	"github.com/nsokolov/airlinkd/simulator/handlers"
	"github.com/nsokolov/airlinkd/simulator/state"
	"github.com/nsokolov/airlinkd/simulator/telemetry"
)

// Config configures the four listeners.
type Config struct {
	AddrA, AddrB, AddrC, AddrD string
	SSID                       string // surfaced by scan_air only, not stored in device state
	Store                      *state.Store

	// Telemetry backs the periodic PiStatus broadcast; nil disables it.
	// Temperature/CoolerPower are broadcast alongside it from the current
	// control register values (spec.md §9: published on events and on
	// explicit query, never synthesized from query results — this is the
	// event side of that pair, sourced from the same registers a query
	// would read).
	Telemetry         telemetry.Source
	TelemetryInterval time.Duration // default 5s
}

// Server owns the four listeners and the simulator's device state.
type Server struct {
	cfg    Config
	store  *state.Store
	logger *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}

	mu         sync.Mutex
	lnA, lnB, lnC net.Listener
	responder  *discovery.Responder

	nextConnID uint64
	activeMu   sync.Mutex
	active     map[string]int

	broadcastMu sync.Mutex
	broadcastA  map[uint64]*chanEventSink
}

// New builds a Server over the given config; Store must be non-nil.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  logging.L().With("component", "simulator_listen"),
		readyCh:    make(chan struct{}),
		active:     make(map[string]int),
		broadcastA: make(map[uint64]*chanEventSink),
	}
}

// Ready closes once all four listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Addrs reports the bound addresses, useful when the configured ports
// were ":0" (tests).
func (s *Server) Addrs() (a, b, c, d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lnA != nil {
		a = s.lnA.Addr().String()
	}
	if s.lnB != nil {
		b = s.lnB.Addr().String()
	}
	if s.lnC != nil {
		c = s.lnC.Addr().String()
	}
	if s.responder != nil {
		d = s.responder.Addr()
	}
	return a, b, c, d
}

// lc tunes accepted listener sockets' buffer sizes via tuneListenerBuffers
// (golang.org/x/sys/unix on unix platforms, a no-op elsewhere).
var lc = net.ListenConfig{Control: tuneListenerBuffers}

// Serve binds all four listeners and accepts connections until ctx is
// cancelled, at which point it closes the three TCP listeners and the
// discovery socket and returns nil. Connections already accepted are not
// closed by Serve: text connections stop answering, binary connections keep
// answering, and each ends when its peer disconnects.
func (s *Server) Serve(ctx context.Context) error {
	lnA, err := lc.Listen(ctx, "tcp", s.cfg.AddrA)
	if err != nil {
		return fmt.Errorf("listen: channel A: %w", err)
	}
	lnB, err := lc.Listen(ctx, "tcp", s.cfg.AddrB)
	if err != nil {
		lnA.Close()
		return fmt.Errorf("listen: channel B: %w", err)
	}
	lnC, err := lc.Listen(ctx, "tcp", s.cfg.AddrC)
	if err != nil {
		lnA.Close()
		lnB.Close()
		return fmt.Errorf("listen: channel C: %w", err)
	}
	responder, err := discovery.NewResponder(s.cfg.AddrD, s.discoveryResult, s.logger)
	if err != nil {
		lnA.Close()
		lnB.Close()
		lnC.Close()
		return fmt.Errorf("listen: channel D: %w", err)
	}

	s.mu.Lock()
	s.lnA, s.lnB, s.lnC, s.responder = lnA, lnB, lnC, responder
	s.mu.Unlock()

	s.logger.Info("listening", "a", lnA.Addr(), "b", lnB.Addr(), "c", lnC.Addr(), "d", responder.Addr())
	s.readyOnce.Do(func() { close(s.readyCh) })

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.acceptTextLoop(ctx, "A", lnA) }()
	go func() { defer wg.Done(); s.acceptTextLoop(ctx, "B", lnB) }()
	go func() { defer wg.Done(); s.acceptBinaryLoop(ctx, lnC) }()
	go func() { defer wg.Done(); responder.Serve() }()

	if s.cfg.Telemetry != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.telemetryLoop(ctx) }()
	}

	<-ctx.Done()
	lnA.Close()
	lnB.Close()
	lnC.Close()
	responder.Close()
	wg.Wait()
	return nil
}

func (s *Server) discoveryResult() discovery.Result {
	id := s.store.Identity()
	return discovery.Result{
		Name:        id.Name,
		IP:          id.IP,
		SSID:        s.cfg.SSID,
		GUID:        id.GUID,
		IsPi4:       id.IsPi4,
		Model:       id.Model,
		ConnectLock: s.store.ConnectLock(),
	}
}

func (s *Server) adjustActive(channel string, delta int) {
	s.activeMu.Lock()
	s.active[channel] += delta
	n := s.active[channel]
	s.activeMu.Unlock()
	metrics.SetSimConnectionsActive(channel, n)
}

func (s *Server) acceptTextLoop(ctx context.Context, channel string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveTextConn(ctx, channel, conn)
	}
}

func (s *Server) acceptBinaryLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveBinaryConn(ctx, conn)
	}
}

// chanEventSink implements handlers.EventSink by marshaling the payload,
// merging in "Event"/"Timestamp" keys, and enqueueing onto a connection's
// single outbound channel (shared with responses) so the writer delivers
// both in arrival order.
type chanEventSink struct {
	out chan<- []byte
	ctx context.Context
}

func (c *chanEventSink) Emit(kind string, payload any) {
	raw, err := buildEventFrame(kind, payload)
	if err != nil {
		return
	}
	select {
	case c.out <- raw:
	case <-c.ctx.Done():
	}
}

func buildEventFrame(kind string, payload any) ([]byte, error) {
	encoded, err := sjson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if len(encoded) > 0 && string(encoded) != "null" {
		if err := sjson.Unmarshal(encoded, &fields); err != nil {
			return nil, err
		}
	}
	fields["Event"] = kind
	fields["Timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return sjson.Marshal(fields)
}

func (s *Server) serveTextConn(ctx context.Context, channel string, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	logger := s.logger.With("channel", channel, "conn_id", connID, "remote", conn.RemoteAddr().String())
	metrics.IncSimConnectionAccepted(channel)
	s.adjustActive(channel, 1)
	defer s.adjustActive(channel, -1)
	defer conn.Close()
	logger.Info("conn_accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, 64)
	sink := &chanEventSink{out: out, ctx: connCtx}

	if channel == "A" {
		s.registerBroadcast(connID, sink)
		defer s.unregisterBroadcast(connID)
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		// Select against connCtx rather than ranging over a closed
		// channel: the broadcast loop (below) also holds a reference to
		// out via sink and must never race a send against a close.
		for {
			select {
			case raw := <-out:
				if err := wire.WriteRaw(conn, raw); err != nil {
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	framer := wire.NewFramer(conn)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			break
		}
		s.handleTextRequest(connCtx, channel, frame, sink, out, logger)
	}
	cancel()
	writerWG.Wait()
	logger.Info("conn_closed")
}

func (s *Server) handleTextRequest(ctx context.Context, channel string, frame []byte, sink handlers.EventSink, out chan<- []byte, logger *slog.Logger) {
	var req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := wire.Unmarshal(frame, &req); err != nil {
		logger.Warn("request_decode_error", "error", err)
		return
	}
	hctx := &handlers.Context{Ctx: ctx, Store: s.store, Events: sink, Channel: channel}
	result, code, errMsg := handlers.Dispatch(hctx, req.Method, req.Params)

	resp := wire.Response{
		ID:        req.ID,
		JSONRPC:   "2.0",
		Code:      code,
		Method:    req.Method,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if code == 0 {
		if resultBytes, err := sjson.Marshal(result); err == nil {
			resp.Result = resultBytes
		} else {
			logger.Error("result_encode_error", "method", req.Method, "error", err)
		}
	} else {
		resp.Error = errMsg
	}
	raw, err := wire.Marshal(resp)
	if err != nil {
		logger.Error("response_encode_error", "method", req.Method, "error", err)
		return
	}
	select {
	case out <- raw:
	case <-ctx.Done():
	}
}

// noopSink discards events on channel C: spec.md's event catalog frames
// only ever travel on the text channels.
type noopSink struct{}

func (noopSink) Emit(string, any) {}

func (s *Server) serveBinaryConn(ctx context.Context, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	logger := s.logger.With("channel", "C", "conn_id", connID, "remote", conn.RemoteAddr().String())
	metrics.IncSimConnectionAccepted("C")
	s.adjustActive("C", 1)
	defer s.adjustActive("C", -1)
	defer conn.Close()
	logger.Info("conn_accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	framer := wire.NewFramer(conn)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			break
		}
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := wire.Unmarshal(frame, &req); err != nil {
			logger.Warn("request_decode_error", "error", err)
			continue
		}
		hctx := &handlers.Context{Ctx: connCtx, Store: s.store, Events: noopSink{}, Channel: "C"}
		result, code, errMsg := handlers.Dispatch(hctx, req.Method, req.Params)
		if code != 0 {
			logger.Warn("binary_request_failed", "method", req.Method, "error", errMsg)
			continue
		}
		// test_connection (the watchdog's probe, per spec.md §4.4) and any
		// other method that isn't image-shaped still need an answer on this
		// channel: an empty payload fails ZIP extraction on the client side
		// as a decode error, which per spec.md §4.3 leaves the channel
		// healthy — exactly what a liveness probe needs, without teaching
		// this channel to carry non-image results.
		img, ok := result.(handlers.BinaryImageResult)
		if !ok {
			hdr := binheader.Encode(binheader.Header{ID: uint8(req.ID)})
			if _, err := conn.Write(hdr); err != nil {
				break
			}
			continue
		}
		hdr := binheader.Encode(binheader.Header{
			PayloadSize: uint32(len(img.Payload)),
			ID:          uint8(req.ID),
			Width:       img.Width,
			Height:      img.Height,
		})
		if _, err := conn.Write(hdr); err != nil {
			break
		}
		if _, err := conn.Write(img.Payload); err != nil {
			break
		}
		metrics.AddBinaryPayloadBytes(len(img.Payload))
	}
	logger.Info("conn_closed")
}

func (s *Server) registerBroadcast(connID uint64, sink *chanEventSink) {
	s.broadcastMu.Lock()
	s.broadcastA[connID] = sink
	s.broadcastMu.Unlock()
}

func (s *Server) unregisterBroadcast(connID uint64) {
	s.broadcastMu.Lock()
	delete(s.broadcastA, connID)
	s.broadcastMu.Unlock()
}

// telemetryLoop periodically samples cfg.Telemetry and broadcasts a
// PiStatus event, alongside Temperature/CoolerPower readings taken from
// the current control registers, to every channel-A connection. Per
// spec.md §9's open question, these are genuine event publications, not
// a synthesis of a query result: the registers are the same source a
// get_control_value call would read, sampled here on a timer instead of
// on demand.
func (s *Server) telemetryLoop(ctx context.Context) {
	interval := s.cfg.TelemetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishTelemetry(ctx)
		}
	}
}

func (s *Server) publishTelemetry(ctx context.Context) {
	sample, err := s.cfg.Telemetry.Sample(ctx)
	if err != nil {
		s.logger.Warn("telemetry_sample_error", "error", err)
		return
	}
	s.broadcast(events.PiStatus, struct {
		IsOvertemp    bool    `json:"is_overtemp"`
		Temp          float64 `json:"temp"`
		IsUndervolt   bool    `json:"is_undervolt"`
		IsOverCurrent bool    `json:"is_over_current"`
	}{IsOvertemp: sample.IsOvertemp, Temp: sample.Temp, IsUndervolt: sample.IsUndervolt, IsOverCurrent: sample.IsOverCurrent})

	if tempCtl, ok := s.store.Control("Temperature"); ok {
		s.broadcast(events.Temperature, struct {
			Value float64 `json:"value"`
		}{Value: tempCtl.Value})
	}
	if coolCtl, ok := s.store.Control("CoolPowerPerc"); ok {
		s.broadcast(events.CoolerPower, struct {
			Value int `json:"value"`
		}{Value: int(coolCtl.Value)})
	}
}

func (s *Server) broadcast(kind string, payload any) {
	s.broadcastMu.Lock()
	sinks := make([]*chanEventSink, 0, len(s.broadcastA))
	for _, sink := range s.broadcastA {
		sinks = append(sinks, sink)
	}
	s.broadcastMu.Unlock()
	for _, sink := range sinks {
		sink.Emit(kind, payload)
	}
}
