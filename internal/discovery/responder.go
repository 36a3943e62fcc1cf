package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	sjson "github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

// limiterTTL bounds how long a per-source rate.Limiter is retained after
// its last use, so a long-running simulator doesn't accumulate one entry
// per transient scanner forever.
const limiterTTL = 10 * time.Minute

// Responder answers scan_air UDP requests on channel D, rate-limiting per
// source address so a scan flood can't be used to spam replies, per
// spec.md §10's discovery responder extension.
type Responder struct {
	conn    net.PacketConn
	lookup  func() Result
	logger  *slog.Logger
	rate    rate.Limit
	burst   int
	mu      sync.Mutex
	buckets map[string]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// NewResponder binds a UDP listener on addr. lookup is called once per
// accepted request to produce the current discovery record (so the
// simulator can reflect live state, e.g. connect_lock).
func NewResponder(addr string, lookup func() Result, logger *slog.Logger) (*Responder, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	return &Responder{
		conn:    conn,
		lookup:  lookup,
		logger:  logger,
		rate:    rate.Every(time.Second),
		burst:   3,
		buckets: make(map[string]*limiterEntry),
	}, nil
}

// Addr returns the bound local address.
func (r *Responder) Addr() string { return r.conn.LocalAddr().String() }

// Serve runs the accept loop until Close is called, at which point
// ReadFrom returns an error and Serve returns nil.
func (r *Responder) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			return nil
		}
		payload := append([]byte(nil), buf[:n]...)
		go r.handle(payload, addr)
	}
}

// Close stops Serve's accept loop.
func (r *Responder) Close() error { return r.conn.Close() }

func (r *Responder) handle(payload []byte, addr net.Addr) {
	if !r.allow(addr) {
		r.logger.Debug("scan_air_rate_limited", "source", addr.String())
		return
	}
	var req scanRequest
	if err := sjson.Unmarshal(payload, &req); err != nil {
		r.logger.Debug("scan_air_decode_error", "error", err)
		return
	}
	if req.Method != "scan_air" {
		return
	}
	result := r.lookup()
	resultJSON, err := sjson.Marshal(result)
	if err != nil {
		r.logger.Error("scan_air_encode_error", "error", err)
		return
	}
	resp := scanResponse{ID: req.ID, Code: 0, Result: json.RawMessage(resultJSON)}
	respJSON, err := sjson.Marshal(resp)
	if err != nil {
		r.logger.Error("scan_air_encode_response_error", "error", err)
		return
	}
	if _, err := r.conn.WriteTo(respJSON, addr); err != nil {
		r.logger.Warn("scan_air_write_error", "error", err, "source", addr.String())
	}
}

func (r *Responder) allow(addr net.Addr) bool {
	key := addr.String()
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		// Bucket by source IP, not ip:port, so a scanner can't dodge the
		// limit by sending each request from a fresh ephemeral port.
		key = udpAddr.IP.String()
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictStale(now)
	entry, ok := r.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.rate, r.burst)}
		r.buckets[key] = entry
	}
	entry.lastUse = now
	return entry.limiter.Allow()
}

// evictStale must be called with r.mu held.
func (r *Responder) evictStale(now time.Time) {
	for key, entry := range r.buckets {
		if now.Sub(entry.lastUse) > limiterTTL {
			delete(r.buckets, key)
		}
	}
}
