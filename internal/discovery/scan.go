// Package discovery implements the UDP "scan_air" one-shot discovery
// protocol from spec.md §4.4/§6, plus an additive LAN mDNS beacon the
// simulator advertises the way the teacher advertises its CAN gateway
// (cmd/can-server/mdns.go).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	sjson "github.com/segmentio/encoding/json"
)

// Result is the decoded scan_air response body, per spec.md §6.
type Result struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	SSID        string `json:"ssid"`
	GUID        string `json:"guid"`
	IsPi4       bool   `json:"is_pi4"`
	Model       string `json:"model"`
	ConnectLock bool   `json:"connect_lock"`
}

type scanRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
}

type scanResponse struct {
	ID     uint64          `json:"id"`
	Code   uint8           `json:"code"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Scan sends a single scan_air request to addr (host:port, typically the
// broadcast address on port D) and waits for one reply, bounded by ctx.
// Exercised by tests only, per spec.md §1.
func Scan(ctx context.Context, addr string) (Result, error) {
	var zero Result
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return zero, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return zero, fmt.Errorf("discovery: resolve %s: %w", addr, err)
	}

	req, err := sjson.Marshal(scanRequest{ID: 1, Method: "scan_air"})
	if err != nil {
		return zero, fmt.Errorf("discovery: marshal request: %w", err)
	}
	if _, err := conn.WriteTo(req, raddr); err != nil {
		return zero, fmt.Errorf("discovery: send request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, 4096)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return zero, fmt.Errorf("discovery: read response: %w", err)
	}
	var resp scanResponse
	if err := sjson.Unmarshal(buf[:n], &resp); err != nil {
		return zero, fmt.Errorf("discovery: decode response: %w", err)
	}
	if resp.Code != 0 {
		return zero, fmt.Errorf("discovery: remote error: %s", resp.Error)
	}
	var result Result
	if err := sjson.Unmarshal(resp.Result, &result); err != nil {
		return zero, fmt.Errorf("discovery: decode result: %w", err)
	}
	return result, nil
}
