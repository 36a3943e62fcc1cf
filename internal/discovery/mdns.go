package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// serviceType is the additive LAN mDNS beacon's service identifier,
// adapted from the teacher's "_can-server._tcp" (cmd/can-server/mdns.go);
// it layers on top of, and never replaces, the required scan_air UDP
// discovery protocol.
const serviceType = "_airlinkd._tcp"

// Advertise registers instance on mDNS for port and returns a cleanup
// function; it is a no-op-safe wrapper so callers can always defer the
// returned cleanup.
func Advertise(ctx context.Context, instance string, port int, meta []string) (func(), error) {
	svc, err := zeroconf.Register(instance, serviceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() {
		close(done)
		svc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}
