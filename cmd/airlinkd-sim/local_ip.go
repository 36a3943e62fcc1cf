package main

import "net"

// localIP returns the outbound IPv4 address of this host, falling back to
// 127.0.0.1 if none can be determined (e.g. no network interfaces up).
// This mirrors the address scan_air and mDNS advertise to clients.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
