//go:build unix

package listen

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufBytes sizes the simulator's TCP listener buffers generously
// enough for a full image frame to clear the kernel in one go, the way
// the teacher tunes its SocketCAN raw socket with unix.SetsockoptInt
// (internal/socketcan/device.go) — same syscall, different option.
const socketBufBytes = 4 << 20 // 4 MiB

func tuneListenerBuffers(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufBytes); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufBytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}
