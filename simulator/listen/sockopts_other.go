//go:build !unix

package listen

import "syscall"

// tuneListenerBuffers is a no-op outside unix: SO_RCVBUF/SO_SNDBUF tuning
// via golang.org/x/sys/unix has no portable equivalent here.
func tuneListenerBuffers(network, address string, c syscall.RawConn) error { return nil }
