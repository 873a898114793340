//go:build linux || darwin

package nat

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseOptions enables SO_REUSEADDR and SO_REUSEPORT so the connecting
// socket can bind the port just vacated by the probe listener while the
// peer's SYN is in flight.
func setReuseOptions(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
