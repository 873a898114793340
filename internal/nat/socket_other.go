//go:build !linux && !darwin

package nat

import "syscall"

// setReuseOptions is a no-op where SO_REUSEPORT is unavailable; the
// simultaneous open then relies on the probe listener being fully closed
// before the re-bind.
func setReuseOptions(network, address string, c syscall.RawConn) error {
	return nil
}
