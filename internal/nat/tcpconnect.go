package nat

import (
	"log/slog"
	"net"
	"net/netip"
	"time"
)

const (
	directConnectTimeout = 500 * time.Millisecond
	connectRetryInterval = 100 * time.Millisecond

	// DefaultConnectTimeout bounds the simultaneous-open phase.
	DefaultConnectTimeout = 10 * time.Second
)

// SimultaneousOpen establishes a direct TCP connection to peerAddr through
// both NATs. localPort must be the port advertised in the UDP probes: the
// SYNs then carry the 5-tuple the hole punch already primed in conntrack.
//
// A vanilla outbound connect runs first and wins the race when the peer
// got there ahead of us. After that the advertised port is re-bound with
// SO_REUSEADDR (and SO_REUSEPORT on unix) and connects are retried until
// both sides' SYNs cross or the deadline expires.
func SimultaneousOpen(localPort uint16, peerAddr netip.AddrPort, timeout time.Duration, logger *slog.Logger) (net.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	deadline := start.Add(timeout)
	target := peerAddr.String()

	logger.Info("starting tcp simultaneous open", "local_port", localPort, "peer", target)

	if conn, err := net.DialTimeout("tcp4", target, directConnectTimeout); err == nil {
		logger.Info("direct tcp connect succeeded", "peer", target)
		return conn, nil
	}

	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: net.IPv4zero, Port: int(localPort)},
		Control:   setReuseOptions,
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrSimultaneousOpenTimeout
		}
		dialer.Timeout = remaining

		conn, err := dialer.Dial("tcp4", target)
		if err == nil {
			logger.Info("tcp simultaneous open succeeded",
				"local", conn.LocalAddr(),
				"peer", conn.RemoteAddr(),
				"elapsed", time.Since(start))
			return conn, nil
		}
		logger.Debug("connect attempt failed", "peer", target, "error", err)

		// Hard errors (refused, reset) return quickly while the peer's
		// bind is still in flight; pace the retries.
		time.Sleep(connectRetryInterval)
	}
}
