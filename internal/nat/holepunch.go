package nat

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

const (
	probeSendInterval = 200 * time.Millisecond
	probePollWindow   = 10 * time.Millisecond

	// DefaultPunchTimeout bounds the hole-punching loop.
	DefaultPunchTimeout = 30 * time.Second
)

// HolePuncher bursts signed probes at the peer's candidate addresses over
// the socket inherited from STUN discovery, while listening on the same
// socket for the peer's probe. The socket must be the one that produced
// the reflexive address; rebinding would discard the NAT mapping.
type HolePuncher struct {
	conn       *net.UDPConn
	signingKey ed25519.PrivateKey
	peerKey    ed25519.PublicKey
	log        *slog.Logger
}

// NewHolePuncher takes ownership of conn. peerKey is optional: nil accepts
// any well-formed probe (the broker protocol does not yet convey verifying
// keys); when set, probes failing Ed25519 verification are discarded the
// same way malformed datagrams are.
func NewHolePuncher(conn *net.UDPConn, signingKey ed25519.PrivateKey, peerKey ed25519.PublicKey, logger *slog.Logger) (*HolePuncher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil udp socket")
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key length: %d", len(signingKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HolePuncher{conn: conn, signingKey: signingKey, peerKey: peerKey, log: logger}, nil
}

// PunchResult reports the rendezvous negotiated for the TCP phase.
type PunchResult struct {
	// PeerTCPPort is the port the peer advertised in its probe.
	PeerTCPPort uint16
	// LocalTCPPort is the port advertised to the peer; the simultaneous
	// open re-binds it.
	LocalTCPPort uint16
	// PeerAddr is the source address of the first valid probe.
	PeerAddr netip.AddrPort
}

// Punch drives the hole-punching loop: every 200ms one signed probe goes
// to every candidate address, and between bursts the socket is polled for
// the peer's probe. A localTCPPort of zero reserves an ephemeral port
// first. The deadline is absolute from entry; expiry yields
// ErrHolePunchTimeout. Per-address send errors and short or foreign
// datagrams are expected control flow, never failures.
func (h *HolePuncher) Punch(peerAddrs []netip.AddrPort, localTCPPort uint16, timeout time.Duration) (*PunchResult, error) {
	if len(peerAddrs) == 0 {
		return nil, fmt.Errorf("no peer candidate addresses")
	}
	if localTCPPort == 0 {
		port, err := reserveTCPPort()
		if err != nil {
			return nil, fmt.Errorf("reserving tcp port: %w", err)
		}
		localTCPPort = port
	}

	probe, err := NewProbe(localTCPPort, h.signingKey)
	if err != nil {
		return nil, err
	}
	wire := probe.Marshal()

	h.log.Info("starting udp hole punch",
		"local_tcp_port", localTCPPort,
		"candidates", len(peerAddrs),
		"nonce", probe.Nonce)

	deadline := time.Now().Add(timeout)
	defer h.conn.SetReadDeadline(time.Time{})

	var lastBurst time.Time
	buf := make([]byte, 1024)
	for {
		now := time.Now()
		if now.After(deadline) {
			return nil, ErrHolePunchTimeout
		}

		if now.Sub(lastBurst) >= probeSendInterval {
			for _, addr := range peerAddrs {
				// A dead candidate must not stop the other one from winning.
				if _, err := h.conn.WriteToUDPAddrPort(wire, addr); err != nil {
					h.log.Debug("probe send failed", "addr", addr, "error", err)
				}
			}
			lastBurst = now
		}

		h.conn.SetReadDeadline(now.Add(probePollWindow))
		n, from, err := h.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			h.log.Debug("socket read error", "error", err)
			continue
		}

		peerProbe, err := ParseProbe(buf[:n])
		if err != nil {
			h.log.Debug("discarding datagram", "from", from, "len", n, "error", err)
			continue
		}
		if h.peerKey != nil {
			if err := peerProbe.Verify(h.peerKey); err != nil {
				h.log.Warn("discarding probe with bad signature", "from", from)
				continue
			}
		}

		h.log.Info("received peer probe",
			"from", from,
			"peer_tcp_port", peerProbe.TCPPort,
			"nonce", peerProbe.Nonce)
		return &PunchResult{
			PeerTCPPort:  peerProbe.TCPPort,
			LocalTCPPort: localTCPPort,
			PeerAddr:     from,
		}, nil
	}
}

// reserveTCPPort grabs an ephemeral TCP port by binding a throwaway
// listener and closing it again. The port is advertised in probes and
// re-bound (with address reuse) for the simultaneous open.
func reserveTCPPort() (uint16, error) {
	l, err := net.Listen("tcp4", "0.0.0.0:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return uint16(port), nil
}
