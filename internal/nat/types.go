package nat

import (
	"net"
	"net/netip"
)

// ConnectionState tracks the pipeline's progress. It only ever advances;
// failure is expressed as StateFailed, and a retry constructs a fresh
// Traversal.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnectingSignalling
	StateRegistering
	StateStunDiscovery
	StateSendingOffer
	StateWaitingForOffer
	StateUDPHolePunching
	StateTCPConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingSignalling:
		return "connecting_signalling"
	case StateRegistering:
		return "registering"
	case StateStunDiscovery:
		return "stun_discovery"
	case StateSendingOffer:
		return "sending_offer"
	case StateWaitingForOffer:
		return "waiting_for_offer"
	case StateUDPHolePunching:
		return "udp_hole_punching"
	case StateTCPConnecting:
		return "tcp_connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// PeerInfo is the candidate set the broker forwards for the remote peer.
type PeerInfo struct {
	Fingerprint  string
	ExternalAddr netip.AddrPort
	LocalAddr    netip.AddrPort
	Nonce        uint64
}

// localIPv4 finds the first non-loopback interface IPv4. It stands in for
// the socket's own IP when that socket is bound to the wildcard address,
// so the advertised local candidate is actually routable on the LAN.
func localIPv4() (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			if a, ok := netip.AddrFromSlice(ip4); ok {
				return a, true
			}
		}
	}
	return netip.Addr{}, false
}
