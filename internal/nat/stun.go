package nat

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// STUN message types and magic cookie (RFC 5389 subset: a single Binding
// Request / Binding Response transaction, no attributes sent).
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	stunHeaderLen       = 20
)

// STUN attribute types. XOR-MAPPED-ADDRESS is preferred; MAPPED-ADDRESS is
// the pre-RFC-5389 fallback some servers still send.
const (
	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

const stunReadTimeout = 5 * time.Second

// StunClient performs one binding transaction against a configured server.
// The socket it binds is the one later used for hole punching: the
// reflexive address is keyed on the NAT's mapping for that exact socket,
// so ownership transfers out via IntoSocket and the socket is never
// rebound.
type StunClient struct {
	conn   *net.UDPConn
	server *net.UDPAddr
}

// NewStunClient binds a fresh wildcard UDP socket and resolves the server.
func NewStunClient(serverAddr string) (*StunClient, error) {
	server, err := net.ResolveUDPAddr("udp4", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving stun server: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}
	return &StunClient{conn: conn, server: server}, nil
}

// Query runs one binding request/response transaction and returns the
// server-observed reflexive address. The response must echo the request's
// transaction ID; the read gives up after 5 seconds.
func (c *StunClient) Query() (netip.AddrPort, error) {
	if c.conn == nil {
		return netip.AddrPort{}, fmt.Errorf("socket already transferred")
	}

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("generating transaction id: %w", err)
	}

	if _, err := c.conn.WriteToUDP(buildBindingRequest(txID), c.server); err != nil {
		return netip.AddrPort{}, fmt.Errorf("sending binding request: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(stunReadTimeout)); err != nil {
		return netip.AddrPort{}, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("reading binding response: %w", err)
	}

	return parseBindingResponse(buf[:n], txID)
}

// LocalAddr reports the socket's bound address. The IP is the wildcard
// address until the caller substitutes an interface address.
func (c *StunClient) LocalAddr() netip.AddrPort {
	if c.conn == nil {
		return netip.AddrPort{}
	}
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// IntoSocket consumes the client and hands the bound socket to the hole
// puncher. The client is unusable afterwards: Query and LocalAddr fail,
// Close becomes a no-op.
func (c *StunClient) IntoSocket() *net.UDPConn {
	conn := c.conn
	c.conn = nil
	return conn
}

// Close releases the socket unless IntoSocket already transferred it.
func (c *StunClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func buildBindingRequest(txID [12]byte) []byte {
	msg := make([]byte, stunHeaderLen)
	binary.BigEndian.PutUint16(msg[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], txID[:])
	return msg
}

func parseBindingResponse(data []byte, txID [12]byte) (netip.AddrPort, error) {
	if len(data) < stunHeaderLen {
		return netip.AddrPort{}, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if t := binary.BigEndian.Uint16(data[0:2]); t != stunBindingResponse {
		return netip.AddrPort{}, fmt.Errorf("unexpected message type: 0x%04x", t)
	}
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != stunMagicCookie {
		return netip.AddrPort{}, fmt.Errorf("invalid magic cookie")
	}
	if !bytes.Equal(data[8:20], txID[:]) {
		return netip.AddrPort{}, fmt.Errorf("transaction id mismatch")
	}

	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < stunHeaderLen+msgLen {
		return netip.AddrPort{}, fmt.Errorf("response truncated")
	}

	offset := stunHeaderLen
	for offset+4 <= stunHeaderLen+msgLen {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+attrLen > len(data) {
			return netip.AddrPort{}, fmt.Errorf("truncated attribute 0x%04x", attrType)
		}
		value := data[offset : offset+attrLen]

		switch attrType {
		case attrXORMappedAddress:
			return parseXORMappedAddress(value, txID)
		case attrMappedAddress:
			return parseMappedAddress(value)
		}

		// Attributes are padded to 4-byte boundaries.
		offset += (attrLen + 3) &^ 3
	}

	return netip.AddrPort{}, fmt.Errorf("no mapped address attribute in response")
}

func parseXORMappedAddress(data []byte, txID [12]byte) (netip.AddrPort, error) {
	if len(data) < 8 {
		return netip.AddrPort{}, fmt.Errorf("xor-mapped-address too short")
	}
	port := binary.BigEndian.Uint16(data[2:4]) ^ uint16(stunMagicCookie>>16)

	switch family := data[1]; family {
	case 0x01: // IPv4: address XORed with the magic cookie
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], binary.BigEndian.Uint32(data[4:8])^stunMagicCookie)
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil
	case 0x02: // IPv6: address XORed with cookie || transaction ID
		if len(data) < 20 {
			return netip.AddrPort{}, fmt.Errorf("xor-mapped-address too short for ipv6")
		}
		var key [16]byte
		binary.BigEndian.PutUint32(key[0:4], stunMagicCookie)
		copy(key[4:16], txID[:])
		var ip [16]byte
		for i := range ip {
			ip[i] = data[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unknown address family: %d", family)
	}
}

func parseMappedAddress(data []byte) (netip.AddrPort, error) {
	if len(data) < 8 {
		return netip.AddrPort{}, fmt.Errorf("mapped-address too short")
	}
	port := binary.BigEndian.Uint16(data[2:4])

	switch family := data[1]; family {
	case 0x01:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(data[4:8])), port), nil
	case 0x02:
		if len(data) < 20 {
			return netip.AddrPort{}, fmt.Errorf("mapped-address too short for ipv6")
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(data[4:20])), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unknown address family: %d", family)
	}
}
