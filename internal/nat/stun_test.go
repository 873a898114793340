package nat

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
)

// appendAttr appends one TLV attribute with 4-byte padding.
func appendAttr(msg []byte, attrType uint16, value []byte) []byte {
	msg = binary.BigEndian.AppendUint16(msg, attrType)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(value)))
	msg = append(msg, value...)
	for len(value)%4 != 0 {
		msg = append(msg, 0)
		value = append(value, 0)
	}
	return msg
}

// bindingResponse assembles a binding response with the given attributes.
func bindingResponse(txID [12]byte, attrs []byte) []byte {
	msg := make([]byte, stunHeaderLen)
	binary.BigEndian.PutUint16(msg[0:2], stunBindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attrs)))
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], txID[:])
	return append(msg, attrs...)
}

// xorMappedValue encodes an XOR-MAPPED-ADDRESS attribute value.
func xorMappedValue(addr netip.AddrPort, txID [12]byte) []byte {
	value := []byte{0}
	port := addr.Port() ^ uint16(stunMagicCookie>>16)
	if addr.Addr().Is4() {
		value = append(value, 0x01)
		value = binary.BigEndian.AppendUint16(value, port)
		ip := addr.Addr().As4()
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], stunMagicCookie)
		for i := range ip {
			value = append(value, ip[i]^key[i])
		}
		return value
	}
	value = append(value, 0x02)
	value = binary.BigEndian.AppendUint16(value, port)
	ip := addr.Addr().As16()
	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], stunMagicCookie)
	copy(key[4:16], txID[:])
	for i := range ip {
		value = append(value, ip[i]^key[i])
	}
	return value
}

func TestBuildBindingRequest(t *testing.T) {
	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	req := buildBindingRequest(txID)

	if len(req) != stunHeaderLen {
		t.Fatalf("request length = %d, want %d", len(req), stunHeaderLen)
	}
	if got := binary.BigEndian.Uint16(req[0:2]); got != stunBindingRequest {
		t.Errorf("message type = 0x%04x, want 0x%04x", got, stunBindingRequest)
	}
	if got := binary.BigEndian.Uint16(req[2:4]); got != 0 {
		t.Errorf("message length = %d, want 0", got)
	}
	if got := binary.BigEndian.Uint32(req[4:8]); got != stunMagicCookie {
		t.Errorf("magic cookie = 0x%08x", got)
	}
	if string(req[8:20]) != string(txID[:]) {
		t.Errorf("transaction id not echoed into request")
	}
}

func TestParseBindingResponseXORMappedIPv4(t *testing.T) {
	txID := [12]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8}
	want := netip.MustParseAddrPort("203.0.113.7:54321")

	resp := bindingResponse(txID, appendAttr(nil, attrXORMappedAddress, xorMappedValue(want, txID)))
	got, err := parseBindingResponse(resp, txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if got != want {
		t.Errorf("decoded %v, want %v", got, want)
	}
}

func TestParseBindingResponseXORMappedIPv6(t *testing.T) {
	txID := [12]byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 0xaa, 0xbb}
	want := netip.MustParseAddrPort("[2001:db8::42]:4242")

	resp := bindingResponse(txID, appendAttr(nil, attrXORMappedAddress, xorMappedValue(want, txID)))
	got, err := parseBindingResponse(resp, txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if got != want {
		t.Errorf("decoded %v, want %v", got, want)
	}
}

func TestParseBindingResponseMappedFallback(t *testing.T) {
	txID := [12]byte{1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6}
	value := []byte{0, 0x01}
	value = binary.BigEndian.AppendUint16(value, 8080)
	value = append(value, 192, 0, 2, 99)

	resp := bindingResponse(txID, appendAttr(nil, attrMappedAddress, value))
	got, err := parseBindingResponse(resp, txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.99:8080"); got != want {
		t.Errorf("decoded %v, want %v", got, want)
	}
}

func TestParseBindingResponseRejections(t *testing.T) {
	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	good := bindingResponse(txID, appendAttr(nil, attrXORMappedAddress,
		xorMappedValue(netip.MustParseAddrPort("198.51.100.1:1000"), txID)))

	t.Run("too short", func(t *testing.T) {
		if _, err := parseBindingResponse(good[:19], txID); err == nil {
			t.Error("accepted truncated header")
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		bad := append([]byte{}, good...)
		binary.BigEndian.PutUint16(bad[0:2], stunBindingRequest)
		if _, err := parseBindingResponse(bad, txID); err == nil {
			t.Error("accepted a binding request as a response")
		}
	})

	t.Run("wrong cookie", func(t *testing.T) {
		bad := append([]byte{}, good...)
		binary.BigEndian.PutUint32(bad[4:8], 0x12345678)
		if _, err := parseBindingResponse(bad, txID); err == nil {
			t.Error("accepted wrong magic cookie")
		}
	})

	t.Run("transaction id mismatch", func(t *testing.T) {
		other := txID
		other[0] ^= 0xff
		if _, err := parseBindingResponse(good, other); err == nil {
			t.Error("accepted mismatched transaction id")
		}
	})

	t.Run("truncated attribute", func(t *testing.T) {
		// Header claims 12 bytes of attributes but the value is cut off.
		bad := append([]byte{}, good[:stunHeaderLen+6]...)
		if _, err := parseBindingResponse(bad, txID); err == nil {
			t.Error("accepted truncated attribute")
		}
	})

	t.Run("unknown family", func(t *testing.T) {
		value := []byte{0, 0x07}
		value = binary.BigEndian.AppendUint16(value, 1)
		value = append(value, 1, 2, 3, 4)
		bad := bindingResponse(txID, appendAttr(nil, attrXORMappedAddress, value))
		if _, err := parseBindingResponse(bad, txID); err == nil {
			t.Error("accepted unknown address family")
		}
	})

	t.Run("no address attribute", func(t *testing.T) {
		// An unrecognised attribute alone yields no address.
		bad := bindingResponse(txID, appendAttr(nil, 0x8022, []byte("test server")))
		if _, err := parseBindingResponse(bad, txID); err == nil {
			t.Error("accepted response without mapped address")
		}
	})
}

func TestParseBindingResponseSkipsUnknownAttributes(t *testing.T) {
	txID := [12]byte{0xca, 0xfe, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	want := netip.MustParseAddrPort("203.0.113.200:2222")

	// SOFTWARE (0x8022, odd length to exercise padding) then the address.
	attrs := appendAttr(nil, 0x8022, []byte("stund"))
	attrs = appendAttr(attrs, attrXORMappedAddress, xorMappedValue(want, txID))

	got, err := parseBindingResponse(bindingResponse(txID, attrs), txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if got != want {
		t.Errorf("decoded %v, want %v", got, want)
	}
}

// startTestSTUNServer answers binding requests on a loopback socket with
// the sender's own address, XOR-mapped.
func startTestSTUNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding stun server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if n < stunHeaderLen || binary.BigEndian.Uint16(buf[0:2]) != stunBindingRequest {
				continue
			}
			var txID [12]byte
			copy(txID[:], buf[8:20])
			addr := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			resp := bindingResponse(txID, appendAttr(nil, attrXORMappedAddress, xorMappedValue(addr, txID)))
			conn.WriteToUDPAddrPort(resp, from)
		}
	}()
	return conn.LocalAddr().String()
}

func TestStunClientQuery(t *testing.T) {
	server := startTestSTUNServer(t)

	client, err := NewStunClient(server)
	if err != nil {
		t.Fatalf("NewStunClient: %v", err)
	}
	defer client.Close()

	external, err := client.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	local := client.LocalAddr()

	// Loopback has no NAT: the reflexive port is the bound port.
	if external.Port() != local.Port() {
		t.Errorf("external port %d != local port %d", external.Port(), local.Port())
	}
	if external.Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("external addr = %v, want 127.0.0.1", external.Addr())
	}
}

func TestStunClientIntoSocketConsumes(t *testing.T) {
	server := startTestSTUNServer(t)

	client, err := NewStunClient(server)
	if err != nil {
		t.Fatalf("NewStunClient: %v", err)
	}
	local := client.LocalAddr()

	socket := client.IntoSocket()
	if socket == nil {
		t.Fatal("IntoSocket returned nil")
	}
	defer socket.Close()

	if got := socket.LocalAddr().(*net.UDPAddr).AddrPort(); got != local {
		t.Errorf("transferred socket bound to %v, client reported %v", got, local)
	}
	if _, err := client.Query(); err == nil {
		t.Error("Query succeeded after IntoSocket")
	}
	if client.IntoSocket() != nil {
		t.Error("second IntoSocket returned a socket")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close after transfer: %v", err)
	}
}
