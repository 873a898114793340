package integration

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/pineapple-p2p/pineapple/internal/protocol"
)

// testBroker is an in-process rendezvous broker implementing the wire
// contract the signalling client expects: register/register_ack, offer
// routing by target fingerprint, and queueing of offers whose target has
// not registered yet. It serves over TLS with a self-signed certificate,
// matching the development posture of real deployments.
type testBroker struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	peers   map[string]*brokerPeer
	pending map[string][]protocol.Message
	denied  map[string]string
}

type brokerPeer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (p *brokerPeer) send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{
		t:       t,
		peers:   make(map[string]*brokerPeer),
		pending: make(map[string][]protocol.Message),
		denied:  make(map[string]string),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.handle(ws)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// URL returns the broker's wss:// endpoint.
func (b *testBroker) URL() string {
	return "wss" + strings.TrimPrefix(b.srv.URL, "https")
}

// deny makes registration of fingerprint fail with reason.
func (b *testBroker) deny(fingerprint, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[fingerprint] = reason
}

func (b *testBroker) handle(ws *websocket.Conn) {
	defer ws.Close()
	var self *brokerPeer
	var fingerprint string

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if fingerprint != "" {
				b.mu.Lock()
				delete(b.peers, fingerprint)
				b.mu.Unlock()
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeRegister:
			b.mu.Lock()
			reason, isDenied := b.denied[msg.Fingerprint]
			b.mu.Unlock()
			if isDenied {
				reply, _ := json.Marshal(protocol.Message{
					Type:    protocol.TypeRegisterAck,
					Success: false,
					Message: reason,
				})
				ws.WriteMessage(websocket.TextMessage, reply)
				continue
			}

			fingerprint = msg.Fingerprint
			self = &brokerPeer{ws: ws}
			b.mu.Lock()
			b.peers[fingerprint] = self
			queued := b.pending[fingerprint]
			delete(b.pending, fingerprint)
			b.mu.Unlock()

			self.send(protocol.Message{Type: protocol.TypeRegisterAck, Success: true, Message: "registered"})
			for _, fwd := range queued {
				self.send(fwd)
			}

		case protocol.TypeOffer:
			forward := protocol.Message{
				Type:            protocol.TypeForwardOffer,
				FromFingerprint: msg.Fingerprint,
				ExternalIP:      msg.ExternalIP,
				ExternalPort:    msg.ExternalPort,
				LocalIP:         msg.LocalIP,
				LocalPort:       msg.LocalPort,
				Nonce:           msg.Nonce,
			}
			b.mu.Lock()
			target := b.peers[msg.TargetFingerprint]
			if target == nil {
				b.pending[msg.TargetFingerprint] = append(b.pending[msg.TargetFingerprint], forward)
			}
			b.mu.Unlock()
			if target != nil {
				target.send(forward)
			}
			if self != nil {
				self.send(protocol.Message{Type: protocol.TypeOfferResponse, Success: true})
			}
		}
	}
}

// STUN wire constants, mirrored from the client for response assembly.
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	attrXORMappedAddr   = 0x0020
)

// startTestSTUNServer answers binding requests with the sender's observed
// address, XOR-mapped, and returns its host:port.
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
			if n < 20 || binary.BigEndian.Uint16(buf[0:2]) != stunBindingRequest {
				continue
			}

			addr := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			ip := addr.Addr().As4()
			value := []byte{0, 0x01}
			value = binary.BigEndian.AppendUint16(value, addr.Port()^uint16(stunMagicCookie>>16))
			var key [4]byte
			binary.BigEndian.PutUint32(key[:], stunMagicCookie)
			for i := range ip {
				value = append(value, ip[i]^key[i])
			}

			resp := make([]byte, 20)
			binary.BigEndian.PutUint16(resp[0:2], stunBindingResponse)
			binary.BigEndian.PutUint16(resp[2:4], uint16(4+len(value)))
			binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
			copy(resp[8:20], buf[8:20])
			resp = binary.BigEndian.AppendUint16(resp, attrXORMappedAddr)
			resp = binary.BigEndian.AppendUint16(resp, uint16(len(value)))
			resp = append(resp, value...)

			conn.WriteToUDPAddrPort(resp, from)
		}
	}()
	return conn.LocalAddr().String()
}
