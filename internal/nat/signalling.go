package nat

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pineapple-p2p/pineapple/internal/protocol"
)

const (
	signallingHandshakeTimeout = 10 * time.Second
	signallingWriteTimeout     = 10 * time.Second
	signallingCloseTimeout     = time.Second
)

// SignallingClient talks to the rendezvous broker over WebSocket with TLS.
// The broker is trusted for identifier-keyed routing only; it never carries
// application data.
type SignallingClient struct {
	ws          *websocket.Conn
	fingerprint string
	log         *slog.Logger
}

// DialSignalling opens the TCP connection, negotiates TLS and upgrades to
// WebSocket. Brokers commonly run with self-signed certificates during
// development, so certificate verification is whatever tlsConfig says
// (nil means library defaults, which verify).
func DialSignalling(url string, tlsConfig *tls.Config, logger *slog.Logger) (*SignallingClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: signallingHandshakeTimeout,
	}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &SignallingClient{ws: ws, log: logger}, nil
}

// Register claims fingerprint with the broker and waits for the ack.
func (c *SignallingClient) Register(fingerprint string) error {
	if err := c.send(&protocol.Message{
		Type:        protocol.TypeRegister,
		Fingerprint: fingerprint,
	}); err != nil {
		return err
	}

	for {
		reply, err := c.receive()
		if err != nil {
			return err
		}
		switch reply.Type {
		case protocol.TypeRegisterAck:
			if !reply.Success {
				return fmt.Errorf("%w: %s", ErrRegistrationFailed, reply.Message)
			}
			c.fingerprint = fingerprint
			return nil
		case protocol.TypeKeepalive:
			// Brokers may heartbeat at any time.
		case protocol.TypeError:
			return fmt.Errorf("broker error: %s", reply.Message)
		default:
			return fmt.Errorf("%w: unexpected %q during registration", ErrProtocolViolation, reply.Type)
		}
	}
}

// SendOffer publishes our candidate set for target and blocks until the
// broker forwards the peer's offer back. The first forward_offer on the
// socket is taken as the peer's; offers and forwards are not correlated by
// nonce, the broker is trusted to route by identifier.
func (c *SignallingClient) SendOffer(target string, external, local netip.AddrPort) (*PeerInfo, error) {
	if c.fingerprint == "" {
		return nil, fmt.Errorf("%w: offer before registration", ErrProtocolViolation)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generating offer nonce: %w", err)
	}

	if err := c.send(&protocol.Message{
		Type:              protocol.TypeOffer,
		TargetFingerprint: target,
		ExternalIP:        external.Addr().String(),
		ExternalPort:      external.Port(),
		LocalIP:           local.Addr().String(),
		LocalPort:         local.Port(),
		Nonce:             nonce,
		Fingerprint:       c.fingerprint,
	}); err != nil {
		return nil, err
	}

	for {
		reply, err := c.receive()
		if err != nil {
			return nil, err
		}
		switch reply.Type {
		case protocol.TypeForwardOffer:
			externalAddr, err := parseAddrPort(reply.ExternalIP, reply.ExternalPort)
			if err != nil {
				return nil, fmt.Errorf("peer external address: %w", err)
			}
			localAddr, err := parseAddrPort(reply.LocalIP, reply.LocalPort)
			if err != nil {
				return nil, fmt.Errorf("peer local address: %w", err)
			}
			return &PeerInfo{
				Fingerprint:  reply.FromFingerprint,
				ExternalAddr: externalAddr,
				LocalAddr:    localAddr,
				Nonce:        reply.Nonce,
			}, nil
		case protocol.TypeError:
			return nil, fmt.Errorf("broker error: %s", reply.Message)
		default:
			// offer_response and keepalive carry no peer info; keep
			// waiting for the forward.
		}
	}
}

// Close performs the closing handshake best-effort and drops the
// connection.
func (c *SignallingClient) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(signallingCloseTimeout))
	return c.ws.Close()
}

func (c *SignallingClient) send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(signallingWriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	return nil
}

// receive returns the next text frame carrying a known message type.
// Binary frames and unknown types are skipped; pings are answered with
// pongs by the transport's default ping handler during the read.
func (c *SignallingClient) receive() (*protocol.Message, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading from broker: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decoding broker message: %w", err)
		}
		if !protocol.Known(msg.Type) {
			c.log.Debug("skipping unknown signalling message", "type", msg.Type)
			continue
		}
		return &msg, nil
	}
}

func parseAddrPort(ip string, port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}
