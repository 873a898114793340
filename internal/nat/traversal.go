// Package nat establishes a direct TCP stream between two peers that know
// only each other's fingerprints. The pipeline rendezvouses through a
// WebSocket broker, discovers the reflexive address via STUN, punches UDP
// holes with signed probes, and finishes with a TCP simultaneous open.
package nat

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Config carries everything one traversal run needs. Construct the
// pipeline through New, which validates it.
type Config struct {
	// SignallingURL is the broker endpoint, wss://host:port.
	SignallingURL string

	// STUNServerAddr is the host:port of the STUN server.
	STUNServerAddr string

	// LocalFingerprint identifies this endpoint to the broker.
	LocalFingerprint string

	// SigningKey signs outgoing hole-punch probes.
	SigningKey ed25519.PrivateKey

	// TCPPort is the local TCP port advertised to the peer and bound for
	// the simultaneous open; zero reserves an ephemeral port during hole
	// punching.
	TCPPort uint16

	// PeerVerifyingKey, when set, gates inbound probes on signature
	// verification. Nil accepts any well-formed probe.
	PeerVerifyingKey ed25519.PublicKey

	// TLSConfig configures the signalling TLS client. Nil accepts
	// self-signed broker certificates, the usual development posture.
	TLSConfig *tls.Config

	// PunchTimeout and ConnectTimeout default to 30s and 10s.
	PunchTimeout   time.Duration
	ConnectTimeout time.Duration

	// OnStateChange, when set, observes every state transition.
	OnStateChange func(ConnectionState)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Traversal owns one run of the NAT traversal pipeline. It is single-use:
// a completed or failed run leaves it terminal, and a retry constructs a
// fresh instance.
type Traversal struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	state   ConnectionState
	started bool
	failure error
}

// New validates cfg and returns an idle pipeline.
func New(cfg Config) (*Traversal, error) {
	if cfg.SignallingURL == "" {
		return nil, fmt.Errorf("%w: signalling_url", ErrInvalidConfiguration)
	}
	if cfg.STUNServerAddr == "" {
		return nil, fmt.Errorf("%w: stun_server_addr", ErrInvalidConfiguration)
	}
	if _, _, err := net.SplitHostPort(cfg.STUNServerAddr); err != nil {
		return nil, fmt.Errorf("%w: stun_server_addr", ErrInvalidConfiguration)
	}
	if cfg.LocalFingerprint == "" {
		return nil, fmt.Errorf("%w: local_fingerprint", ErrInvalidConfiguration)
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signing_key", ErrInvalidConfiguration)
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.PunchTimeout <= 0 {
		cfg.PunchTimeout = DefaultPunchTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Traversal{cfg: cfg, log: cfg.Logger, state: StateIdle}, nil
}

// State reports the pipeline's current phase.
func (t *Traversal) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal failure, if any.
func (t *Traversal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Initiator reports whether this endpoint takes the initiator role for the
// session running over the established stream. The lexicographically
// smaller fingerprint initiates, so both sides agree without negotiating.
func (t *Traversal) Initiator(peerFingerprint string) bool {
	return t.cfg.LocalFingerprint < peerFingerprint
}

func (t *Traversal) setState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.Debug("state transition", "state", s.String())
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(s)
	}
}

// Connect runs the full pipeline against peerFingerprint and returns the
// established stream, a blocking TCP connection owned by the caller. The
// signalling connection is closed before control returns on both the
// success and failure paths. ctx is consulted at phase boundaries; the
// phases themselves run under absolute deadlines measured from phase
// entry.
func (t *Traversal) Connect(ctx context.Context, peerFingerprint string) (net.Conn, error) {
	if peerFingerprint == "" || peerFingerprint == t.cfg.LocalFingerprint {
		return nil, fmt.Errorf("%w: fingerprint", ErrInvalidConfiguration)
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: traversal already run", ErrInvalidConfiguration)
	}
	t.started = true
	t.mu.Unlock()

	conn, err := t.connect(ctx, peerFingerprint)
	if err != nil {
		t.mu.Lock()
		t.failure = err
		t.mu.Unlock()
		t.setState(StateFailed)
		return nil, err
	}
	t.setState(StateConnected)
	return conn, nil
}

func (t *Traversal) connect(ctx context.Context, peerFingerprint string) (net.Conn, error) {
	t.setState(StateConnectingSignalling)
	signalling, err := DialSignalling(t.cfg.SignallingURL, t.cfg.TLSConfig, t.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignallingConnectionFailed, err)
	}
	defer signalling.Close()

	t.setState(StateRegistering)
	if err := signalling.Register(t.cfg.LocalFingerprint); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.setState(StateStunDiscovery)
	stun, err := NewStunClient(t.cfg.STUNServerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStunFailed, err)
	}
	defer stun.Close()

	external, err := stun.Query()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStunFailed, err)
	}
	local := stun.LocalAddr()
	if local.Addr().IsUnspecified() {
		if ip, ok := localIPv4(); ok {
			local = netip.AddrPortFrom(ip, local.Port())
		}
	}
	t.log.Info("nat discovery complete", "external", external, "local", local)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.setState(StateSendingOffer)
	peer, err := signalling.SendOffer(peerFingerprint, external, local)
	if err != nil {
		return nil, fmt.Errorf("exchanging offers: %w", err)
	}
	t.log.Info("received peer candidates",
		"peer", peer.Fingerprint,
		"external", peer.ExternalAddr,
		"local", peer.LocalAddr,
		"nonce", peer.Nonce)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.setState(StateUDPHolePunching)
	socket := stun.IntoSocket()
	defer socket.Close()
	puncher, err := NewHolePuncher(socket, t.cfg.SigningKey, t.cfg.PeerVerifyingKey, t.log)
	if err != nil {
		return nil, fmt.Errorf("hole punching: %w", err)
	}
	candidates := []netip.AddrPort{peer.ExternalAddr, peer.LocalAddr}
	punched, err := puncher.Punch(candidates, t.cfg.TCPPort, t.cfg.PunchTimeout)
	if err != nil {
		return nil, fmt.Errorf("hole punching: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.setState(StateTCPConnecting)
	peerTCP := netip.AddrPortFrom(peer.ExternalAddr.Addr(), punched.PeerTCPPort)
	conn, err := SimultaneousOpen(punched.LocalTCPPort, peerTCP, t.cfg.ConnectTimeout, t.log)
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}
	return conn, nil
}
