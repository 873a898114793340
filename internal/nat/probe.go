package nat

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Wire layout of a hole-punch probe, 78 bytes fixed, big-endian:
// "PNPL" (4) | nonce (8) | tcp port (2) | Ed25519 signature (64).
const (
	probeMagic      = "PNPL"
	probeLen        = 78
	signaturePrefix = "PINEAPPLE_PROBE"
)

// Probe is an authenticated UDP hole-punch datagram. The signature covers
// the canonical tuple "PINEAPPLE_PROBE" || nonce || tcp port (big-endian),
// not the wire bytes; magic and signature stay outside the signed message.
type Probe struct {
	Nonce     uint64
	TCPPort   uint16
	Signature [ed25519.SignatureSize]byte
}

// NewProbe builds a probe advertising tcpPort, signed with key. The nonce
// comes from crypto/rand.
func NewProbe(tcpPort uint16, key ed25519.PrivateKey) (Probe, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Probe{}, fmt.Errorf("generating nonce: %w", err)
	}
	p := Probe{Nonce: nonce, TCPPort: tcpPort}
	copy(p.Signature[:], ed25519.Sign(key, signedMessage(p.Nonce, p.TCPPort)))
	return p, nil
}

// Marshal serialises the probe into its fixed 78-byte wire form.
func (p Probe) Marshal() []byte {
	buf := make([]byte, 0, probeLen)
	buf = append(buf, probeMagic...)
	buf = binary.BigEndian.AppendUint64(buf, p.Nonce)
	buf = binary.BigEndian.AppendUint16(buf, p.TCPPort)
	buf = append(buf, p.Signature[:]...)
	return buf
}

// ParseProbe decodes a datagram. It fails on wrong length or magic. The
// signature travels opaquely and is checked separately by Verify, because
// the sender's key is not known at parse time.
func ParseProbe(data []byte) (Probe, error) {
	if len(data) != probeLen {
		return Probe{}, fmt.Errorf("invalid probe length: %d", len(data))
	}
	if string(data[0:4]) != probeMagic {
		return Probe{}, fmt.Errorf("invalid probe magic")
	}
	var p Probe
	p.Nonce = binary.BigEndian.Uint64(data[4:12])
	p.TCPPort = binary.BigEndian.Uint16(data[12:14])
	copy(p.Signature[:], data[14:probeLen])
	return p, nil
}

// Verify checks the probe signature against the sender's verifying key.
func (p Probe) Verify(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid verifying key length: %d", len(pub))
	}
	if !ed25519.Verify(pub, signedMessage(p.Nonce, p.TCPPort), p.Signature[:]) {
		return fmt.Errorf("invalid probe signature")
	}
	return nil
}

func signedMessage(nonce uint64, tcpPort uint16) []byte {
	msg := make([]byte, 0, len(signaturePrefix)+10)
	msg = append(msg, signaturePrefix...)
	msg = binary.BigEndian.AppendUint64(msg, nonce)
	msg = binary.BigEndian.AppendUint16(msg, tcpPort)
	return msg
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
