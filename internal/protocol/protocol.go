// Package protocol defines the JSON messages exchanged with the rendezvous
// broker. One message per WebSocket text frame, discriminated by the "type"
// field. Unknown fields and unknown type values are ignored on receive so
// that older clients keep working against newer brokers.
package protocol

// Message type discriminators.
const (
	TypeRegister      = "register"
	TypeRegisterAck   = "register_ack"
	TypeOffer         = "offer"
	TypeForwardOffer  = "forward_offer"
	TypeOfferResponse = "offer_response"
	TypeKeepalive     = "keepalive"
	TypeError         = "error"
)

// Message is the union of all broker message variants. Fields outside the
// active variant stay at their zero value and are elided when encoding.
type Message struct {
	Type string `json:"type"`

	// register, offer: sender's identity.
	Fingerprint string `json:"fingerprint,omitempty"`

	// register_ack, offer_response: outcome flag and detail.
	// error: detail only.
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	// offer: who the candidates are for.
	TargetFingerprint string `json:"target_fingerprint,omitempty"`

	// forward_offer: who the candidates came from.
	FromFingerprint string `json:"from_fingerprint,omitempty"`

	// offer, forward_offer: the candidate set and rendezvous nonce.
	ExternalIP   string `json:"external_ip,omitempty"`
	ExternalPort uint16 `json:"external_port,omitempty"`
	LocalIP      string `json:"local_ip,omitempty"`
	LocalPort    uint16 `json:"local_port,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
}

// Known reports whether t is a message type this client understands.
// Unknown types are skipped by receivers, never treated as errors.
func Known(t string) bool {
	switch t {
	case TypeRegister, TypeRegisterAck, TypeOffer, TypeForwardOffer,
		TypeOfferResponse, TypeKeepalive, TypeError:
		return true
	}
	return false
}
