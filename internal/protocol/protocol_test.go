package protocol

import (
	"encoding/json"
	"testing"
)

func TestKnown(t *testing.T) {
	for _, known := range []string{
		TypeRegister, TypeRegisterAck, TypeOffer, TypeForwardOffer,
		TypeOfferResponse, TypeKeepalive, TypeError,
	} {
		if !Known(known) {
			t.Errorf("Known(%q) = false", known)
		}
	}
	for _, unknown := range []string{"", "motd", "REGISTER", "offer2"} {
		if Known(unknown) {
			t.Errorf("Known(%q) = true", unknown)
		}
	}
}

func TestMessageIgnoresUnknownFields(t *testing.T) {
	// Newer brokers may add fields; decoding must not reject them.
	raw := `{"type":"forward_offer","from_fingerprint":"bob",
		"external_ip":"203.0.113.5","external_port":9000,
		"local_ip":"10.1.2.3","local_port":9001,"nonce":42,
		"relay_hint":"fra1","priority":7}`

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeForwardOffer || msg.FromFingerprint != "bob" {
		t.Errorf("decoded %+v", msg)
	}
	if msg.ExternalPort != 9000 || msg.Nonce != 42 {
		t.Errorf("numeric fields wrong: %+v", msg)
	}
}

func TestMessageEncodingElidesInactiveFields(t *testing.T) {
	data, err := json.Marshal(&Message{Type: TypeRegister, Fingerprint: "alice"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"register","fingerprint":"alice"}` {
		t.Errorf("register frame = %s", data)
	}
}
