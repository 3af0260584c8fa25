package device

import (
	"testing"
	"time"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/discovery"
	"github.com/alpinelight/alpine/pkg/envelope"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	creds, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	d, err := New(Config{
		Identity:     envelope.DeviceIdentity{DeviceID: "strip-1"},
		Capabilities: envelope.CapabilitySet{"dimming"},
		Credentials:  creds,
	})
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("device without credentials should fail")
	}
}

func TestIdentityPublicKeyFilled(t *testing.T) {
	d := newDevice(t)
	if len(d.cfg.Identity.PublicKey) == 0 {
		t.Fatal("identity public key not filled from credentials")
	}
}

func TestDiscoveryDatagram(t *testing.T) {
	d := newDevice(t)

	req, err := discovery.BuildRequest(nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	data, err := envelope.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replies := make(chan []byte, 1)
	d.HandleDatagram(data, func(b []byte) error { replies <- b; return nil })

	select {
	case raw := <-replies:
		var reply envelope.DiscoveryReply
		if err := envelope.Decode(raw, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if err := discovery.VerifyReply(&reply, req.Nonce, nil); err != nil {
			t.Fatalf("verify reply: %v", err)
		}
		if reply.Identity.DeviceID != "strip-1" {
			t.Fatalf("device_id = %q", reply.Identity.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("no discovery reply")
	}
}

func TestGarbageDatagramsDroppedSilently(t *testing.T) {
	d := newDevice(t)

	sent := 0
	send := func([]byte) error { sent++; return nil }

	d.HandleDatagram(nil, send)
	d.HandleDatagram([]byte{0xff, 0x00, 0x13}, send)
	d.HandleDatagram([]byte("plain text"), send)

	// A well-formed envelope of an unknown type is tolerated and dropped.
	unknown, err := envelope.Encode(map[string]string{"type": "future_thing"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.HandleDatagram(unknown, send)

	// Control traffic for a session that does not exist is dropped too.
	ctl, err := envelope.Encode(&envelope.Control{
		Type:      envelope.TypeControl,
		SessionID: make([]byte, envelope.SessionIDSize),
		Seq:       1,
		Op:        "get_info",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.HandleDatagram(ctl, send)

	if sent != 0 {
		t.Fatalf("garbage produced %d responses, want 0", sent)
	}
	if d.Sessions() != 0 {
		t.Fatalf("garbage created %d sessions", d.Sessions())
	}
}

func TestMalformedInitRejected(t *testing.T) {
	d := newDevice(t)

	sent := 0
	send := func([]byte) error { sent++; return nil }

	// Truncated nonce and ephemeral key.
	init, err := envelope.Encode(&envelope.SessionInit{
		Type:         envelope.TypeSessionInit,
		SessionID:    make([]byte, envelope.SessionIDSize),
		Nonce:        []byte{1, 2, 3},
		EphemeralPub: []byte{4, 5},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d.HandleDatagram(init, send)

	if sent != 0 {
		t.Fatal("malformed session_init got a response")
	}
	if d.Sessions() != 0 {
		t.Fatal("malformed session_init created a session")
	}
}
