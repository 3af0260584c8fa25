package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestGenerateNonce(t *testing.T) {
	a, err := GenerateNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	b, err := GenerateNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if len(a) != NonceSize || len(b) != NonceSize {
		t.Fatalf("nonce sizes %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatal("two nonces were identical")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	bob, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}

	ab, err := SharedSecret(alice, bob.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	ba, err := SharedSecret(bob, alice.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets disagree")
	}

	if _, err := SharedSecret(alice, []byte{1, 2, 3}); err == nil {
		t.Fatal("truncated public key should be rejected")
	}
}

func TestDeriveKeyDirectionsDistinct(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, KeySize)
	salt := bytes.Repeat([]byte{0x07}, 32)

	c2d, err := DeriveKey(secret, salt, "controller to device")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	d2c, err := DeriveKey(secret, salt, "device to controller")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(c2d) != KeySize || len(d2c) != KeySize {
		t.Fatalf("key sizes %d, %d", len(c2d), len(d2c))
	}
	if bytes.Equal(c2d, d2c) {
		t.Fatal("directional keys are identical")
	}

	// Same inputs derive the same key on both ends.
	again, err := DeriveKey(secret, salt, "controller to device")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(c2d, again) {
		t.Fatal("derivation is not deterministic")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	nonce := make([]byte, AEADNonce)
	aad := []byte("envelope bytes")

	tag := aead.Seal(nil, nonce, nil, aad)
	if len(tag) != TagSize {
		t.Fatalf("tag size = %d, want %d", len(tag), TagSize)
	}
	if _, err := aead.Open(nil, nonce, tag, aad); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := aead.Open(nil, nonce, tag, []byte("other bytes")); err == nil {
		t.Fatal("tag verified against different aad")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := SaveIdentity(path, id); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || !got.PublicKey.Equal(id.PublicKey) {
		t.Fatal("loaded identity does not match")
	}

	missing, err := LoadIdentity(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || missing != nil {
		t.Fatalf("missing identity = %v, %v, want nil, nil", missing, err)
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("handshake transcript")
	sig := id.Sign(msg)
	if !Verify(id.PublicKey, msg, sig) {
		t.Fatal("signature did not verify")
	}
	sig[0] ^= 0xff
	if Verify(id.PublicKey, msg, sig) {
		t.Fatal("tampered signature verified")
	}
}
