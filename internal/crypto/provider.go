package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the primitives used by the session layer.
const (
	NonceSize  = 32                         // handshake nonce
	KeySize    = chacha20poly1305.KeySize   // derived directional key
	AEADNonce  = chacha20poly1305.NonceSize // AEAD nonce
	TagSize    = chacha20poly1305.Overhead  // AEAD tag
	X25519Size = 32
)

// GenerateNonce returns a fresh 32-byte random nonce.
func GenerateNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// GenerateEphemeral creates a single-use X25519 keypair for a handshake.
func GenerateEphemeral() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return priv, nil
}

// SharedSecret computes the X25519 shared secret between our ephemeral
// private key and the peer's ephemeral public key.
func SharedSecret(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("parse peer key: %w", err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return shared, nil
}

// DeriveKey expands a directional symmetric key from the shared secret via
// HKDF-SHA256, salted with the handshake transcript hash. Distinct info
// strings per direction keep tx and rx keys independent, which prevents a
// peer from reflecting our own traffic back at us.
func DeriveKey(secret, transcript []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, transcript, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// NewAEAD constructs a ChaCha20-Poly1305 cipher for a derived key.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return aead, nil
}

// Zero wipes key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
