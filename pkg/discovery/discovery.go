// Package discovery implements the signed identification exchange that
// supplies a verified DeviceIdentity before a handshake may begin. It is a
// single request/reply with no state machine: the controller sends a
// nonce, the device answers with its identity and capabilities signed by
// its long-term key over that nonce.
package discovery

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/transport"
)

// BuildRequest assembles a discovery request with a fresh nonce.
func BuildRequest(requested []string) (*envelope.DiscoveryRequest, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	return &envelope.DiscoveryRequest{
		Type:      envelope.TypeDiscoveryRequest,
		Nonce:     nonce,
		Requested: requested,
	}, nil
}

// BuildReply answers a request on the device side, signing the canonical
// reply (with the signature field absent) using the device's long-term
// identity. Capabilities are filtered to those the device actually has
// when the request names any.
func BuildReply(req *envelope.DiscoveryRequest, identity envelope.DeviceIdentity, caps envelope.CapabilitySet, creds *crypto.Identity) (*envelope.DiscoveryReply, error) {
	if len(req.Nonce) != envelope.NonceSize {
		return nil, envelope.ErrMalformedEnvelope
	}

	granted := caps
	if len(req.Requested) > 0 {
		granted = nil
		for _, name := range req.Requested {
			if caps.Has(name) {
				granted = append(granted, name)
			}
		}
	}

	reply := &envelope.DiscoveryReply{
		Type:         envelope.TypeDiscoveryReply,
		Nonce:        req.Nonce,
		Identity:     identity,
		Capabilities: granted,
	}
	unsigned, err := envelope.Encode(reply)
	if err != nil {
		return nil, err
	}
	reply.Signature = creds.Sign(unsigned)
	return reply, nil
}

// VerifyReply checks the reply signature and nonce echo. When expectedKey
// is non-nil the identity's key must match it; otherwise the reply is
// trusted on first use and the handshake provides the proof of identity.
func VerifyReply(reply *envelope.DiscoveryReply, nonce []byte, expectedKey ed25519.PublicKey) error {
	if !bytes.Equal(reply.Nonce, nonce) {
		return envelope.ErrReplayDetected
	}
	pub := ed25519.PublicKey(reply.Identity.PublicKey)
	if len(pub) != ed25519.PublicKeySize {
		return envelope.ErrMalformedEnvelope
	}
	if expectedKey != nil && !pub.Equal(expectedKey) {
		return fmt.Errorf("%w: device key does not match pinned key", envelope.ErrAuthenticationFailure)
	}

	sig := reply.Signature
	bare := *reply
	bare.Signature = nil
	unsigned, err := envelope.Encode(&bare)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, unsigned, sig) {
		return envelope.ErrAuthenticationFailure
	}
	return nil
}

// Discover runs the controller side of the exchange over conn: send the
// request, await a verified reply, and hand back the device identity and
// granted capabilities.
func Discover(conn transport.Conn, requested []string, expectedKey ed25519.PublicKey, timeout time.Duration) (envelope.DeviceIdentity, envelope.CapabilitySet, error) {
	req, err := BuildRequest(requested)
	if err != nil {
		return envelope.DeviceIdentity{}, nil, err
	}
	b, err := envelope.Encode(req)
	if err != nil {
		return envelope.DeviceIdentity{}, nil, err
	}
	if err := conn.Send(b); err != nil {
		return envelope.DeviceIdentity{}, nil, fmt.Errorf("send discovery request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if !time.Now().Before(deadline) {
			return envelope.DeviceIdentity{}, nil, envelope.ErrTimeout
		}
		data, err := conn.Recv(deadline)
		if err != nil {
			return envelope.DeviceIdentity{}, nil, envelope.ErrTimeout
		}
		if t, err := envelope.PeekType(data); err != nil || t != envelope.TypeDiscoveryReply {
			continue // wire noise
		}
		var reply envelope.DiscoveryReply
		if err := envelope.Decode(data, &reply); err != nil {
			continue
		}
		if err := VerifyReply(&reply, req.Nonce, expectedKey); err != nil {
			return envelope.DeviceIdentity{}, nil, err
		}
		return reply.Identity, reply.Capabilities, nil
	}
}
