package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/transport"
)

// HKDF info strings labeling the two key directions.
const (
	infoControllerToDevice = "alpine v1 controller to device"
	infoDeviceToController = "alpine v1 device to controller"
)

const transcriptLabel = "alpine handshake v1"

// transcriptHash binds both nonces, both ephemeral keys, and the session
// ID into a single digest. It salts key derivation and is the message the
// device signs in session_ack.
func transcriptHash(sessionID, ctlNonce, devNonce, ctlEph, devEph []byte) []byte {
	h := sha256.New()
	h.Write([]byte(transcriptLabel))
	h.Write(sessionID)
	h.Write(ctlNonce)
	h.Write(devNonce)
	h.Write(ctlEph)
	h.Write(devEph)
	return h.Sum(nil)
}

// deriveKeys computes the directional session keys from the ECDH shared
// secret. Callers hold s.mu. The shared secret is wiped before return.
func (s *Session) deriveKeys(shared []byte) error {
	defer crypto.Zero(shared)

	c2d, err := crypto.DeriveKey(shared, s.transcript, infoControllerToDevice)
	if err != nil {
		return err
	}
	d2c, err := crypto.DeriveKey(shared, s.transcript, infoDeviceToController)
	if err != nil {
		return err
	}
	if s.role == RoleController {
		s.txKey, s.rxKey = c2d, d2c
	} else {
		s.txKey, s.rxKey = d2c, c2d
	}
	if s.txAEAD, err = crypto.NewAEAD(s.txKey); err != nil {
		return err
	}
	if s.rxAEAD, err = crypto.NewAEAD(s.rxKey); err != nil {
		return err
	}
	return nil
}

// Connect runs the controller side of the handshake against the device at
// the far end of conn. Each step blocks with its own deadline; any
// verification failure or timeout is terminal for the session.
func (m *Manager) Connect(ctx context.Context, conn transport.Conn, device envelope.DeviceIdentity) (*Session, error) {
	if len(device.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("device identity: bad public key size %d", len(device.PublicKey))
	}

	s := newSession(uuid.New(), RoleController)
	s.device = device
	s.peerKey = ed25519.PublicKey(device.PublicKey)
	m.insert(s)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	s.mu.Lock()
	s.localNonce = nonce
	s.ephPriv = eph
	s.mu.Unlock()

	init := &envelope.SessionInit{
		Type:         envelope.TypeSessionInit,
		SessionID:    s.id[:],
		Nonce:        nonce,
		EphemeralPub: eph.PublicKey().Bytes(),
	}
	b, err := envelope.Encode(init)
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := s.Transition(StateHandshake); err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := conn.Send(b); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("send session_init: %w", err)
	}

	// Step 2/3: await session_ack, verify, derive keys.
	ack, err := awaitEnvelope[envelope.SessionAck](ctx, conn, m.cfg.StepTimeout, envelope.TypeSessionAck, s.id[:])
	if err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("session_ack: %w", err)
	}
	if err := m.verifyAck(s, ack); err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := s.Transition(StateAuthenticated); err != nil {
		m.Fail(s, err)
		return nil, err
	}

	// Step 4: prove we hold the derived keys.
	mac, err := s.sealHandshake()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	ready := &envelope.SessionReady{Type: envelope.TypeSessionReady, SessionID: s.id[:], MAC: mac}
	if b, err = envelope.Encode(ready); err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := conn.Send(b); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("send session_ready: %w", err)
	}

	// Step 5: await the device's confirmation.
	comp, err := awaitEnvelope[envelope.SessionComplete](ctx, conn, m.cfg.StepTimeout, envelope.TypeSessionComplete, s.id[:])
	if err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("session_complete: %w", err)
	}
	if err := s.openHandshake(comp.MAC); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("session_complete: %w", err)
	}
	if err := s.Transition(StateReady); err != nil {
		m.Fail(s, err)
		return nil, err
	}

	slog.Info("session established",
		"session_id", s.id, "device_id", device.DeviceID, "role", s.role)
	return s, nil
}

// verifyAck checks the device's signature, nonce freshness, and derives
// the session keys.
func (m *Manager) verifyAck(s *Session, ack *envelope.SessionAck) error {
	if len(ack.Nonce) != envelope.NonceSize || len(ack.EphemeralPub) != crypto.X25519Size {
		return envelope.ErrMalformedEnvelope
	}
	// A device nonce we have seen before means a replayed or resurrected
	// handshake; fail closed.
	if !m.recordNonce(ack.Nonce) {
		return envelope.ErrReplayDetected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteNonce = ack.Nonce
	s.remoteEph = ack.EphemeralPub
	s.transcript = transcriptHash(s.id[:], s.localNonce, ack.Nonce, s.ephPriv.PublicKey().Bytes(), ack.EphemeralPub)

	if !ed25519.Verify(s.peerKey, s.transcript, ack.Signature) {
		return envelope.ErrAuthenticationFailure
	}

	shared, err := crypto.SharedSecret(s.ephPriv, s.remoteEph)
	if err != nil {
		return err
	}
	return s.deriveKeys(shared)
}

// HandleInit runs the device side of handshake step 2: validate the
// controller's opening, derive keys, sign the transcript, and reply with
// session_ack. The returned session is in StateAuthenticated with a step
// timer armed; if session_ready does not arrive in time the session fails.
func (m *Manager) HandleInit(init *envelope.SessionInit, send func([]byte) error) (*Session, error) {
	if len(init.Nonce) != envelope.NonceSize ||
		len(init.EphemeralPub) != crypto.X25519Size ||
		len(init.SessionID) != envelope.SessionIDSize {
		return nil, envelope.ErrMalformedEnvelope
	}
	id, err := uuid.FromBytes(init.SessionID)
	if err != nil {
		return nil, envelope.ErrMalformedEnvelope
	}
	if !m.checkHandshakeReplay(id, init.Nonce) {
		return nil, envelope.ErrReplayDetected
	}

	s := newSession(id, RoleDevice)
	m.insert(s)
	if err := s.Transition(StateHandshake); err != nil {
		m.Fail(s, err)
		return nil, err
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}

	s.mu.Lock()
	s.localNonce = nonce
	s.ephPriv = eph
	s.remoteNonce = init.Nonce
	s.remoteEph = init.EphemeralPub
	s.transcript = transcriptHash(s.id[:], init.Nonce, nonce, init.EphemeralPub, eph.PublicKey().Bytes())
	sig := m.identity.Sign(s.transcript)

	shared, err := crypto.SharedSecret(eph, init.EphemeralPub)
	if err != nil {
		s.mu.Unlock()
		m.Fail(s, err)
		return nil, err
	}
	if err := s.deriveKeys(shared); err != nil {
		s.mu.Unlock()
		m.Fail(s, err)
		return nil, err
	}
	s.mu.Unlock()

	if err := s.Transition(StateAuthenticated); err != nil {
		m.Fail(s, err)
		return nil, err
	}

	ack := &envelope.SessionAck{
		Type:         envelope.TypeSessionAck,
		SessionID:    s.id[:],
		Nonce:        nonce,
		EphemeralPub: eph.PublicKey().Bytes(),
		Signature:    sig,
	}
	b, err := envelope.Encode(ack)
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := send(b); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("send session_ack: %w", err)
	}

	// The controller must send session_ready within the step deadline.
	s.mu.Lock()
	s.stepTimer = time.AfterFunc(m.cfg.StepTimeout, func() {
		if !s.State().Established() {
			m.Fail(s, envelope.ErrTimeout)
		}
	})
	s.mu.Unlock()

	slog.Debug("handshake accepted", "session_id", s.id)
	return s, nil
}

// HandleReady runs the device side of handshake steps 4/5: verify the
// controller's key confirmation and reply with session_complete. A
// duplicate session_ready on an established session re-sends the
// confirmation to cover a lost session_complete.
func (m *Manager) HandleReady(rdy *envelope.SessionReady, send func([]byte) error) (*Session, error) {
	id, err := uuid.FromBytes(rdy.SessionID)
	if err != nil {
		return nil, envelope.ErrMalformedEnvelope
	}
	s := m.Get(id)
	if s == nil {
		return nil, ErrUnknownSession
	}

	switch s.State() {
	case StateAuthenticated:
		// expected path
	case StateReady, StateStreaming:
		// lost session_complete; re-confirm below
	default:
		return nil, ErrNotReady
	}

	if err := s.openHandshake(rdy.MAC); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("session_ready: %w", err)
	}

	if s.State() == StateAuthenticated {
		s.mu.Lock()
		if s.stepTimer != nil {
			s.stepTimer.Stop()
			s.stepTimer = nil
		}
		s.mu.Unlock()
		if err := s.Transition(StateReady); err != nil {
			m.Fail(s, err)
			return nil, err
		}
	}

	mac, err := s.sealHandshake()
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	comp := &envelope.SessionComplete{Type: envelope.TypeSessionComplete, SessionID: s.id[:], MAC: mac}
	b, err := envelope.Encode(comp)
	if err != nil {
		m.Fail(s, err)
		return nil, err
	}
	if err := send(b); err != nil {
		m.Fail(s, err)
		return nil, fmt.Errorf("send session_complete: %w", err)
	}

	slog.Info("session established", "session_id", s.id, "role", s.role)
	return s, nil
}

// awaitEnvelope reads datagrams until one decodes as the wanted type for
// the wanted session, the step deadline passes, or ctx is cancelled. Wire
// noise and unrelated envelopes are dropped silently.
func awaitEnvelope[T any](ctx context.Context, conn transport.Conn, timeout time.Duration, want envelope.MessageType, sessionID []byte) (*T, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !time.Now().Before(deadline) {
			return nil, envelope.ErrTimeout
		}
		b, err := conn.Recv(deadline)
		if err != nil {
			return nil, envelope.ErrTimeout
		}
		t, err := envelope.PeekType(b)
		if err != nil || t != want {
			continue
		}
		var env T
		if err := envelope.Decode(b, &env); err != nil {
			continue
		}
		if sid := envelopeSessionID(&env); sid != nil && !bytes.Equal(sid, sessionID) {
			continue
		}
		return &env, nil
	}
}

// envelopeSessionID extracts the session_id from the handshake envelopes
// awaitEnvelope handles.
func envelopeSessionID(v any) []byte {
	switch e := v.(type) {
	case *envelope.SessionAck:
		return e.SessionID
	case *envelope.SessionComplete:
		return e.SessionID
	default:
		return nil
	}
}
