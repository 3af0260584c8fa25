package session

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/envelope"
)

// Role distinguishes the two ends of a session.
type Role int

const (
	RoleController Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "controller"
}

// AEAD nonce channel labels. Each (key, label, counter) triple is used at
// most once: handshake confirmations use counter 0 under the handshake
// label, control envelopes use their sequence number under the control
// label.
var (
	nonceLabelHandshake = [4]byte{'a', 'l', 'h', 's'}
	nonceLabelControl   = [4]byte{'a', 'l', 'c', 't'}
)

// Session is one mutually authenticated channel between a controller and a
// device. The Manager owns its lifecycle; the control and stream channels
// hold non-owning references and mutate only their own counters through
// the session's mutex-guarded methods.
type Session struct {
	mu sync.Mutex

	id    uuid.UUID
	role  Role
	state State

	device  envelope.DeviceIdentity
	peerKey ed25519.PublicKey // long-term key of the peer, for embedded op signatures

	localNonce  []byte
	remoteNonce []byte
	ephPriv     *ecdh.PrivateKey
	remoteEph   []byte
	transcript  []byte

	txKey, rxKey   []byte
	txAEAD, rxAEAD cipher.AEAD

	ctlSeq       uint64 // last assigned control sequence (starts at 0, first send is 1)
	ctlWindow    window // receive dedup for the control channel
	streamLastRx uint64 // timestamp_us of the last delivered frame

	created      time.Time
	lastActivity time.Time

	stepTimer *time.Timer   // device-side deadline for the next handshake step
	done      chan struct{} // closed on Closed/Failed
	failErr   error
}

func newSession(id uuid.UUID, role Role) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		role:         role,
		state:        StateInit,
		created:      now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns which end of the session this is.
func (s *Session) Role() Role { return s.role }

// Device returns the peer device identity (controller role only).
func (s *Session) Device() envelope.DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Closed or Failed. Retransmission
// timers and read loops select on it for cancellation.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error for a failed session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// PeerKey returns the peer's long-term Ed25519 public key, if known.
func (s *Session) PeerKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerKey
}

// SetPeerKey pins the peer's long-term Ed25519 key for embedded-signature
// verification on privileged operations.
func (s *Session) SetPeerKey(k ed25519.PublicKey) {
	s.mu.Lock()
	s.peerKey = k
	s.mu.Unlock()
}

// MarkActivity updates the last-activity clock.
func (s *Session) MarkActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// transition moves the state machine forward, rejecting illegal edges.
// Callers hold s.mu.
func (s *Session) transition(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", s.state, to, ErrIllegalTransition)
	}
	s.state = to
	if to.Terminal() {
		s.wipeLocked()
		if s.stepTimer != nil {
			s.stepTimer.Stop()
			s.stepTimer = nil
		}
		close(s.done)
	}
	return nil
}

// Transition advances the state machine under the session lock.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(to)
}

// MarkStreaming tags a Ready session as Streaming once frames flow. The
// tag is observational; it is not a protocol step, so a session already
// Streaming or not yet Ready is left alone.
func (s *Session) MarkStreaming() {
	s.mu.Lock()
	if s.state == StateReady {
		s.state = StateStreaming
	}
	s.mu.Unlock()
}

// Fail drives the session to the absorbing Failed state, wiping derived
// keys. Safe to call more than once.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.failErr = err
	_ = s.transition(StateFailed)
}

// Close drives the session to Closed, wiping derived keys.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	_ = s.transition(StateClosed)
}

// wipeLocked erases key material. Callers hold s.mu.
func (s *Session) wipeLocked() {
	crypto.Zero(s.txKey)
	crypto.Zero(s.rxKey)
	s.txKey, s.rxKey = nil, nil
	s.txAEAD, s.rxAEAD = nil, nil
	s.ephPriv = nil
}

// NextControlSeq assigns the next strictly increasing control sequence
// number. Overflow never wraps silently: it terminates the session.
func (s *Session) NextControlSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Established() {
		return 0, ErrNotReady
	}
	if s.ctlSeq == math.MaxUint64 {
		s.failErr = envelope.ErrSequenceOverflow
		_ = s.transition(StateFailed)
		return 0, envelope.ErrSequenceOverflow
	}
	s.ctlSeq++
	return s.ctlSeq, nil
}

// ObserveControlSeq records a received control sequence number and reports
// whether it is new or a duplicate.
func (s *Session) ObserveControlSeq(seq uint64) SeqStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctlWindow.observe(seq)
}

// ObserveFrameTimestamp enforces non-decreasing stream delivery: it
// returns true and advances the high-water mark when ts is newer than the
// last delivered frame, false for duplicates and reordering artifacts.
func (s *Session) ObserveFrameTimestamp(ts uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts <= s.streamLastRx {
		return false
	}
	s.streamLastRx = ts
	return true
}

// aeadNonce builds the deterministic 12-byte AEAD nonce for a channel
// label and counter. Binding the counter into the nonce ties each tag to
// its sequence number and prevents cross-replay between envelopes.
func aeadNonce(label [4]byte, counter uint64) []byte {
	n := make([]byte, crypto.AEADNonce)
	copy(n[0:4], label[:])
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Seal computes an authentication tag over aad under the session's tx key.
func (s *Session) seal(label [4]byte, counter uint64, aad []byte) ([]byte, error) {
	s.mu.Lock()
	aead := s.txAEAD
	s.mu.Unlock()
	if aead == nil {
		return nil, ErrNoKeys
	}
	return aead.Seal(nil, aeadNonce(label, counter), nil, aad), nil
}

// Open verifies an authentication tag over aad under the session's rx key.
func (s *Session) open(label [4]byte, counter uint64, aad, tag []byte) error {
	s.mu.Lock()
	aead := s.rxAEAD
	s.mu.Unlock()
	if aead == nil {
		return ErrNoKeys
	}
	if _, err := aead.Open(nil, aeadNonce(label, counter), tag, aad); err != nil {
		return envelope.ErrAuthenticationFailure
	}
	return nil
}

// SealControl authenticates a control envelope's canonical bytes for the
// given sequence number.
func (s *Session) SealControl(seq uint64, canonical []byte) ([]byte, error) {
	return s.seal(nonceLabelControl, seq, canonical)
}

// OpenControl verifies a control envelope's tag.
func (s *Session) OpenControl(seq uint64, canonical, tag []byte) error {
	return s.open(nonceLabelControl, seq, canonical, tag)
}

// sealHandshake authenticates the handshake confirmation (session_ready or
// session_complete) over the transcript hash and session_id.
func (s *Session) sealHandshake() ([]byte, error) {
	s.mu.Lock()
	aad := append(append([]byte{}, s.transcript...), s.id[:]...)
	s.mu.Unlock()
	return s.seal(nonceLabelHandshake, 0, aad)
}

// openHandshake verifies the peer's handshake confirmation tag.
func (s *Session) openHandshake(tag []byte) error {
	s.mu.Lock()
	aad := append(append([]byte{}, s.transcript...), s.id[:]...)
	s.mu.Unlock()
	return s.open(nonceLabelHandshake, 0, aad, tag)
}
