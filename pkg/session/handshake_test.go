package session

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/transport"
)

// runDevice answers handshake envelopes on conn until stop is closed,
// reporting the accepted session on sessCh. tamper, when set, mutates the
// outgoing session_ack.
func runDevice(t *testing.T, mgr *Manager, conn transport.Conn, stop chan struct{}, sessCh chan *Session, tamper func(*envelope.SessionAck)) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		b, err := conn.Recv(time.Now().Add(50 * time.Millisecond))
		if err != nil {
			continue
		}
		typ, err := envelope.PeekType(b)
		if err != nil {
			continue
		}
		switch typ {
		case envelope.TypeSessionInit:
			var init envelope.SessionInit
			if err := envelope.Decode(b, &init); err != nil {
				continue
			}
			send := conn.Send
			if tamper != nil {
				send = func(out []byte) error {
					var ack envelope.SessionAck
					if err := envelope.Decode(out, &ack); err != nil {
						return conn.Send(out)
					}
					tamper(&ack)
					mutated, err := envelope.Encode(&ack)
					if err != nil {
						return err
					}
					return conn.Send(mutated)
				}
			}
			s, err := mgr.HandleInit(&init, send)
			if err == nil && sessCh != nil {
				sessCh <- s
			}
		case envelope.TypeSessionReady:
			var rdy envelope.SessionReady
			if err := envelope.Decode(b, &rdy); err != nil {
				continue
			}
			mgr.HandleReady(&rdy, conn.Send)
		}
	}
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func establish(t *testing.T) (ctl, dev *Session, cleanup func()) {
	t.Helper()
	ctlID := newIdentity(t)
	devID := newIdentity(t)
	ctlMgr := NewManager(Config{StepTimeout: 2 * time.Second}, ctlID)
	devMgr := NewManager(Config{StepTimeout: 2 * time.Second}, devID)

	a, b := transport.Pipe()
	stop := make(chan struct{})
	sessCh := make(chan *Session, 1)
	go runDevice(t, devMgr, b, stop, sessCh, nil)

	device := envelope.DeviceIdentity{DeviceID: "test-dev", PublicKey: devID.PublicKey}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctlSess, err := ctlMgr.Connect(ctx, a, device)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	devSess := <-sessCh

	return ctlSess, devSess, func() {
		close(stop)
		ctlMgr.Stop()
		devMgr.Stop()
		a.Close()
		b.Close()
	}
}

func TestHandshakeEstablishes(t *testing.T) {
	ctl, dev, cleanup := establish(t)
	defer cleanup()

	if ctl.State() != StateReady {
		t.Fatalf("controller state = %s, want ready", ctl.State())
	}
	// The device may still be Authenticated for an instant while its
	// HandleReady completes.
	deadline := time.Now().Add(time.Second)
	for dev.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.State() != StateReady {
		t.Fatalf("device state = %s, want ready", dev.State())
	}

	// Directional keys agree: a tag sealed by one end opens at the other.
	canonical := []byte("control envelope bytes")
	tag, err := ctl.SealControl(1, canonical)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := dev.OpenControl(1, canonical, tag); err != nil {
		t.Fatalf("open: %v", err)
	}
	// And the directions are distinct: the same counter under the device's
	// tx key produces a different tag.
	devTag, err := dev.SealControl(1, canonical)
	if err != nil {
		t.Fatalf("device seal: %v", err)
	}
	if err := ctl.OpenControl(1, canonical, devTag); err != nil {
		t.Fatalf("controller open: %v", err)
	}
	if string(tag) == string(devTag) {
		t.Fatal("directional keys are not distinct")
	}
}

func TestHandshakeTamperedSignatureFailsClosed(t *testing.T) {
	ctlID := newIdentity(t)
	devID := newIdentity(t)
	ctlMgr := NewManager(Config{StepTimeout: 500 * time.Millisecond}, ctlID)
	devMgr := NewManager(Config{StepTimeout: 500 * time.Millisecond}, devID)
	defer ctlMgr.Stop()
	defer devMgr.Stop()

	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	go runDevice(t, devMgr, b, stop, nil, func(ack *envelope.SessionAck) {
		ack.Signature[0] ^= 0xff
	})

	device := envelope.DeviceIdentity{DeviceID: "test-dev", PublicKey: devID.PublicKey}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := ctlMgr.Connect(ctx, a, device)
	if !errors.Is(err, envelope.ErrAuthenticationFailure) {
		t.Fatalf("connect = %v, want ErrAuthenticationFailure", err)
	}
	if sess != nil {
		t.Fatal("failed connect returned a session")
	}

	// The failed session is terminal with no usable keys.
	for _, s := range ctlMgr.Sessions() {
		if !s.State().Terminal() {
			t.Fatalf("session state = %s, want terminal", s.State())
		}
		if _, err := s.SealControl(1, []byte("x")); !errors.Is(err, ErrNoKeys) {
			t.Fatalf("seal on failed session = %v, want ErrNoKeys", err)
		}
	}
}

func TestHandshakeReplayedInitRejected(t *testing.T) {
	devID := newIdentity(t)
	devMgr := NewManager(Config{}, devID)
	defer devMgr.Stop()

	nonce := make([]byte, envelope.NonceSize)
	ctlEph, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	eph := ctlEph.PublicKey().Bytes()
	init := &envelope.SessionInit{
		Type:         envelope.TypeSessionInit,
		SessionID:    make([]byte, envelope.SessionIDSize),
		Nonce:        nonce,
		EphemeralPub: eph,
	}
	init.SessionID[0] = 1
	init.Nonce[0] = 1

	sink := func([]byte) error { return nil }
	if _, err := devMgr.HandleInit(init, sink); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := devMgr.HandleInit(init, sink); !errors.Is(err, envelope.ErrReplayDetected) {
		t.Fatalf("replayed init = %v, want ErrReplayDetected", err)
	}

	// Same nonce under a fresh session ID is still a replay.
	init2 := *init
	init2.SessionID = make([]byte, envelope.SessionIDSize)
	init2.SessionID[0] = 2
	if _, err := devMgr.HandleInit(&init2, sink); !errors.Is(err, envelope.ErrReplayDetected) {
		t.Fatalf("reused nonce = %v, want ErrReplayDetected", err)
	}
}

func TestHandshakeStepTimeoutFailsSession(t *testing.T) {
	devID := newIdentity(t)
	devMgr := NewManager(Config{StepTimeout: 50 * time.Millisecond}, devID)
	defer devMgr.Stop()

	nonce := make([]byte, envelope.NonceSize)
	nonce[0] = 3
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	init := &envelope.SessionInit{
		Type:         envelope.TypeSessionInit,
		SessionID:    []byte{3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		Nonce:        nonce,
		EphemeralPub: eph.PublicKey().Bytes(),
	}
	s, err := devMgr.HandleInit(init, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("handle init: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not time out")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if !errors.Is(s.Err(), envelope.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", s.Err())
	}
}

func TestConnectTimeoutWithSilentPeer(t *testing.T) {
	ctlID := newIdentity(t)
	devID := newIdentity(t)
	ctlMgr := NewManager(Config{StepTimeout: 50 * time.Millisecond}, ctlID)
	defer ctlMgr.Stop()

	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	device := envelope.DeviceIdentity{DeviceID: "silent", PublicKey: devID.PublicKey}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ctlMgr.Connect(ctx, a, device); !errors.Is(err, envelope.ErrTimeout) {
		t.Fatalf("connect = %v, want ErrTimeout", err)
	}
}

func TestControlSeqOverflowFailsSession(t *testing.T) {
	ctl, _, cleanup := establish(t)
	defer cleanup()

	ctl.mu.Lock()
	ctl.ctlSeq = math.MaxUint64
	ctl.mu.Unlock()

	if _, err := ctl.NextControlSeq(); !errors.Is(err, envelope.ErrSequenceOverflow) {
		t.Fatalf("next seq = %v, want ErrSequenceOverflow", err)
	}
	if ctl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctl.State())
	}
}

func TestObserveFrameTimestamp(t *testing.T) {
	ctl, _, cleanup := establish(t)
	defer cleanup()

	if !ctl.ObserveFrameTimestamp(100) {
		t.Fatal("first timestamp should be accepted")
	}
	if ctl.ObserveFrameTimestamp(100) {
		t.Fatal("duplicate timestamp should be rejected")
	}
	if ctl.ObserveFrameTimestamp(50) {
		t.Fatal("stale timestamp should be rejected")
	}
	if !ctl.ObserveFrameTimestamp(101) {
		t.Fatal("newer timestamp should be accepted")
	}
}
