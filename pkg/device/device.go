// Package device implements the device end of the protocol: it answers
// discovery, accepts handshakes, executes control operations, and feeds
// received frames through jitter compensation to the output callback.
package device

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/control"
	"github.com/alpinelight/alpine/pkg/discovery"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
	"github.com/alpinelight/alpine/pkg/stream"
)

// Handler executes one control operation. The returned payload becomes
// the reply result; a non-nil error is reported to the controller in the
// reply instead of terminating the session.
type Handler func(sess *session.Session, payload cbor.RawMessage) (cbor.RawMessage, error)

// Config describes a device endpoint.
type Config struct {
	// Identity is the wire-visible device description. Its PublicKey is
	// filled from Credentials when empty.
	Identity     envelope.DeviceIdentity
	Capabilities envelope.CapabilitySet

	// Credentials is the long-term Ed25519 keypair that signs discovery
	// replies and handshake transcripts.
	Credentials *crypto.Identity

	// ControllerKey, when set, pins the controller's long-term key.
	// Privileged operations are rejected until a key is pinned.
	ControllerKey ed25519.PublicKey

	Session session.Config
	Backoff control.Backoff

	// JitterPolicy and FrameInterval configure the per-session frame
	// receiver. A zero interval disables gap synthesis.
	JitterPolicy  stream.Policy
	FrameInterval time.Duration

	// OnFrame receives every delivered frame, real and synthesized.
	OnFrame func(*envelope.Frame)
	// OnIdentify is invoked for the identify operation.
	OnIdentify func(d time.Duration)
	// OnSetMode validates and applies an operating mode change.
	OnSetMode func(mode string) error
	// OnSetConfig applies a configuration blob.
	OnSetConfig func(raw cbor.RawMessage) error
	// OnRestart is invoked after a restart command is acknowledged.
	OnRestart func()

	// IdleTimeout expires sessions with no traffic, keepalives included.
	// Zero takes the default; negative disables expiry.
	IdleTimeout time.Duration
}

// DefaultIdleTimeout is three missed keepalive intervals.
const DefaultIdleTimeout = 15 * time.Second

// replyTimeout bounds how long a device-to-controller reply is
// retransmitted before being abandoned.
const replyTimeout = 10 * time.Second

// link bundles the per-session plumbing for one controller.
type link struct {
	sess *session.Session
	ctl  *control.Channel
	rcv  *stream.Receiver
	stop chan struct{}
}

// Device runs the device end of the protocol over any number of
// concurrent controller sessions.
type Device struct {
	cfg Config
	mgr *session.Manager

	mu       sync.Mutex
	links    map[uuid.UUID]*link
	handlers map[string]Handler
	lconn    *net.UDPConn
	mode     string
	started  time.Time
	lastRxUS uint64

	reapStop chan struct{}
	stopOnce sync.Once
}

// New creates a device endpoint. The session manager starts immediately;
// call Serve or feed datagrams through HandleDatagram to go on the air.
func New(cfg Config) (*Device, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("device: credentials required")
	}
	if len(cfg.Identity.PublicKey) == 0 {
		cfg.Identity.PublicKey = cfg.Credentials.PublicKey
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	d := &Device{
		cfg:      cfg,
		mgr:      session.NewManager(cfg.Session, cfg.Credentials),
		links:    make(map[uuid.UUID]*link),
		handlers: make(map[string]Handler),
		mode:     "normal",
		started:  time.Now(),
		reapStop: make(chan struct{}),
	}
	d.handlers[control.OpGetInfo] = d.handleGetInfo
	d.handlers[control.OpGetCaps] = d.handleGetCaps
	d.handlers[control.OpGetStatus] = d.handleGetStatus
	d.handlers[control.OpIdentify] = d.handleIdentify
	d.handlers[control.OpSetMode] = d.handleSetMode
	d.handlers[control.OpSetConfig] = d.handleSetConfig
	d.handlers[control.OpRestart] = d.handleRestart
	d.handlers[control.OpTimeSync] = d.handleTimeSync
	if cfg.IdleTimeout > 0 {
		go d.reapIdle()
	}
	return d, nil
}

// reapIdle expires sessions whose controller has gone silent. Keepalives
// count as activity, so a healthy idle controller is never expired.
func (d *Device) reapIdle() {
	ticker := time.NewTicker(d.cfg.IdleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-d.reapStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.cfg.IdleTimeout)
			d.mu.Lock()
			stale := make([]*link, 0)
			for _, l := range d.links {
				if l.sess.LastActivity().Before(cutoff) {
					stale = append(stale, l)
				}
			}
			d.mu.Unlock()
			for _, l := range stale {
				slog.Info("session expired idle", "session_id", l.sess.ID())
				d.mgr.Fail(l.sess, envelope.ErrTimeout)
			}
		}
	}
}

// RegisterHandler installs a handler for a vendor operation. Registering
// over a builtin replaces it.
func (d *Device) RegisterHandler(op string, h Handler) {
	d.mu.Lock()
	d.handlers[op] = h
	d.mu.Unlock()
}

// Sessions returns the live session count.
func (d *Device) Sessions() int { return d.mgr.Count() }

// Mode returns the current operating mode.
func (d *Device) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Stop tears down every session and background loop.
func (d *Device) Stop() {
	d.stopOnce.Do(func() { close(d.reapStop) })
	d.mu.Lock()
	for id, l := range d.links {
		close(l.stop)
		delete(d.links, id)
	}
	d.mu.Unlock()
	d.mgr.Stop()
}

// HandleDatagram processes one datagram from a controller. send delivers
// datagrams back toward that controller. Undecodable datagrams and
// unknown envelope types are dropped silently; an attacker probing the
// socket learns nothing from the response timing of garbage.
func (d *Device) HandleDatagram(data []byte, send func([]byte) error) {
	t, err := envelope.PeekType(data)
	if err != nil {
		return
	}

	switch t {
	case envelope.TypeDiscoveryRequest:
		var req envelope.DiscoveryRequest
		if err := envelope.Decode(data, &req); err != nil {
			return
		}
		d.handleDiscovery(&req, send)

	case envelope.TypeSessionInit:
		var init envelope.SessionInit
		if err := envelope.Decode(data, &init); err != nil {
			return
		}
		d.handleInit(&init, send)

	case envelope.TypeSessionReady:
		var rdy envelope.SessionReady
		if err := envelope.Decode(data, &rdy); err != nil {
			return
		}
		if _, err := d.mgr.HandleReady(&rdy, send); err != nil {
			slog.Debug("session_ready rejected", "error", err)
		}

	case envelope.TypeControl:
		var env envelope.Control
		if err := envelope.Decode(data, &env); err != nil {
			return
		}
		if l := d.lookup(env.SessionID); l != nil {
			if _, err := l.ctl.Handle(&env); err != nil {
				slog.Debug("control rejected", "op", env.Op, "error", err)
			}
		}

	case envelope.TypeControlAck:
		var ack envelope.ControlAck
		if err := envelope.Decode(data, &ack); err != nil {
			return
		}
		if l := d.lookup(ack.SessionID); l != nil {
			l.ctl.HandleAck(&ack)
		}

	case envelope.TypeFrame:
		var f envelope.Frame
		if err := envelope.Decode(data, &f); err != nil {
			return
		}
		if l := d.lookup(f.SessionID); l != nil {
			l.rcv.HandleFrame(&f)
		}

	default:
		// Unknown envelope type: tolerate and drop.
	}
}

func (d *Device) handleDiscovery(req *envelope.DiscoveryRequest, send func([]byte) error) {
	reply, err := discovery.BuildReply(req, d.cfg.Identity, d.cfg.Capabilities, d.cfg.Credentials)
	if err != nil {
		return
	}
	b, err := envelope.Encode(reply)
	if err != nil {
		return
	}
	if err := send(b); err != nil {
		slog.Debug("discovery reply send failed", "error", err)
	}
}

func (d *Device) handleInit(init *envelope.SessionInit, send func([]byte) error) {
	sess, err := d.mgr.HandleInit(init, send)
	if err != nil {
		slog.Debug("handshake rejected", "error", err)
		return
	}
	if d.cfg.ControllerKey != nil {
		sess.SetPeerKey(d.cfg.ControllerKey)
	}

	l := &link{sess: sess, stop: make(chan struct{})}
	l.ctl = control.New(sess, send, control.Config{
		Backoff:  d.cfg.Backoff,
		Identity: d.cfg.Credentials,
		Deliver:  func(env *envelope.Control) { d.dispatch(l, env) },
	})
	l.rcv = stream.NewReceiver(sess, stream.ReceiverConfig{
		Policy:   d.cfg.JitterPolicy,
		Interval: d.cfg.FrameInterval,
		Emit:     d.emitFrame,
	})
	go l.rcv.Run(l.stop)

	d.mu.Lock()
	d.links[sess.ID()] = l
	d.mu.Unlock()

	// Reap the link when the session terminates.
	go func() {
		<-sess.Done()
		d.mu.Lock()
		if cur, ok := d.links[sess.ID()]; ok && cur == l {
			delete(d.links, sess.ID())
			close(l.stop)
		}
		d.mu.Unlock()
	}()
}

func (d *Device) emitFrame(f *envelope.Frame) {
	d.mu.Lock()
	d.lastRxUS = f.TimestampUS
	d.mu.Unlock()
	if d.cfg.OnFrame != nil {
		d.cfg.OnFrame(f)
	}
}

func (d *Device) lookup(sessionID []byte) *link {
	id, err := uuid.FromBytes(sessionID)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[id]
}

// dispatch executes a delivered control envelope and sends the reply.
// Keepalives and replies carry no response of their own.
func (d *Device) dispatch(l *link, env *envelope.Control) {
	switch env.Op {
	case control.OpKeepalive, control.OpReply:
		return
	}

	d.mu.Lock()
	h := d.handlers[env.Op]
	d.mu.Unlock()

	rep := control.Reply{Re: env.Seq}
	if h == nil {
		rep.Error = fmt.Sprintf("unknown op %q", env.Op)
	} else if result, err := h(l.sess, env.Payload); err != nil {
		rep.Error = err.Error()
	} else {
		rep.OK = true
		rep.Result = result
	}

	payload, err := envelope.RawPayload(&rep)
	if err != nil {
		slog.Warn("reply encode failed", "op", env.Op, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if _, err := l.ctl.Send(ctx, control.OpReply, payload, false); err != nil {
			slog.Debug("reply send failed", "op", env.Op, "error", err)
		}
	}()
}
