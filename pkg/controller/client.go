// Package controller provides the controller-side client: discovery,
// session establishment, a request/reply surface over the control
// channel, keepalives, and frame streaming.
package controller

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/control"
	"github.com/alpinelight/alpine/pkg/discovery"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
	"github.com/alpinelight/alpine/pkg/stream"
	"github.com/alpinelight/alpine/pkg/transport"
)

// Config describes a controller client.
type Config struct {
	// Identity is the controller's long-term Ed25519 keypair; it signs
	// privileged operations. Required.
	Identity *crypto.Identity

	// DeviceKey, when set, pins the expected device key during discovery
	// and handshake.
	DeviceKey ed25519.PublicKey

	Session session.Config
	Backoff control.Backoff

	// CallTimeout bounds how long Call waits for a device reply after the
	// request is acknowledged. Zero takes the default.
	CallTimeout time.Duration

	// KeepaliveInterval spaces the idle keepalives that stop the device's
	// activity timer from expiring the session. Zero takes the default;
	// negative disables keepalives.
	KeepaliveInterval time.Duration
}

const (
	// DefaultKeepalive matches the device-side activity expectations.
	DefaultKeepalive = 5 * time.Second
	// DefaultCallTimeout bounds the reply wait of one Call.
	DefaultCallTimeout = 10 * time.Second

	// staleReplyLimit caps how many unclaimed replies are retained before
	// the oldest are discarded.
	staleReplyLimit = 64
)

// Client is one controller-side session to a device.
type Client struct {
	cfg  Config
	conn transport.Conn
	mgr  *session.Manager
	sess *session.Session
	ctl  *control.Channel
	snd  *stream.Sender

	mu      sync.Mutex
	waiters map[uint64]chan control.Reply
	replies map[uint64]control.Reply

	done     chan struct{}
	stopOnce sync.Once
}

// Discover runs device discovery over conn and verifies the signed reply.
func Discover(conn transport.Conn, requested []string, expectedKey ed25519.PublicKey, timeout time.Duration) (envelope.DeviceIdentity, envelope.CapabilitySet, error) {
	return discovery.Discover(conn, requested, expectedKey, timeout)
}

// Connect establishes an authenticated session to the device at the far
// end of conn and starts the read and keepalive loops. The device's
// long-term key must already be known, from discovery or provisioning.
func Connect(ctx context.Context, conn transport.Conn, device envelope.DeviceIdentity, cfg Config) (*Client, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("controller: identity required")
	}
	if cfg.DeviceKey != nil && !cfg.DeviceKey.Equal(ed25519.PublicKey(device.PublicKey)) {
		return nil, fmt.Errorf("%w: device key does not match pinned key", envelope.ErrAuthenticationFailure)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepalive
	}

	mgr := session.NewManager(cfg.Session, cfg.Identity)
	sess, err := mgr.Connect(ctx, conn, device)
	if err != nil {
		mgr.Stop()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		mgr:     mgr,
		sess:    sess,
		waiters: make(map[uint64]chan control.Reply),
		replies: make(map[uint64]control.Reply),
		done:    make(chan struct{}),
	}
	c.ctl = control.New(sess, conn.Send, control.Config{
		Backoff:  cfg.Backoff,
		Identity: cfg.Identity,
		Deliver:  c.onControl,
	})
	c.snd = stream.NewSender(sess, conn.Send)

	go c.readLoop()
	if cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop()
	}
	return c, nil
}

// Session exposes the underlying session for state inspection.
func (c *Client) Session() *session.Session { return c.sess }

// Close terminates the session and releases the transport.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mgr.Close(c.sess)
		c.mgr.Stop()
		c.conn.Close()
	})
}

// readLoop dispatches inbound datagrams to the control channel. Frames
// never flow device to controller, so only control traffic is expected.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.sess.Done():
			return
		default:
		}
		b, err := c.conn.Recv(time.Now().Add(time.Second))
		if err != nil {
			continue // deadline pass or transient socket error
		}
		t, err := envelope.PeekType(b)
		if err != nil {
			continue
		}
		switch t {
		case envelope.TypeControlAck:
			var ack envelope.ControlAck
			if err := envelope.Decode(b, &ack); err == nil {
				c.ctl.HandleAck(&ack)
			}
		case envelope.TypeControl:
			var env envelope.Control
			if err := envelope.Decode(b, &env); err == nil {
				if _, err := c.ctl.Handle(&env); err != nil {
					slog.Debug("control rejected", "op", env.Op, "error", err)
				}
			}
		default:
			// Handshake stragglers and unknown types: drop.
		}
	}
}

// onControl routes device-originated envelopes. Replies resolve a waiting
// Call; anything else from a device is unexpected and logged.
func (c *Client) onControl(env *envelope.Control) {
	if env.Op != control.OpReply {
		slog.Debug("unexpected device op", "op", env.Op, "seq", env.Seq)
		return
	}
	var rep control.Reply
	if err := envelope.Decode(env.Payload, &rep); err != nil {
		slog.Debug("malformed reply payload", "seq", env.Seq, "error", err)
		return
	}

	c.mu.Lock()
	if ch, ok := c.waiters[rep.Re]; ok {
		delete(c.waiters, rep.Re)
		ch <- rep
	} else {
		// The reply beat Send's ack; park it for the Call to claim.
		if len(c.replies) >= staleReplyLimit {
			for k := range c.replies {
				delete(c.replies, k)
				break
			}
		}
		c.replies[rep.Re] = rep
	}
	c.mu.Unlock()
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.sess.Done():
			return
		case <-ticker.C:
			if _, err := c.ctl.Send(context.Background(), control.OpKeepalive, nil, false); err != nil {
				slog.Debug("keepalive failed", "error", err)
			}
		}
	}
}

// Send transmits one control operation without waiting for a device
// reply. With requireAck it still blocks for the transport-level ack.
func (c *Client) Send(ctx context.Context, op string, payload cbor.RawMessage, requireAck bool) error {
	_, err := c.ctl.Send(ctx, op, payload, requireAck)
	return err
}

// Call transmits one acked control operation and waits for the device's
// reply. A reply reporting an operation failure surfaces as an error.
func (c *Client) Call(ctx context.Context, op string, payload cbor.RawMessage) (cbor.RawMessage, error) {
	seq, err := c.ctl.Send(ctx, op, payload, true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if rep, ok := c.replies[seq]; ok {
		delete(c.replies, seq)
		c.mu.Unlock()
		return replyResult(op, rep)
	}
	ch := make(chan control.Reply, 1)
	c.waiters[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case rep := <-ch:
		return replyResult(op, rep)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.sess.Done():
		return nil, envelope.ErrSessionClosed
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", op, envelope.ErrTimeout)
	}
}

func replyResult(op string, rep control.Reply) (cbor.RawMessage, error) {
	if !rep.OK {
		return nil, fmt.Errorf("%s: device error: %s", op, rep.Error)
	}
	return rep.Result, nil
}

// SendFrame stamps and transmits one streaming frame.
func (c *Client) SendFrame(f *envelope.Frame) error {
	return c.snd.Submit(f)
}
